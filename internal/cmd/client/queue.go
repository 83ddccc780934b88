// Package client contains Cobra CLI commands for Herald.
package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}

	queueCmd.AddCommand(
		newQueueCreateCommand(baseURL),
		newQueuePublishCommand(baseURL),
		newQueueStatsCommand(baseURL),
		newQueuePendingCommand(baseURL),
		newQueuePurgeCommand(baseURL),
		newQueuePauseCommand(baseURL, true),
		newQueuePauseCommand(baseURL, false),
		newQueueRemoveCommand(baseURL),
	)

	return queueCmd
}

// newQueueCreateCommand constructs the `queue create` subcommand.
func newQueueCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			transport, _ := cmd.Flags().GetString("transport")
			body := map[string]string{"queue": name, "transport": transport}
			var out map[string]string
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/queues/create", body, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", out["queue"], out["transport"])
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Queue name")
	createCmd.Flags().String("transport", "", "Transport: memory|redis|kvrest|push|embedded (default: server default)")
	return createCmd
}

// newQueuePublishCommand constructs the `queue publish` subcommand.
func newQueuePublishCommand(baseURL BaseURLFunc) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			msgType, _ := cmd.Flags().GetString("type")
			priority, _ := cmd.Flags().GetString("priority")
			data, _ := cmd.Flags().GetString("data")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")

			var payload interface{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					payload = data
				}
			}
			body := map[string]interface{}{
				"queue":      name,
				"type":       msgType,
				"priority":   priority,
				"payload":    payload,
				"maxRetries": maxRetries,
				"ttlMs":      ttlMs,
			}
			var out map[string]string
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/queues/publish", body, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "id:", out["id"])
			return nil
		},
	}
	publishCmd.Flags().StringP("queue", "q", "", "Queue name")
	publishCmd.Flags().String("type", "task", "Message type: task|event|command|notification")
	publishCmd.Flags().String("priority", "", "Priority: critical|high|normal|low")
	publishCmd.Flags().String("data", "", "Payload (JSON or plain text)")
	publishCmd.Flags().Int("max-retries", 0, "Retry budget override")
	publishCmd.Flags().Int64("ttl-ms", 0, "Message TTL in ms (0 = no expiry)")
	return publishCmd
}

// newQueueStatsCommand constructs the `queue stats` subcommand.
func newQueueStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue stats (all queues when --queue is omitted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			path := "/v1/queues/stats"
			if name != "" {
				path += "?queue=" + name
			}
			var out interface{}
			if err := getJSON(cmd.Context(), baseURL(), path, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	statsCmd.Flags().StringP("queue", "q", "", "Queue name")
	return statsCmd
}

// newQueuePendingCommand constructs the `queue pending` subcommand.
func newQueuePendingCommand(baseURL BaseURLFunc) *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending messages in priority order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt("limit")
			path := fmt.Sprintf("/v1/queues/pending?queue=%s&limit=%d", name, limit)
			var out interface{}
			if err := getJSON(cmd.Context(), baseURL(), path, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	pendingCmd.Flags().StringP("queue", "q", "", "Queue name")
	pendingCmd.Flags().Int("limit", 50, "Max messages to list")
	return pendingCmd
}

// newQueuePurgeCommand constructs the `queue purge` subcommand.
func newQueuePurgeCommand(baseURL BaseURLFunc) *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge a queue (all queues when --queue is omitted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			body := map[string]string{"queue": name}
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/queues/purge", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "purged")
			return nil
		},
	}
	purgeCmd.Flags().StringP("queue", "q", "", "Queue name")
	return purgeCmd
}

func newQueuePauseCommand(baseURL BaseURLFunc, pause bool) *cobra.Command {
	use, short, path := "pause", "Pause queue draining", "/v1/queues/pause"
	if !pause {
		use, short, path = "resume", "Resume queue draining", "/v1/queues/resume"
	}
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			body := map[string]string{"queue": name}
			if _, err := postJSON(cmd.Context(), baseURL(), path, body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), use+"d")
			return nil
		},
	}
	c.Flags().StringP("queue", "q", "", "Queue name (empty = all queues)")
	return c
}

// newQueueRemoveCommand constructs the `queue remove` subcommand.
func newQueueRemoveCommand(baseURL BaseURLFunc) *cobra.Command {
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Close and deregister a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			body := map[string]string{"queue": name}
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/queues/remove", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
	removeCmd.Flags().StringP("queue", "q", "", "Queue name")
	return removeCmd
}
