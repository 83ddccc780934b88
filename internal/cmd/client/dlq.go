package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDLQCommand constructs the `dlq` command group for dead-letter triage.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}

	dlqCmd.AddCommand(
		newDLQListCommand(baseURL),
		newDLQReplayCommand(baseURL),
		newDLQDeleteCommand(baseURL),
	)

	return dlqCmd
}

func newDLQListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			path := fmt.Sprintf("/v1/dlq/list?queue=%s&offset=%d&limit=%d", name, offset, limit)
			var out interface{}
			if err := getJSON(cmd.Context(), baseURL(), path, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	listCmd.Flags().StringP("queue", "q", "", "Queue name")
	listCmd.Flags().Int("offset", 0, "Pagination offset")
	listCmd.Flags().Int("limit", 50, "Max entries to list")
	return listCmd
}

func newDLQReplayCommand(baseURL BaseURLFunc) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a dead-letter entry back into the pending pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			id, _ := cmd.Flags().GetString("id")
			body := map[string]string{"queue": name, "id": id}
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/dlq/replay", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "replayed:", id)
			return nil
		},
	}
	replayCmd.Flags().StringP("queue", "q", "", "Queue name")
	replayCmd.Flags().String("id", "", "Message id")
	return replayCmd
}

func newDLQDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Drop a dead-letter entry without replaying it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("queue")
			id, _ := cmd.Flags().GetString("id")
			body := map[string]string{"queue": name, "id": id}
			if _, err := postJSON(cmd.Context(), baseURL(), "/v1/dlq/delete", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted:", id)
			return nil
		},
	}
	deleteCmd.Flags().StringP("queue", "q", "", "Queue name")
	deleteCmd.Flags().String("id", "", "Message id")
	return deleteCmd
}
