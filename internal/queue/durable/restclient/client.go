// Package restclient speaks to a key/value store through an HTTP command
// proxy. Commands are posted as JSON arrays, one request per command or one
// request per pipeline, with a bearer token for auth. The reply shapes match
// what the durable core's decoders accept, so the core runs unchanged over
// this transport.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable"
)

// Config describes the proxy endpoint.
type Config struct {
	// URL is the proxy base URL, e.g. https://kv.example.com.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds each HTTP request. Zero means 10s.
	Timeout time.Duration
}

// Client posts commands to the proxy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ durable.CommandClient = (*Client)(nil)

// New builds a client and verifies the proxy with a PING. Connection failure
// surfaces immediately rather than on first use.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, &queue.ConnectionError{Transport: queue.TransportKVRest, Addr: cfg.URL,
			Err: fmt.Errorf("restclient: empty URL")}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
	if _, err := c.Do(ctx, "PING"); err != nil {
		return nil, &queue.ConnectionError{Transport: queue.TransportKVRest, Addr: cfg.URL, Err: err}
	}
	return c, nil
}

type commandReply struct {
	Result interface{} `json:"result"`
	Error  string      `json:"error"`
}

// Do executes one command via POST /.
func (c *Client) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	var reply commandReply
	if err := c.post(ctx, c.baseURL, args, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("restclient: %s", reply.Error)
	}
	return reply.Result, nil
}

// Pipeline executes commands via POST /pipeline on one round trip.
func (c *Client) Pipeline(ctx context.Context, cmds [][]interface{}) ([]interface{}, error) {
	var replies []commandReply
	if err := c.post(ctx, c.baseURL+"/pipeline", cmds, &replies); err != nil {
		return nil, err
	}
	if len(replies) != len(cmds) {
		return nil, fmt.Errorf("restclient: %d replies for %d commands", len(replies), len(cmds))
	}
	out := make([]interface{}, len(replies))
	for i, r := range replies {
		if r.Error != "" {
			return nil, fmt.Errorf("restclient: command %d: %s", i, r.Error)
		}
		out[i] = r.Result
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("restclient: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// Close is a no-op; the proxy is stateless over HTTP.
func (c *Client) Close() error { return nil }
