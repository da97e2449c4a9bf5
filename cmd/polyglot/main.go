package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://127.0.0.1:7432"

// options are shared by every subcommand
type options struct {
	addr   string
	asJSON bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "polyglot",
		Short: "Exercise diversity and progression gating",
		Long: `polyglot talks to the polyglotd daemon.

Daemon:
  start, stop, status, logs

Learners:
  plan, submit-result, gating, mastery, progress

Maintenance:
  clear-history, remove-fingerprint, sweep, config

Agents:
  mcp   serve the engine over MCP on stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr := os.Getenv("POLYGLOT_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", addr, "Daemon address (overrides POLYGLOT_ADDR)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newLogsCmd(),
		newPlanCmd(opts),
		newSubmitResultCmd(opts),
		newGatingCmd(opts),
		newMasteryCmd(opts),
		newProgressCmd(opts),
		newClearHistoryCmd(opts),
		newRemoveFingerprintCmd(opts),
		newSweepCmd(opts),
		newConfigCmd(opts),
		newMCPCmd(),
	)

	return root
}

// apiError is the error body written by the daemon
type apiError struct {
	Message string `json:"error"`
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
}

// client is a thin JSON client for the daemon API
type client struct {
	addr string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		addr: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes the response into out. Non-2xx responses become *apiError.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeRaw(raw, out)
}

func decodeRaw(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// raw is like do but returns the undecoded response body
func (c *client) raw(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (start it with 'polyglot start'): %w", c.addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

// printJSON writes v indented to w
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderProgressBar creates a visual progress bar
func renderProgressBar(value float64, width int) string {
	filled := int(value * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	empty := width - filled

	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", empty) + "]"
}
