package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/polyglot/internal/config"
)

const pidFile = "polyglotd.pid"

func newStartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if isRunning(cmd.Context(), opts.addr) {
				fmt.Fprintln(out, "✓ Daemon is already running")
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.EnsureDataDir(cfg.DataDir); err != nil {
				return fmt.Errorf("setup data directory: %w", err)
			}

			daemonPath, err := findDaemonBinary()
			if err != nil {
				return fmt.Errorf("find daemon binary: %w", err)
			}

			proc := exec.Command(daemonPath)
			proc.Dir = cfg.DataDir
			proc.Stdout = nil
			proc.Stderr = nil
			configureDaemonProcess(proc)

			if err := proc.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			fmt.Fprint(out, "Starting daemon...")
			for i := 0; i < 30; i++ {
				time.Sleep(100 * time.Millisecond)
				if isRunning(cmd.Context(), opts.addr) {
					fmt.Fprintln(out, " ✓")
					fmt.Fprintf(out, "Daemon running at %s\n", opts.addr)
					return nil
				}
				fmt.Fprint(out, ".")
			}

			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon failed to start (check logs with 'polyglot logs')")
		},
	}
}

func newStopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !isRunning(cmd.Context(), opts.addr) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			pid, err := readPID(filepath.Join(cfg.DataDir, pidFile))
			if err != nil {
				return err
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process: %w", err)
			}

			fmt.Fprint(out, "Stopping daemon...")
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("send signal: %w", err)
			}

			for i := 0; i < 50; i++ {
				time.Sleep(100 * time.Millisecond)
				if !isRunning(cmd.Context(), opts.addr) {
					fmt.Fprintln(out, " ✓")
					return nil
				}
				fmt.Fprint(out, ".")
			}

			fmt.Fprintln(out, " ✗")
			return fmt.Errorf("daemon did not stop gracefully")
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !isRunning(cmd.Context(), opts.addr) {
				fmt.Fprintln(out, "Status: stopped")
				return nil
			}

			var status struct {
				Status       string `json:"status"`
				Version      string `json:"version"`
				Uptime       string `json:"uptime"`
				Database     string `json:"database"`
				Tiers        int    `json:"tiers"`
				AsyncResults bool   `json:"async_results"`
			}
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodGet, "/v1/status", nil, &status); err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			if opts.asJSON {
				return printJSON(out, status)
			}

			async := "disabled"
			if status.AsyncResults {
				async = "enabled"
			}
			fmt.Fprintf(out, "Status:    %s\n", status.Status)
			fmt.Fprintf(out, "Version:   %s\n", status.Version)
			fmt.Fprintf(out, "Uptime:    %s\n", status.Uptime)
			fmt.Fprintf(out, "Database:  %s\n", status.Database)
			fmt.Fprintf(out, "Tiers:     %d\n", status.Tiers)
			fmt.Fprintf(out, "Async:     %s\n", async)
			fmt.Fprintf(out, "Address:   %s\n", opts.addr)
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return tailLog(cmd.OutOrStdout(), filepath.Join(cfg.DataDir, "logs", "polyglotd.log"), 4096)
		},
	}
}

// tailLog prints roughly the last n bytes of the log at path, starting on a line boundary
func tailLog(w io.Writer, path string, n int64) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		fmt.Fprintln(w, "No log file found. Start the daemon first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(file)
	// Skip partial first line if we seeked
	if offset > 0 {
		_, _ = reader.ReadString('\n')
	}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

// isRunning checks if the daemon is running by calling the health endpoint
func isRunning(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// findDaemonBinary locates the polyglotd binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("polyglotd"); err == nil {
		return path, nil
	}

	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), "polyglotd")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, path := range []string{
		"/usr/local/bin/polyglotd",
		"./polyglotd",
		"./cmd/polyglotd/polyglotd",
	} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("polyglotd binary not found (build with 'go build ./cmd/polyglotd')")
}
