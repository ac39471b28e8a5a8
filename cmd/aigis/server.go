package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/aigis/internal/api"
	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/config"
	"github.com/kalambet/aigis/internal/storage"
)

const httpShutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aigis server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running aigis server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aigis server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "aigis.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "aigis version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	// Refuse to start twice against the same port.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("aigis is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("aigis is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.startSweeper(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(a.deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aigis listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Stop taking requests first, then let background embedding drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := a.close(cfg.Shutdown.GracePeriod); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return serveErr
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(cfg.Shutdown.GracePeriod); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	stdio := server.NewStdioServer(api.NewMCPServer(a.deps, version))
	logger.Info("MCP server started (stdio transport)")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("aigis is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop aigis (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to aigis (PID %d)", pid)
	return nil
}

// healthReport mirrors the /health body.
type healthReport struct {
	Status       string             `json:"status"`
	PendingTasks int                `json:"pending_tasks"`
	Messages     *storage.Counts    `json:"messages"`
	Breakers     []breaker.Snapshot `json:"breakers"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	ctx := context.Background()

	printStatus("Embeddings", "%s (%s, %d dims)", cfg.Embedding.Backend, cfg.Embedding.Model, cfg.Embedding.Dimension)
	printStatus("Index", "%s", cfg.Retrieval.Index)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var h healthReport
	if err := decodeJSON(resp, &h); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printHealth(cfg.Server.Port, h)
	return nil
}

func printHealth(port int, h healthReport) {
	state := colorize(colorGreen, h.Status)
	if h.Status != "ok" {
		state = colorize(colorYellow, h.Status)
	}
	printStatus("Server", "running on port %d, %s", port, state)
	if h.Messages != nil {
		printStatus("Messages", "%d (%s embedded)", h.Messages.Messages, percent(h.Messages.Embedded, h.Messages.Messages))
	}
	printStatus("Pending", "%d embedding tasks", h.PendingTasks)
	for _, b := range h.Breakers {
		printStatus("Breaker "+b.Name, "%s", breakerState(b.State, b.Failures))
	}
}

func percent(part, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", part*100/total)
}

func breakerState(state string, failures int) string {
	switch state {
	case "closed":
		if failures > 0 {
			return colorize(colorYellow, fmt.Sprintf("closed (%d recent failures)", failures))
		}
		return colorize(colorGreen, state)
	case "open":
		return colorize(colorRed, state)
	}
	return colorize(colorYellow, state)
}
