package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mkallio/worknotes/internal/api"
	"github.com/mkallio/worknotes/internal/config"
	"github.com/mkallio/worknotes/internal/ingest"
	"github.com/mkallio/worknotes/internal/ollama"
	"github.com/mkallio/worknotes/internal/reconcile"
	"github.com/mkallio/worknotes/internal/storage"
	"github.com/mkallio/worknotes/internal/vectorindex"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worknotes server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running worknotes server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worknotes system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "worknotes.pid")
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

// textEmbedder binds the Ollama client to the configured embedding model.
type textEmbedder struct {
	client *ollama.Client
	model  string
}

func (e *textEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "worknotes version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint is the source of truth;
	// the PID file only exists for `worknotes stop`.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("worknotes is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir,
		storage.WithRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BackoffBase))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	embedder := &textEmbedder{client: ollamaClient, model: cfg.Ollama.EmbedModel}
	index := vectorindex.New(cfg.Index.BaseURL, cfg.Index.APIKey)

	reconciler := reconcile.New(store, store, embedder, index)
	scheduler := reconcile.NewScheduler(store, reconciler, cfg.Retry.BatchSize)
	pipeline := ingest.NewPipeline(store, embedder, index, ollamaClient,
		cfg.Ollama.DraftModel, cfg.Index.TopK, float32(cfg.Index.MinScore))

	handler := api.NewHandler(api.Deps{
		Store:          store,
		Reconciler:     reconciler,
		Pipeline:       pipeline,
		Embedder:       embedder,
		Index:          index,
		Token:          cfg.Server.Token,
		MaxUploadBytes: int64(cfg.Ingest.MaxUploadBytes),
		SearchTopK:     cfg.Index.TopK,
		SearchMinScore: float32(cfg.Index.MinScore),
		DevMode:        cfg.DevMode,
	})

	// The retry scheduler owns no loop; cron is the external periodic
	// trigger that invokes each sweep.
	sweepInterval := cfg.Retry.SweepInterval
	if _, err := time.ParseDuration(sweepInterval); err != nil {
		slog.Warn("invalid retry sweep interval, using default 5s",
			"value", sweepInterval, "error", err)
		sweepInterval = "5s"
	}
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every "+sweepInterval, func() {
		if _, err := scheduler.Sweep(ctx); err != nil {
			slog.Error("retry sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling retry sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:          store,
		Embedder:       embedder,
		Index:          index,
		SearchMinScore: float32(cfg.Index.MinScore),
	})
	stdioSrv := mcpserver.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "worknotes listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("worknotes is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop worknotes (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to worknotes (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Vector index", "%s", cfg.Index.BaseURL)
	printStatus("Draft model", "%s", cfg.Ollama.DraftModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
