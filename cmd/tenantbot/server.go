package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/tenantbot/internal/answer"
	"github.com/kalambet/tenantbot/internal/api"
	"github.com/kalambet/tenantbot/internal/composer"
	"github.com/kalambet/tenantbot/internal/config"
	"github.com/kalambet/tenantbot/internal/engine"
	"github.com/kalambet/tenantbot/internal/pipeline"
	"github.com/kalambet/tenantbot/internal/queue"
	"github.com/kalambet/tenantbot/internal/reply"
	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
	"github.com/kalambet/tenantbot/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tenantbot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tenantbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tenantbot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tenantbot.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildSenders returns one sender per configured outbound platform.
func buildSenders(cfg config.Config) ([]reply.Sender, error) {
	var senders []reply.Sender
	if cfg.Reply.WebhookURL != "" {
		senders = append(senders, reply.NewWebhookSender(reply.PlatformWebhook, cfg.Reply.WebhookURL, cfg.Secrets.WebhookToken))
	}
	if cfg.Secrets.TelegramToken != "" {
		tg, err := reply.NewTelegramSender(cfg.Secrets.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		senders = append(senders, tg)
	}
	if cfg.Secrets.DiscordToken != "" {
		dc, err := reply.NewDiscordSender(cfg.Secrets.DiscordToken)
		if err != nil {
			return nil, fmt.Errorf("discord sender: %w", err)
		}
		senders = append(senders, dc)
	}
	return senders, nil
}

// openVectorStore returns the configured knowledge-base backend and a
// close func for it.
func openVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (retrieval.VectorStore, func() error, error) {
	if strings.EqualFold(cfg.Storage.VectorBackend, config.BackendPostgres) {
		pg, err := retrieval.OpenPGStore(ctx, cfg.Secrets.PostgresDSN, cfg.Retrieval.Dimension)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres vector store: %w", err)
		}
		return pg, pg.Close, nil
	}
	return retrieval.NewSQLiteStore(store.DB(), cfg.Retrieval.Dimension), func() error { return nil }, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "tenantbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.EnsureAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	cfg.Secrets.APIToken = apiToken
	slog.Info("API bearer token available")

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tenantbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tenantbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.Secrets.OpenAIAPIKey,
	})
	if err != nil {
		return fmt.Errorf("creating inference engine: %w", err)
	}
	ready := engine.Requirements{
		Model:      cfg.LLM.Model,
		EmbedModel: cfg.LLM.EmbedModel,
		Dimension:  cfg.Retrieval.Dimension,
	}
	if err := engine.EnsureReady(ctx, eng, ready, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	vectors, closeVectors, err := openVectorStore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeVectors()

	recorder := telemetry.NewRecorder(store)
	embedder := retrieval.NewEmbedder(eng, cfg.LLM.EmbedModel, cfg.Retrieval.Dimension)
	retriever := retrieval.NewRetriever(embedder, vectors)
	generator := answer.NewGenerator(eng, cfg.LLM.Model, engine.GenerateOptions{
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		JSON:        true,
	}, cfg.LLM.Timeout)

	senders, err := buildSenders(cfg)
	if err != nil {
		return err
	}
	router := reply.NewRouter(cfg.Reply.RatePerSecond, senders...)
	if len(senders) == 0 {
		slog.Warn("no reply platforms configured; answers will be dropped")
	} else {
		slog.Info("reply platforms", "platforms", router.Platforms())
	}

	dispatcher := pipeline.NewDispatcher(retriever, composer.New(0), generator, router, recorder, pipeline.Config{
		TopK:            cfg.Retrieval.TopK,
		DefaultPlatform: cfg.Reply.DefaultPlatform,
	})

	registry := queue.NewRegistry(store, queue.Options{
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Metrics:      recorder,
	})
	if err := registry.Recover(ctx, dispatcher); err != nil {
		return fmt.Errorf("recovering queues: %w", err)
	}

	if cfg.Retrieval.KBIdleTTL > 0 {
		go retrieval.NewJanitor(vectors, cfg.Retrieval.KBIdleTTL, cfg.Retrieval.IdleSweep).Run(ctx)
	}
	if cfg.Telemetry.GPUInterval > 0 {
		if usage, ok := eng.(engine.UsageReporter); ok {
			go telemetry.NewSampler(usage, recorder, cfg.Telemetry.GPUInterval).Run(ctx)
		} else {
			slog.Warn("inference engine does not report GPU usage; sampler disabled", "provider", cfg.LLM.Provider)
		}
	}

	handler := api.NewHandler(api.Deps{
		Queue:       registry,
		Processor:   dispatcher,
		Knowledge:   vectors,
		Embedder:    embedder,
		Metrics:     recorder,
		DeadLetters: store,
		Engine:      eng,
		Replies:     router,
		Token:       apiToken,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Retriever:   retriever,
			Metrics:     recorder,
			DeadLetters: store,
			Queue:       registry,
			Processor:   dispatcher,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tenantbot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// In-flight jobs finish before storage closes.
	registry.Stop()
	recorder.Flush()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	return serveErr
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
		printError("tenantbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tenantbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tenantbot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status string `json:"status"`
			Engine string `json:"engine"`
		}
		_ = decodeJSON(resp, &health)
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s:%d", cfg.Server.Host, cfg.Server.Port)
			if health.Engine != "" {
				printStatus("Engine", "%s", health.Engine)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.LLM.Provider)
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Vector store", "%s (dim %d)", cfg.Storage.VectorBackend, cfg.Retrieval.Dimension)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
