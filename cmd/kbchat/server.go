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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kbchat/internal/api"
	"github.com/kalambet/kbchat/internal/chat"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/proxy"
	"github.com/kalambet/kbchat/internal/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the ingestion workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		noWorkers, _ := cmd.Flags().GetBool("no-workers")
		workers, _ := cmd.Flags().GetInt("workers")
		skip, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(serveOptions{MCP: mcp, NoWorkers: noWorkers, Workers: workers, SkipModelCheck: skip})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run ingestion workers without the API server",
	Long: `Run ingestion workers without the API server.

Workers share the data directory with "kbchat serve". Set nats.url on every
process so workers wake up as soon as a document is submitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		skip, _ := cmd.Flags().GetBool("skip-model-check")
		return runWorker(workers, skip)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kbchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kbchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().Bool("no-workers", false, "do not run ingestion workers in this process")
	serveCmd.Flags().Int("workers", 0, "concurrent ingestion jobs (default queue.workers)")
	serveCmd.Flags().Bool("skip-model-check", false, "do not check or pull local models on startup")
	workerCmd.Flags().Int("workers", 0, "concurrent ingestion jobs (default queue.workers)")
	workerCmd.Flags().Bool("skip-model-check", false, "do not check or pull local models on startup")
}

type serveOptions struct {
	MCP            bool
	NoWorkers      bool
	Workers        int
	SkipModelCheck bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kbchat.pid")
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

func serverAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
}

func runServer(opts serveOptions) error {
	printStep("kbchat version %s", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is empty; the API accepts unauthenticated requests")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + serverAddr(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", serverAddr(cfg))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deployment, err := generation.ParseDeployment(cfg.Generation.Deployment)
	if err != nil {
		return err
	}
	// The local model answers offline and whenever no cloud provider exists.
	chatModel := ""
	if deployment == generation.Offline || !cfg.CloudConfigured() {
		chatModel = cfg.Ollama.ChatModel
	}

	a, err := newApp(ctx, cfg, log, appOptions{
		Workers:        opts.Workers,
		ChatModel:      chatModel,
		SkipModelCheck: opts.SkipModelCheck,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	gateway := generation.NewGateway(generation.GatewayConfig{
		Deployment:  deployment,
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		Logger:      log,
		Metrics:     a.metrics,
	}, generation.NewOllamaProvider(a.engine.Client, cfg.Ollama.ChatModel))

	deps := api.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Documents: a.documents,
		Metrics:   a.metrics,
		Token:     cfg.Server.APIToken,
		Logger:    log,
	}
	if cfg.CloudConfigured() {
		cloud := proxy.NewClient(cfg.Cloud.APIKey, cfg.Cloud.BaseURL)
		gateway.Register(generation.NewCloudProvider(cfg.Cloud.Provider, cloud, cfg.Cloud.Model))
		deps.Models = cloud
	}
	if cfg.Generation.Provider != "" {
		if _, err := gateway.Select(generation.Options{Provider: cfg.Generation.Provider}); err != nil {
			return fmt.Errorf("generation.provider: %w", err)
		}
	}
	log.Info("generation providers", zap.Strings("providers", gateway.Providers()),
		zap.String("deployment", string(deployment)))

	retriever := retrieval.NewRetriever(retrieval.NewEmbedder(a.embedder, cfg.EmbeddingCacheTTL()), a.vectors)
	orchestrator := pipeline.NewOrchestrator(retriever, composer.New(cfg.Retrieval.MaxContextTokens), gateway, pipeline.Config{
		TopK:      cfg.Retrieval.TopK,
		Threshold: cfg.Retrieval.Threshold,
		Logger:    log,
		Metrics:   a.metrics,
	})
	deps.Chat = chat.NewService(a.store, orchestrator, log)
	deps.Search = orchestrator
	if !opts.NoWorkers {
		deps.Running = a.dispatcher
	}

	srv := &http.Server{
		Addr:              serverAddr(cfg),
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !opts.NoWorkers {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	if opts.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     a.store,
			Documents: a.documents,
			Search:    orchestrator,
			Version:   version,
		})
		g.Go(func() error {
			log.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("MCP stdio server error", zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runWorker(workers int, skipModelCheck bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, appOptions{Workers: workers, SkipModelCheck: skipModelCheck})
	if err != nil {
		return err
	}
	defer a.Close()

	printStep("kbchat worker running; press Ctrl+C to stop")
	if err := a.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("kbchat is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop kbchat (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to kbchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on %s", serverAddr(cfg))
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	hc := &http.Client{Timeout: 2 * time.Second}
	if resp, err := hc.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		resp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Deployment", "%s", cfg.Generation.Deployment)
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	if cfg.CloudConfigured() {
		printStatus("Cloud model", "%s/%s", cfg.Cloud.Provider, cfg.Cloud.Model)
	}
	printStatus("Embeddings", "%s/%s", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Vector store", "%s", cfg.Vector.Backend)

	if running {
		resp, err := client.get(ctx, "/knowledge-bases")
		if err == nil {
			var kbs []knowledgeBase
			if decodeJSON(resp, &kbs) == nil {
				printStatus("Knowledge bases", "%d", len(kbs))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
