// Command capstand is the Capstan queue daemon. It serves the four
// task tools over MCP on stdio and, when configured, a read-only HTTP
// API with an SSE event stream. Logging goes to stderr; stdout belongs
// to the tool protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/capstanhq/capstan/comms"
	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/coordinator"
	"github.com/capstanhq/capstan/internal/version"
	"github.com/capstanhq/capstan/protocol"
	"github.com/capstanhq/capstan/server"
	"github.com/capstanhq/capstan/task"
	"github.com/capstanhq/capstan/worker"
)

var configPath = flag.String("config", "capstan.yaml", "path to config file (defaults apply when absent)")

func main() {
	flag.Parse()

	cfg := loadConfig(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting capstand",
		"version", version.Version,
		"commit", version.Commit,
	)

	if dir := filepath.Dir(cfg.Queue.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create data dir %s: %v", dir, err)
		}
	}

	store, err := task.NewSQLiteStore(cfg.Queue.DBPath, cfg.Queue.WorkspaceRoot)
	if err != nil {
		log.Fatalf("open task store: %v", err)
	}
	defer store.Close()

	bus := comms.NewInMemoryBus()
	queue := task.NewEventedStore(store, bus)

	unsub := bus.Subscribe("", func(_ context.Context, ev *comms.Event) error {
		logger.Debug("event", "type", ev.Type, "task", ev.TaskID, "detail", ev.Detail)
		return nil
	})
	defer unsub()

	psrv := protocol.NewServer(queue, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cutoff := cfg.Queue.RequeueAfter(); cutoff > 0 {
		go sweepStaleClaims(ctx, queue, cutoff, logger)
	}

	// Configured workers poll the queue through an embedded session
	var pool *worker.Pool
	var coord *coordinator.Coordinator
	if len(cfg.Workers) > 0 {
		coord = coordinator.NewEmbedded(psrv, coordinator.Options{
			CallTimeout:    cfg.Coordinator.CallTimeout(),
			HealthInterval: cfg.Coordinator.HealthInterval(),
			StopGrace:      cfg.Coordinator.StopGrace(),
			Logger:         logger,
		})
		if err := coord.Start(ctx); err != nil {
			log.Fatalf("start embedded session: %v", err)
		}
		// Workers sharing an agent type share one executor; the first
		// configured command for a type wins
		reg := worker.NewRegistry()
		for _, wc := range cfg.Workers {
			if _, ok := reg.Get(wc.AgentType); ok {
				continue
			}
			if err := reg.Register(wc.AgentType, &worker.CommandExecutor{Command: wc.Command, Args: wc.Args}); err != nil {
				log.Fatalf("register executor: %v", err)
			}
		}

		pool = worker.NewPool()
		for _, wc := range cfg.Workers {
			exec, ok := reg.Get(wc.AgentType)
			if !ok {
				log.Fatalf("no executor registered for agent type %q", wc.AgentType)
			}
			pool.Add(worker.New(worker.Config{
				ID:           wc.ID,
				AgentType:    wc.AgentType,
				Client:       coord,
				Executor:     exec,
				PollInterval: time.Duration(wc.PollIntervalMS) * time.Millisecond,
				Logger:       logger,
			}))
		}
		if err := pool.StartAll(ctx); err != nil {
			log.Fatalf("start workers: %v", err)
		}
		logger.Info("workers started", "count", len(cfg.Workers), "agent_types", reg.AgentTypes())
	}

	var httpSrv *server.Server
	if cfg.Server.Addr != "" {
		httpSrv = server.New(*cfg, version.Version, logger)
		httpSrv.SetStore(queue)
		httpSrv.SetBus(bus)
		if pool != nil {
			httpSrv.SetWorkers(pool)
		}
		go func() {
			if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http api", "error", err)
			}
		}()
	}

	// Serve the tool protocol on stdio until the client hangs up or a
	// signal arrives
	runErr := make(chan error, 1)
	go func() { runErr <- psrv.Run(ctx, &mcp.StdioTransport{}) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("protocol server", "error", err)
		} else {
			logger.Info("protocol session closed")
		}
	}

	cancel()

	if pool != nil {
		if err := pool.StopAll(context.Background()); err != nil {
			logger.Error("stop workers", "error", err)
		}
	}
	if coord != nil {
		if err := coord.Stop(); err != nil {
			logger.Error("stop embedded session", "error", err)
		}
	}
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			logger.Error("stop http api", "error", err)
		}
		shutdownCancel()
	}
	logger.Info("shutdown complete")
}

// loadConfig reads the config file, falling back to defaults when the
// file does not exist.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig()
	}
	log.Fatalf("load config: %v", err)
	return nil
}

// sweepStaleClaims periodically returns long-running claims to the
// ready state so a crashed worker cannot strand its task.
func sweepStaleClaims(ctx context.Context, queue task.Store, cutoff time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := queue.ReleaseStale(cutoff)
			if err != nil {
				logger.Warn("stale claim sweep", "error", err)
				continue
			}
			if len(ids) > 0 {
				logger.Info("requeued stale tasks", "tasks", strings.Join(ids, ","))
			}
		}
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
