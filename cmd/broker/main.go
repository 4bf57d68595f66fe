// Command broker runs the conversational agent broker: an Anthropic-
// compatible HTTP surface in front of an OpenAI-compatible upstream
// provider, a messaging-platform bridge that drives CLI agent subprocesses
// per conversation tree, and crash-recoverable session persistence.
// Grounded on the teacher's cmd/server/main.go wiring shape (service
// construction, background goroutines, signal-chained graceful shutdown),
// generalized from the teacher's Firebase/GraphQL/Composio stack onto this
// broker's own component set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/agentbroker/broker/internal/adminhub"
	"github.com/agentbroker/broker/internal/cliproc"
	"github.com/agentbroker/broker/internal/config"
	"github.com/agentbroker/broker/internal/distributed"
	"github.com/agentbroker/broker/internal/httpapi"
	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/messaging"
	"github.com/agentbroker/broker/internal/messaging/telegram"
	"github.com/agentbroker/broker/internal/msglimiter"
	"github.com/agentbroker/broker/internal/ratelimit"
	"github.com/agentbroker/broker/internal/store"
	"github.com/agentbroker/broker/internal/tree"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("broker: starting", "instance_id", logger.GetInstanceID())

	limiter, err := ratelimit.NewProviderLimiter(cfg.ProviderRateLimitN, cfg.ProviderRateLimitW, log)
	if err != nil {
		log.Error("broker: failed to construct provider limiter", "error", err.Error())
		os.Exit(1)
	}

	repo := tree.NewRepository()
	proc := tree.NewProcessor(repo)

	registry := cliproc.NewRegistry()
	cliMgr := cliproc.NewManager(cliproc.Spec{
		Binary:            cfg.CLIBinary,
		Workspace:         cfg.Workspace,
		AllowedDirs:       splitNonEmpty(cfg.AllowedDirectories),
		AnthropicBaseURL:  "http://" + cfg.Host + ":" + cfg.Port,
		PlaceholderAPIKey: "placeholder",
	}, registry, cfg.MaxCLISessions)

	sessionStore, err := store.Load(cfg.SessionStorePath, cfg.SessionStoreDebounce, cfg.MaxMessageLogPerChat)
	if err != nil {
		log.Error("broker: failed to load session store", "error", err.Error())
		os.Exit(1)
	}
	sessionStore.RestoreInto(repo)
	if n := proc.CleanupStaleNodes(); n > 0 {
		log.Warn("broker: reconciled stale nodes from a prior crash", "count", n)
	}

	msgLimiter, err := msglimiter.New(cfg.MessagingRateLimitN, cfg.MessagingRateLimitW, cfg.MessagingDefaultFloodWait, log)
	if err != nil {
		log.Error("broker: failed to construct messaging limiter", "error", err.Error())
		os.Exit(1)
	}

	var natsConn *nats.Conn
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Warn("broker: failed to connect to NATS, distributed /stop disabled", "error", err.Error())
		} else {
			natsConn = nc
		}
	}

	var broadcaster *distributed.StopBroadcaster
	if natsConn != nil {
		broadcaster = distributed.New(natsConn, log, logger.GetInstanceID(), func(req distributed.StopRequest) {
			log.Info("broker: received distributed stop request", "from", req.InstanceID, "reason", req.Reason)
			proc.CancelAll()
			cliMgr.StopAll()
		})
		if err := broadcaster.Start(); err != nil {
			log.Warn("broker: failed to subscribe to distributed stop subject", "error", err.Error())
		}
	}

	hub := adminhub.New(log)
	var adminServer *http.Server
	if cfg.AdminHubAddr != "" {
		adminServer = startAdminHub(cfg.AdminHubAddr, hub, repo, cliMgr, log)
	}

	var platform messaging.Platform
	if cfg.MessagingPlatform == "telegram" && cfg.EnableTelegramServer && cfg.TelegramToken != "" {
		platform = telegram.New(cfg.TelegramToken, log)
	}

	if platform != nil {
		messaging.NewHandler(platform, repo, proc, cliMgr, msgLimiter, sessionStore, log)
	} else {
		log.Warn("broker: no messaging platform configured, chat bridge disabled")
	}

	apiServer := httpapi.NewServer(cfg, limiter, proc, cliMgr, broadcaster, log)
	router := httpapi.NewRouter(apiServer)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	platformCtx, cancelPlatform := context.WithCancel(context.Background())

	// g supervises every long-running service goroutine: if one exits
	// with an error, gCtx cancels and the rest unwind, the same
	// runtime-error-monitoring shape as the teacher's App.Start.
	g, gCtx := errgroup.WithContext(context.Background())

	if platform != nil {
		g.Go(func() error {
			if err := platform.Start(platformCtx); err != nil {
				return fmt.Errorf("messaging platform: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("broker: HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if adminServer != nil {
		g.Go(func() error {
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin hub server: %w", err)
			}
			return nil
		})
	}

	waitForShutdown(log, gCtx, func() {
		shutdown(cfg, log, cancelPlatform, platform, cliMgr, sessionStore, msgLimiter, httpServer, adminServer)
	}, func() {
		forceKill(registry, log)
	})

	if err := g.Wait(); err != nil {
		log.Error("broker: a service goroutine exited with an error", "error", err.Error())
	}
}

// startAdminHub serves the operator WebSocket dashboard (§ ambient
// observability): /admin/ws upgrades into the hub, and a background
// loop broadcasts a StatsSnapshot every couple of seconds.
func startAdminHub(addr string, hub *adminhub.Hub, repo *tree.Repository, cliMgr *cliproc.Manager, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := adminhub.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("broker: admin websocket upgrade failed", "error", err.Error())
			return
		}
		hub.Register(logger.GenerateRequestID(), conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if hub.Count() == 0 {
				continue
			}
			hub.Broadcast(messaging.StatsSnapshot{
				TreeCount:   repo.Count(),
				CLISessions: cliMgr.Count(),
			})
		}
	}()
	return srv
}

// waitForShutdown blocks on SIGINT/SIGTERM (or a service goroutine
// dying unexpectedly, signaled through gCtx), runs graceful on the
// first trigger, and force-exits 130 after killing registered
// subprocesses on a second signal received while graceful is still
// running (§5).
func waitForShutdown(log *logger.Logger, gCtx context.Context, graceful func(), forceKill func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("broker: shutdown signal received")
	case <-gCtx.Done():
		log.Warn("broker: a service goroutine failed, shutting down")
	}

	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()

	select {
	case <-done:
		log.Info("broker: graceful shutdown complete")
	case <-sigCh:
		log.Warn("broker: second signal received, forcing exit")
		forceKill()
		os.Exit(130)
	}
}

// shutdown runs the ordered shutdown path (§5): stop messaging platforms,
// stop all CLI sessions, flush the session store, shut down the messaging
// limiter worker, clean up the HTTP server. Each step is time-bounded;
// failures are logged but never propagated.
func shutdown(cfg *config.Config, log *logger.Logger, cancelPlatform context.CancelFunc, platform messaging.Platform, cliMgr *cliproc.Manager, sessionStore *store.Store, msgLimiter *msglimiter.Limiter, httpServer *http.Server, adminServer *http.Server) {
	if platform != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := platform.Stop(stopCtx); err != nil {
			log.Warn("broker: messaging platform stop failed", "error", err.Error())
		}
		cancel()
	}
	cancelPlatform()

	cliMgr.StopAll()

	if err := sessionStore.FlushPendingSave(); err != nil {
		log.Warn("broker: failed to flush session store on shutdown", "error", err.Error())
	}

	msgLimiter.Shutdown(2 * time.Second)

	httpCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.Warn("broker: HTTP server forced to shutdown", "error", err.Error())
	}

	if adminServer != nil {
		adminCtx, adminCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer adminCancel()
		if err := adminServer.Shutdown(adminCtx); err != nil {
			log.Warn("broker: admin hub server forced to shutdown", "error", err.Error())
		}
	}
}

// forceKill is the second-signal escape hatch: best-effort SIGKILL of
// every registered subprocess process group before the process exits.
func forceKill(registry *cliproc.Registry, log *logger.Logger) {
	for _, pid := range registry.PIDs() {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			log.Warn("broker: force-kill failed", "pid", pid, "error", err.Error())
		}
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
