// Command cachebash runs the coordination service: both transports, the
// gate pipeline, and (optionally) the embedded loop scheduler.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"github.com/cachebash/backend/internal/analytics"
	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/config"
	"github.com/cachebash/backend/internal/dispatch"
	"github.com/cachebash/backend/internal/dream"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/gate"
	"github.com/cachebash/backend/internal/infra"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/loops"
	"github.com/cachebash/backend/internal/mcp"
	"github.com/cachebash/backend/internal/metrics"
	"github.com/cachebash/backend/internal/mirror"
	"github.com/cachebash/backend/internal/pulse"
	"github.com/cachebash/backend/internal/ratelimit"
	"github.com/cachebash/backend/internal/relay"
	"github.com/cachebash/backend/internal/rest"
	"github.com/cachebash/backend/internal/sched"
	"github.com/cachebash/backend/internal/server"
	signalsvc "github.com/cachebash/backend/internal/signal"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
	"github.com/cachebash/backend/internal/usage"
	"github.com/cachebash/backend/internal/webhooks"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Store: Firestore in production, in-memory for local runs.
	var st store.Store
	if cfg.Store.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.Store.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Store.CredentialsFile))
		}
		fs, err := store.NewFirestore(ctx, cfg.Store.ProjectID, opts...)
		if err != nil {
			logger.Fatalf("firestore: %v", err)
		}
		st = fs
		logger.Printf("store: firestore project=%s", cfg.Store.ProjectID)
	} else {
		st = store.NewMemstore()
		logger.Printf("store: in-memory (no FIREBASE_PROJECT_ID)")
	}
	defer st.Close()

	sink := ledger.NewSink(st, 0, 0)
	defer sink.Close()

	// Event plane: in-process bus, durably exported to Pub/Sub when
	// configured, otherwise optionally mirrored across replicas via Redis.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	switch {
	case cfg.Analytics.PubsubTopic != "" && cfg.Store.ProjectID != "":
		pb, err := events.NewPubSubBus(cfg.Store.ProjectID, cfg.Analytics.PubsubTopic)
		if err != nil {
			logger.Printf("pubsub export disabled: %v", err)
		} else {
			defer pb.Close()
			bus = pb.Bus
			emitter = pb
			logger.Printf("events: pub/sub export to %s", cfg.Analytics.PubsubTopic)
		}
	case cfg.Redis.Addr != "":
		redisClient, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Printf("redis bridge disabled: %v", err)
		} else {
			defer redisClient.Close()
			bridge, err := events.NewRedisBridge(bus, redisClient, "")
			if err != nil {
				logger.Printf("redis bridge disabled: %v", err)
			} else {
				defer bridge.Close()
				emitter = bridge
				logger.Printf("events: redis bridge on %s", cfg.Redis.Addr)
			}
		}
	}

	usageRec := usage.NewRecorder(st, sink)
	analyticsEmitter := analytics.New(st, sink, emitter)

	// Identity-token verification needs a Firebase project; without one only
	// API keys authenticate.
	var verifier auth.TokenVerifier
	if cfg.Store.ProjectID != "" {
		fv, err := auth.NewFirebaseVerifier(ctx, cfg.Store.ProjectID, cfg.Store.CredentialsFile)
		if err != nil {
			logger.Printf("identity tokens disabled: %v", err)
		} else {
			verifier = fv
		}
	}
	resolver := auth.NewResolver(st, verifier, sink)

	limiter := ratelimit.New()
	defer limiter.Stop()

	m := metrics.New(func() float64 { return float64(sink.Stats()["pending"]) })

	// Webhook delivery for created tasks.
	var notifier webhooks.Notifier
	direct := webhooks.NewDispatcher(cfg.Dispatcher.WebhookURL, cfg.Dispatcher.WebhookSecret, 0)
	defer direct.Shutdown()
	notifier = direct
	if cfg.Dispatcher.TasksQueue != "" {
		ct, err := webhooks.NewCloudTasksDispatcher(cfg.Dispatcher.TasksQueue,
			cfg.Dispatcher.WebhookURL, cfg.Dispatcher.WebhookSecret, direct)
		if err != nil {
			logger.Printf("cloud tasks dispatch disabled: %v", err)
		} else {
			notifier = ct
		}
	}

	mirrorQueue := mirror.NewQueue(st, sink)

	registry := tools.NewRegistry()
	budget := gate.NewBudgetCache(st)

	dispatch.NewService(st, emitter, notifier, mirrorQueue).Register(registry)
	relay.NewService(st, emitter).Register(registry)
	pulse.NewService(st, emitter, cfg.Pulse.SessionIDMode == config.SessionIDStrict).Register(registry)
	signalsvc.NewService(st, emitter).Register(registry)
	dream.NewService(st, emitter, budget).Register(registry)
	analytics.RegisterTools(registry, st)

	g := gate.New(resolver, limiter, registry, sink, usageRec, analyticsEmitter, budget, m)

	runner := loops.NewRunner(st, emitter, m, cfg.Wake.HostURL, mirror.NopExecutor{})

	mcpHandler := mcp.NewHandler(st, g, resolver, cfg.MCP.AllowedHosts, func(delta float64) {
		m.MCPSessions.Add(delta)
	})
	restHandler := rest.NewHandler(g)

	srv := server.New(cfg, st, bus, resolver, runner, mcpHandler, restHandler)

	var scheduler *sched.Scheduler
	if cfg.Scheduler.Mode == config.SchedulerEmbedded {
		scheduler = sched.New(runner)
		if err := scheduler.Start(); err != nil {
			logger.Fatalf("scheduler: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
