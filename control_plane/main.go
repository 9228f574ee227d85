package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/fleetgate/control_plane/admission"
	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/auth"
	"github.com/itskum47/fleetgate/control_plane/config"
	"github.com/itskum47/fleetgate/control_plane/coordination"
	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/gateway"
	"github.com/itskum47/fleetgate/control_plane/idempotency"
	"github.com/itskum47/fleetgate/control_plane/llm"
	"github.com/itskum47/fleetgate/control_plane/middleware"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/retriever"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/streaming"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

func main() {
	configPath := pflag.String("config", "", "path to the YAML config file (hot reloaded)")
	listen := pflag.String("listen", "", "listen address, overrides server.listen")
	seedPath := pflag.String("seed", "", "seed file with agents, policies, batches and models")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[CONFIG] %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *seedPath != "" {
		cfg.Seed.Path = *seedPath
	}
	log.Printf("[CONFIG] %+v", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil {
		log.Fatalf("fleetgate: %v", err)
	}
	log.Println("fleetgate control plane stopped")
}

// heartbeatCachedStore serves heartbeats through Redis and everything else
// from the durable store.
type heartbeatCachedStore struct {
	store.Store
	cache *store.RedisHeartbeatCache
}

func (s heartbeatCachedStore) RecordHeartbeat(ctx context.Context, hb *store.Heartbeat) error {
	return s.cache.RecordHeartbeat(ctx, hb)
}

func (s heartbeatCachedStore) LatestHeartbeat(ctx context.Context, tenantID, agentID string) (*store.Heartbeat, error) {
	return s.cache.LatestHeartbeat(ctx, tenantID, agentID)
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	// Storage
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Println("[STORE] Using Postgres")
		st = pg
	} else {
		log.Println("[STORE] DATABASE_URL not set, using in-memory store (ephemeral)")
		st = store.NewMemoryStore()
	}

	// Redis-backed shared state, or single-replica fallbacks.
	var (
		bus         streaming.Bus
		replayGuard ReplayGuardFunc
		idem        idempotency.Store
	)
	hostname, _ := os.Hostname()
	if cfg.Redis.Addr != "" {
		client, err := store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		log.Printf("[STORE] Connected to Redis at %s", cfg.Redis.Addr)

		st = heartbeatCachedStore{Store: st, cache: store.NewRedisHeartbeatCache(st, client, 0)}
		bus = streaming.NewRedisBus(client, cfg.Redis.Prefix+":events", hostname)
		replayGuard = func(tenantID string) attestation.ReplayGuard {
			return store.NewRedisReplayGuard(client, tenantID)
		}
		idem = idempotency.NewRedisStore(client, cfg.Redis.Prefix, idempotency.DefaultTTL)
	} else {
		log.Println("[STORE] REDIS_ADDR not set, using in-process event bus")
		bus = streaming.NewMemoryBus()
		shared := attestation.NewMemoryReplayGuard()
		replayGuard = func(string) attestation.ReplayGuard { return shared }
		idem = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	defer bus.Close()

	if cfg.Seed.Path != "" {
		seed, err := store.LoadSeedFile(cfg.Seed.Path)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, st, cfg.Seed.TenantID); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		log.Printf("[STORE] Seeded tenant %s from %s", cfg.Seed.TenantID, cfg.Seed.Path)
	}

	// Signing, admission and the run lifecycle
	secret := []byte(cfg.Signing.Secret)
	signer, err := attestation.NewSigner(secret, st)
	if err != nil {
		return err
	}
	admit := admission.NewController(st, cfg.Admission.DispatchRatePerSec, cfg.Admission.DispatchBurst)
	orch := execution.NewOrchestrator(st, signer, admit, execution.NewHTTPDispatcher(cfg.Dispatch.Timeout()), bus)

	agentOS := func(ctx context.Context, tenantID, agentID string) (string, error) {
		if hb, err := st.LatestHeartbeat(ctx, tenantID, agentID); err == nil && hb.OS != "" {
			return hb.OS, nil
		}
		agent, err := st.GetAgent(ctx, tenantID, agentID)
		if err != nil {
			return "", err
		}
		return agent.OS, nil
	}
	policies := policy.NewService(st, agentOS)
	pipe := execution.NewPipeline(policies, preflight.NewService(st, execution.RunFailer{O: orch}), orch)

	// Router and AI failover
	models := llm.NewModelCache(llm.StoreLoader(st), cfg.AI.Models, cfg.AI.ModelTTL())
	ai := llm.NewClient(
		llm.NewOpenAI(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.RequestTimeout()),
		models,
		st,
		llm.Config{
			Budget:           cfg.AI.Budget(),
			MaxTokens:        cfg.AI.MaxTokens,
			BreakerThreshold: cfg.AI.BreakerThreshold,
			BreakerCooldown:  cfg.AI.BreakerCooldown(),
		},
	)
	engine := decision.NewEngine(st, policies, retriever.New(st), ai)

	// Streaming gateway
	tl := timeline.NewStore(cfg.Gateway.TimelineCapacity)
	hub := gateway.NewHub(cfg.Gateway.MaxSessions)
	gw := gateway.New(engine, pipe, bus, tl, hub, middleware.TenantFromRequest, gateway.Options{
		ChunkSize:  cfg.Gateway.ChunkSize,
		ChunkDelay: cfg.Gateway.ChunkDelay(),
	})

	var authn func(http.Handler) http.Handler
	switch cfg.Auth.Mode {
	case config.AuthJWT:
		tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, 0)
		if err != nil {
			return err
		}
		authn = middleware.AuthMiddleware(tokens)
	default:
		log.Println("[AUTH] WARNING: trusting X-Tenant-ID header, do not use in production")
		authn = middleware.TenantMiddleware
	}

	api := NewAPI(Services{
		Store:       st,
		Engine:      engine,
		Policies:    policies,
		Pipeline:    pipe,
		Signer:      signer,
		Secret:      secret,
		ReplayGuard: replayGuard,
		Models:      models,
		Timeline:    tl,
		Gateway:     gw,
		Idempotency: idem,
	}, cfg.Server.HeartbeatRatePerSec, cfg.Server.HeartbeatBurst)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Routes(authn, cfg.Server.CORSOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tenants := cfg.Monitor.Tenants
	if len(tenants) == 0 {
		tenants = []string{cfg.Seed.TenantID}
	}
	monitor := coordination.NewAgentMonitor(st, tenants, cfg.Monitor.Interval(), cfg.Monitor.StaleAfter())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("fleetgate control plane listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				models.SetFallback(next.AI.Models)
				log.Printf("[CONFIG] AI fallback models now %v", next.AI.Models)
			})
		})
	}
	return g.Wait()
}
