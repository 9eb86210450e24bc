// Command gateway runs the security gateway: a reverse proxy that verifies,
// analyzes, and polices autonomous agent traffic before it reaches the
// protected backend.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gazorpazorp/gateway/internal/anomaly"
	"github.com/gazorpazorp/gateway/internal/api"
	"github.com/gazorpazorp/gateway/internal/challenge"
	"github.com/gazorpazorp/gateway/internal/config"
	"github.com/gazorpazorp/gateway/internal/events"
	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/infra"
	"github.com/gazorpazorp/gateway/internal/intent"
	"github.com/gazorpazorp/gateway/internal/metrics"
	"github.com/gazorpazorp/gateway/internal/pipeline"
	"github.com/gazorpazorp/gateway/internal/policy"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := infra.NewGoRedisAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	agents := identity.NewStore(store)
	v := verifier.New(agents, store)
	detector := anomaly.NewDetector(store)
	challenges := challenge.NewService(store, agents)
	bus := events.NewBus(store)

	rules := policy.DefaultRules()
	if cfg.RulesPath != "" {
		rules, err = policy.LoadRules(cfg.RulesPath)
		if err != nil {
			log.Fatalf("policy rules: %v", err)
		}
	}
	engine := policy.NewEngine(rules, store)

	llm := intent.NewLLMClient(cfg.LLMEndpoint, cfg.LLMSoftDeadline)
	cache := intent.NewCache(store)
	analyzer := intent.NewAnalyzer(intent.DefaultCatalog(), llm, cache, cfg.FastModel, cfg.DeepModel).WithMetrics(m)

	proxy, err := pipeline.NewProxy(cfg.UpstreamURL)
	if err != nil {
		log.Fatalf("upstream: %v", err)
	}
	pipe := pipeline.New(v, analyzer, detector, engine, challenges, bus, m, store, proxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	server := api.NewServer(api.Options{
		Pipeline:   pipe,
		Verifier:   v,
		Agents:     agents,
		Challenges: challenges,
		Bus:        bus,
		Cache:      cache,
		Engine:     engine,
		Metrics:    m,
		KV:         store,
		Registry:   registry,
		AdminToken: cfg.AdminToken,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on :%s, upstream %s", cfg.Port, cfg.UpstreamURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("gateway stopped")
}
