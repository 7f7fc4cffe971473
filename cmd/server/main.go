package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildguard/backend/internal/agents"
	"github.com/buildguard/backend/internal/api"
	"github.com/buildguard/backend/internal/config"
	"github.com/buildguard/backend/internal/db"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/monitoring"
	"github.com/buildguard/backend/internal/pipeline"
	"github.com/buildguard/backend/internal/resilience"
	"github.com/buildguard/backend/internal/taskqueue"
	"github.com/buildguard/backend/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting BuildGuard Compliance Backend...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	// 1. Cost ledger, with optional CSV and Postgres sinks.
	var sinks []ledger.Sink
	if path := os.Getenv("LEDGER_CSV_PATH"); path != "" {
		csvSink, err := ledger.NewCSVSink(path)
		if err != nil {
			log.Fatalf("ledger CSV sink: %v", err)
		}
		defer csvSink.Close()
		sinks = append(sinks, csvSink)
	}

	var archive *db.Store
	if cfg.Postgres.Enabled {
		archive, err = db.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer archive.Close()
		sinks = append(sinks, archive)
	}

	costLedger := ledger.New(cfg.PricingTable(), sinks...)

	// 2. Event bus: Pub/Sub backed when configured, in-memory otherwise.
	var bus *events.Bus
	var emitter events.Emitter
	if cfg.PubSub.Enabled {
		psBus, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("pubsub bus: %v", err)
		}
		defer psBus.Close()
		bus = psBus.Bus
		emitter = psBus
	} else {
		bus = events.NewBus()
		emitter = bus
	}

	// 3. Metrics, fed by the event bus and the resilience layer.
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	stopCollector := monitoring.StartCollector(bus, metrics)
	defer stopCollector()

	// 4. Resilience layer shared by agents and webhook delivery.
	caller := resilience.NewCaller(
		resilience.WithPolicy(cfg.RetryPolicy()),
		resilience.WithBreakerConfig(cfg.BreakerSettings()),
		resilience.WithRateLimit(cfg.RateLimit.Requests,
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		resilience.WithObserver(metrics),
	)

	// 5. Task queue: Redis-backed results when configured.
	var store taskqueue.ResultStore
	if cfg.Redis.Enabled {
		redisStore, err := taskqueue.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ redis unavailable, falling back to in-memory results: %v", err)
			store = taskqueue.NewMemoryStore()
		} else {
			defer redisStore.Close()
			store = redisStore
		}
	} else {
		store = taskqueue.NewMemoryStore()
	}

	queue := taskqueue.NewManager(store,
		taskqueue.WithEmitter(emitter),
		taskqueue.WithResultTTL(time.Duration(cfg.Webhook.ResultTTLSeconds)*time.Second),
	)
	defer queue.Stop()
	for name := range cfg.Queues {
		queue.EnsureQueue(name, cfg.QueueSettings(name))
	}

	// 6. Webhook fan-out over the queue, plus optional Cloud Tasks backend.
	registry := webhooks.NewRegistry()
	fanout := webhooks.NewFanout(registry, queue, caller,
		webhooks.WithDeliveryPolicy(cfg.WebhookPolicy()))
	if cfg.Tasks.Enabled {
		dispatcher, err := webhooks.NewCloudDispatcher(registry,
			cfg.Tasks.ProjectID, cfg.Tasks.LocationID, cfg.Tasks.QueueID, fanout)
		if err != nil {
			log.Fatalf("cloud tasks: %v", err)
		}
		defer dispatcher.Shutdown()
	}

	// 7. Pipeline runner over the reference agents, plus the queued scan and
	// report workloads.
	adapter := agents.NewAdapter(costLedger, agents.WithEmitter(emitter))
	scheduler := pipeline.NewScanScheduler(adapter, &agents.Watchman{}, queue, costLedger, emitter)
	runner := pipeline.NewRunner(adapter,
		&agents.Scout{}, &agents.Guard{}, &agents.Watchman{}, &agents.Fixer{},
		emitter, pipeline.Config{
			BudgetPerItemUSD: cfg.Pipeline.PerItemBudgetUSD,
			StrictBudget:     cfg.Pipeline.StrictBudget,
			EnableWatchman:   cfg.Pipeline.EnableWatchman,
		})

	// 8. Health surface over the shared components.
	health := monitoring.NewHealth(caller.Breakers(), queue, costLedger,
		cfg.Pipeline.PerItemBudgetUSD, metrics)

	// 9. HTTP surface.
	server := api.NewServer(runner, scheduler, costLedger, queue, registry, fanout, health, bus, archive)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server stopped: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("✅ shutdown complete")
}
