package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gale-core/internal/events"
	"gale-core/internal/executor"
	"gale-core/internal/monitor"
	"gale-core/internal/pool"
	"gale-core/internal/reconcile"
	"gale-core/internal/session"
	sigproc "gale-core/internal/signal"
	"gale-core/pkg/broker"
	"gale-core/pkg/config"
	"gale-core/pkg/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Println("gale-core starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: open %s: %v", cfg.DBPath, err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db: migrations: %v", err)
	}

	// Venue selection. Only the paper venue is wired in this build; a live
	// adapter slots in here behind the same broker.Dialer interface.
	var dialer broker.Dialer
	var paper *broker.PaperDialer
	if cfg.PaperMode {
		pc := broker.DefaultPaperConfig()
		pc.Payout = cfg.PaperPayout
		pc.InstantClose = false
		paper = broker.NewPaperDialer(pc)
		dialer = paper
		log.Printf("broker: paper venue, payout %.0f%%", cfg.PaperPayout*100)
	} else {
		log.Fatal("broker: no live venue configured, set PAPER_MODE=true")
	}

	p := pool.New(dialer, bus, pool.Config{
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		Cooldown:         cfg.CooldownInterval,
		HealthInterval:   cfg.HealthInterval,
		FailureThreshold: cfg.FailureThreshold,
		BalanceTTL:       cfg.BalanceTTL,
		SerializeOrders:  cfg.SerializeOrders,
		Rate:             cfg.BrokerRate,
		Burst:            cfg.BrokerBurst,
	})
	p.Start(ctx)
	defer p.Stop()

	resolver := reconcile.NewResolver(p)

	exec := executor.New(p, database, bus, resolver)
	exec.MaxSettleWait = cfg.MaxSettleWait

	proc := sigproc.NewProcessor(bus)

	mgr := session.NewManager(ctx, p, proc, exec, bus, database, session.Options{
		QueueDepth:         cfg.QueueDepth,
		BackpressurePolicy: cfg.BackpressurePolicy,
		MaxTradeAmount:     cfg.MaxTradeAmount,
	})

	if boot, err := session.LoadBootstrap(cfg.BootstrapPath); err != nil {
		if os.IsNotExist(err) {
			log.Printf("bootstrap: %s not found, starting with no sessions", cfg.BootstrapPath)
		} else {
			log.Fatalf("bootstrap: %v", err)
		}
	} else {
		if paper != nil {
			for _, a := range boot.Accounts {
				paper.Fund(a.Login, a.Secret, cfg.PaperBalance)
			}
		}
		session.Bootstrap(boot, p, mgr)
	}

	// Signal feed
	switch {
	case cfg.UseMockFeed:
		feed := &sigproc.MockFeed{
			Processor: proc,
			Assets:    cfg.MockFeedAssets,
			Source:    "mock",
			Interval:  cfg.MockFeedInterval,
		}
		feed.Start(ctx)
		log.Println("feed: mock feed started")
	case cfg.FeedURL != "":
		feed := sigproc.NewWSFeed(cfg.FeedURL, proc)
		feed.Start(ctx)
		log.Printf("feed: websocket feed %s", cfg.FeedURL)
	default:
		log.Println("feed: none configured, manual trades only")
	}

	mon := monitor.New(bus)
	mon.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down, waiting for open trades to settle")

	mgr.StopAll()
	cancel()
	log.Println("gale-core stopped")
}
