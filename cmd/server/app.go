package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/api"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/cache"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/challenge"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/config"
	evkafka "github.com/sheikh-saqib/challenge-escrow-ledger/internal/events/kafka"
	evmemory "github.com/sheikh-saqib/challenge-escrow-ledger/internal/events/memory"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/metrics"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/payments"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/proof"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/review"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/storage/postgres"
	"github.com/sirupsen/logrus"
)

// app holds the wired services for one process.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	registry *prometheus.Registry

	ledger     *ledger.Ledger
	engine     *settlement.Engine
	workflow   *review.Workflow
	challenges *challenge.Service
	sweeper    *challenge.Sweeper
	tokens     *api.Tokens

	closers []func() error
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.Base(), nil
}

func buildApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(a.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var (
		store   interfaces.Store
		intents interfaces.IntentStore
		locker  interfaces.Locker
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store = postgres.NewPostgresLedgerStore(db)
		intents = postgres.NewIntentStore(db)
		locker = postgres.NewLocker(db, log)
	default:
		log.Warn("using in-memory store, balances are lost on restart")
		store = memory.NewMemoryLedgerStore()
		intents = memory.NewIntentStore()
		locker = memory.NewLocker()
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		intents = cache.NewRedisIntentStore(client)
		locker = cache.NewRedisLocker(client)
		log.Info("rejection intents and sweep lock backed by redis")
	}

	var (
		publisher interfaces.EventPublisher
		notifier  interfaces.Notifier
	)
	if len(cfg.KafkaBrokers) > 0 {
		p := evkafka.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		a.closers = append(a.closers, p.Close)
		publisher = p
		notifier = evkafka.NewNotifier(p, cfg.NotificationTopic)
		log.WithField("brokers", cfg.KafkaBrokers).Info("publishing events to kafka")
	} else {
		recorder := evmemory.NewRecorder(log)
		publisher = recorder
		notifier = recorder
	}

	processor, err := payments.New(cfg.PaymentProcessor)
	if err != nil {
		return nil, err
	}
	log.WithField("processor", cfg.PaymentProcessor).Info("payment processor ready")

	a.ledger = ledger.NewLedger(store, ledger.WithLogger(log))
	pots := pot.NewManager(store, cfg.PlatformFeePercentage, log)
	tracker := proof.NewTracker(store, cfg.ForfeitUnit, log)

	a.engine = settlement.NewEngine(settlement.Dependencies{
		Store:    store,
		Ledger:   a.ledger,
		Pots:     pots,
		Payments: processor,
		Events:   publisher,
		Notifier: notifier,
		Log:      log,
	})
	a.workflow = review.NewWorkflow(review.Dependencies{
		Store:     store,
		Settler:   a.engine,
		Intents:   intents,
		Events:    publisher,
		Notifier:  notifier,
		IntentTTL: cfg.RejectIntentTTL,
		Log:       log,
	})
	a.challenges = challenge.NewService(challenge.Dependencies{
		Store:    store,
		Ledger:   a.ledger,
		Pots:     pots,
		Tracker:  tracker,
		Payments: processor,
		Log:      log,
	})
	a.sweeper = challenge.NewSweeper(challenge.SweeperDependencies{
		Store:    store,
		Pots:     pots,
		Tracker:  tracker,
		Reviewer: a.workflow,
		Settler:  a.engine,
		Locker:   locker,
		LockTTL:  2 * cfg.SweepInterval,
		Log:      log,
	})
	a.tokens = api.NewTokens(cfg.JWTSecret)

	ok = true
	return a, nil
}

func openPostgres(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*sql.DB, error) {
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if _, err := postgres.RunMigrations(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(api.Dependencies{
		Challenges: a.challenges,
		Review:     a.workflow,
		Settlement: a.engine,
		Ledger:     a.ledger,
		Tokens:     a.tokens,
		Gatherer:   a.registry,
		Log:        a.log,
	})
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
