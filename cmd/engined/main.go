package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"auctionflow/auction"
	"auctionflow/broadcast"
	"auctionflow/bus"
	"auctionflow/config"
	"auctionflow/db"
	"auctionflow/ledger"
	"auctionflow/schedule"
	"auctionflow/settlement"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine exited", "err", err)
		os.Exit(1)
	}
	log.Info("engine stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	eventBus := bus.Multi{bus.NewRedisBus(redisClient)}
	if cfg.NATS.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("auctionflow-engined"))
		if err != nil {
			return err
		}
		defer conn.Drain()

		jsBus, err := bus.NewJetStreamBus(ctx, conn)
		if err != nil {
			return err
		}
		eventBus = append(eventBus, jsBus)
	}

	broadcaster := broadcast.NewBroadcaster(eventBus, cfg.Engine.BroadcastBuffer, log)
	hub := broadcast.NewHub(log)
	subscriber := broadcast.NewSubscriber(redisClient, hub, log)
	registry := broadcast.NewRedisRegistry(redisClient)

	// The in-process ledger stands in until the payments service client
	// lands; the Retrier wrapping is identical either way.
	accounts := ledger.NewMemory()
	lgr := ledger.NewRetrier(accounts, ledger.DefaultRetryConfig)

	repo := auction.NewRepository(pool)
	sched := schedule.NewPGScheduler(pool)

	engine := auction.NewEngine(repo, sched, broadcaster, log)
	intake := auction.NewIntake(repo, lgr, engine, broadcaster, log).
		WithWithdrawCutoff(cfg.WithdrawCutoff())

	escrows := settlement.NewRepository(pool)
	orchestrator := settlement.NewOrchestrator(escrows, repo, lgr, sched, broadcaster, log)

	runner := schedule.NewRunner(pool, schedule.RunnerConfig{
		PollInterval: cfg.PollInterval(),
		ClaimBatch:   cfg.Scheduler.ClaimBatch,
		Workers:      cfg.Scheduler.Workers,
	}, log)
	runner.Register(auction.JobKindClose, engine.HandleClose)
	orchestrator.RegisterHandlers(runner)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newRouter(intake, engine, repo, hub, registry, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return broadcaster.Run(gctx) })
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error {
		log.Info("engine listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hub.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRouter(intake *auction.Intake, engine *auction.Engine, store auction.Store, hub *broadcast.Hub, registry broadcast.Registry, log *slog.Logger) *mux.Router {
	s := &api{intake: intake, engine: engine, store: store, log: log}
	ws := broadcast.NewHandler(hub, registry, log)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}/bids", s.listBids).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	r.HandleFunc("/auctions/{id}/close", s.closeAuction).Methods(http.MethodPost)
	r.HandleFunc("/bids/{id}", s.withdrawBid).Methods(http.MethodDelete)
	r.HandleFunc("/ws/auctions/{id}", ws.Subscribe).Methods(http.MethodGet)

	return r
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
