package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/nftmarket/internal/auth"
	"github.com/terminal-bench/nftmarket/internal/bank"
	"github.com/terminal-bench/nftmarket/internal/config"
	"github.com/terminal-bench/nftmarket/internal/gateway"
	"github.com/terminal-bench/nftmarket/internal/history"
	"github.com/terminal-bench/nftmarket/internal/indexer"
	"github.com/terminal-bench/nftmarket/internal/marketplace"
	"github.com/terminal-bench/nftmarket/internal/registry"
	"github.com/terminal-bench/nftmarket/pkg/circuit"
	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

func main() {
	configPath := flag.String("config", "marketd.yaml", "path to config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assets := registry.New()
	funds := bank.New()
	authSvc := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)

	sinks, activity, cleanup, err := buildSinks(ctx, cfg, log)
	if err != nil {
		log.Fatal("wire event sinks", zap.Error(err))
	}
	defer cleanup()

	hub := gateway.NewHub(log)
	sinks = append(sinks, hub)

	market := marketplace.New(cfg.MarketAccount, assets, funds, messaging.NewMulti(sinks...), log)
	gw := gateway.NewGateway(gateway.Config{
		RateLimitWindow: cfg.RateLimit.Window,
		RateLimitMax:    cfg.RateLimit.Max,
	}, market, authSvc, hub, log)
	if activity != nil {
		gw.RegisterHistory(activity)
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      gw.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("marketd listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("marketd exited", zap.Error(err))
	}
	log.Info("marketd stopped")
}

// buildSinks wires the configured event backends. Each one sits behind its
// own circuit breaker so an outage in one backend cannot slow the others.
func buildSinks(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]messaging.Sink, *history.Store, func(), error) {
	var sinks []messaging.Sink
	var activity *history.Store
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	breakers := circuit.NewGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 2,
		OnStateChange: func(from, to circuit.State) {
			log.Warn("event sink breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	guard := func(name string, s messaging.Sink) messaging.Sink {
		return messaging.Guard(s, breakers.Get(name))
	}

	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:            cfg.NATSURL,
			Name:           "marketd",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { nc.Close() })
		sinks = append(sinks, guard("nats", nc))
		log.Info("publishing events to NATS", zap.String("url", cfg.NATSURL))
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { db.Close() })

		store := history.NewStore(db)
		if err := store.InitSchema(ctx); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		activity = store
		sinks = append(sinks, guard("history", store))
		log.Info("recording activity history in Postgres")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { rdb.Close() })
		sinks = append(sinks, guard("indexer", indexer.New(rdb)))
		log.Info("indexing listings in Redis", zap.String("addr", cfg.RedisAddr))
	}

	return sinks, activity, cleanup, nil
}
