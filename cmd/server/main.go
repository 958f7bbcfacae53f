package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/async"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/chat"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/liveness"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/ws"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "dispatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []httpapi.Check

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		checks = append(checks, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}

	var (
		dir   presence.Directory
		index geo.Index
	)
	if rdb != nil {
		dir = presence.NewRedisDirectory(rdb, cfg.RedisPresencePrefix, cfg.PresenceTTL)
		index = geo.NewRedisIndex(rdb, cfg.RedisGeoKey)
	} else {
		dir = presence.NewMemory(cfg.PresenceTTL)
		index = geo.NewMemoryIndex()
	}

	var (
		store    storage.TripStore
		resolver identity.Resolver
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				return err
			}
		}
		store = pg
		resolver = identity.NewPostgresResolver(pg.DB())
		checks = append(checks, httpapi.Check{Name: "postgres", Fn: pg.Ping})
	} else {
		store = storage.NewMemoryStore()
		actors, err := seedActors(cfg.ActorsFile)
		if err != nil {
			return err
		}
		resolver = identity.NewMemoryResolver(actors...)
		logger.Warn("PG_DSN not set; using in-memory trips and actors", "actors", len(actors))
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	var b bus.Bus
	switch cfg.BusBackend {
	case config.BusRedis:
		b = bus.NewRedisBus(rdb, cfg.BusChannel, logger)
	case config.BusKafka:
		kb := bus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaBusTopic, nodeID, logger)
		defer kb.Close()
		b = kb
	default:
		b = bus.NewMemoryBus()
	}

	registry := session.NewRegistry(logger)
	fanout := bus.NewFanout(registry, b, nodeID, logger)
	announcer := presence.NewAnnouncer(dir, fanout, logger)
	runner := async.NewRunner(0, 0, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		osrm := eta.NewOSRMClient(cfg.OSRMURL)
		osrm.Profile = cfg.OSRMProfile
		estimator.Client = osrm
	}

	deps := dispatch.Deps{
		Store:        store,
		Presence:     dir,
		Sender:       fanout,
		Identity:     resolver,
		Announcer:    announcer,
		Ranker:       &matcher.Service{ETA: estimator},
		Background:   runner,
		VehicleTypes: cfg.VehicleTypes,
		Logger:       logger.With("component", "dispatch"),
	}
	relayOpts := []chat.Option{
		chat.WithBackground(runner),
		chat.WithIdentity(resolver),
		chat.WithMaxLength(cfg.ChatMaxLength),
		chat.WithLogger(logger.With("component", "chat")),
	}
	if cfg.PushEndpoint != "" {
		n := notify.NewHTTPNotifier(cfg.PushEndpoint, cfg.PushKey)
		deps.Notifier = n
		relayOpts = append(relayOpts, chat.WithNotifier(n))
	}
	if cfg.StripeAPIKey != "" {
		deps.Fares = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaTripEventsTopic)
		defer producer.Close()
		deps.Events = producer
		relayOpts = append(relayOpts, chat.WithEvents(producer))
	}

	dispatcher := dispatch.NewService(deps)
	relay := chat.NewRelay(store, fanout, relayOpts...)

	wsDeps := ws.Deps{
		Registry:   registry,
		Auth:       identity.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Identity:   resolver,
		Presence:   dir,
		Announcer:  announcer,
		Dispatch:   dispatcher,
		Chat:       relay,
		Rooms:      fanout,
		Geo:        index,
		Background: runner,
		Logger:     logger.With("component", "ws"),
	}
	api := &httpapi.Server{
		Presence:  dir,
		Geo:       index,
		Trips:     dispatcher,
		Auth:      wsDeps.Auth,
		Announcer: announcer,
		WSPath:    cfg.WSPath,
		Checks:    checks,
	}
	if producer != nil {
		wsDeps.Locations = producer
		api.Locations = producer
	}
	gateway := ws.NewGateway(ws.Config{
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		WriteTimeout:    cfg.WSWriteTimeout,
		ReadTimeout:     2 * cfg.HeartbeatInterval,
		AllowedOrigins:  cfg.WSAllowedOrigins,
	}, wsDeps)
	api.Gateway = gateway
	handler := httpapi.NewServer(api, logger.With("component", "http"))

	supervisor := liveness.NewSupervisor(registry, dir, cfg.HeartbeatInterval, cfg.SweepInterval, logger.With("component", "liveness"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr, "node_id", nodeID, "bus", cfg.BusBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		gateway.Shutdown(sctx)
		err := srv.Shutdown(sctx)
		runner.Wait()
		return err
	})
	return g.Wait()
}

func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	const name = "001_create_trips.sql"
	script, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx, string(script)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", name)
	return nil
}

func seedActors(path string) ([]models.Actor, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return identity.LoadActors(f)
}
