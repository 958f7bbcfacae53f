package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	locationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locations_applied_total",
		Help: "Total locations written to presence and the geo index",
	})
	driversOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_drivers_offline_total",
		Help: "Locations for drivers with no presence entry; geo only",
	})
	applyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total locations dropped after exhausting retries",
	})
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "location-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	a := &applier{
		presence: presence.NewRedisDirectory(rc, cfg.RedisPresencePrefix, cfg.PresenceTTL),
		geo:      geo.NewRedisIndex(rc, cfg.RedisGeoKey),
		attempts: cfg.MaxRetries,
		delay:    cfg.RetryBackoff,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)
		return consume(gctx, r, a, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is cancelled. Read errors back off exponentially
// up to maxBackoff; a bad or unappliable message is logged and skipped.
func consume(ctx context.Context, r messageReader, a *applier, logger *slog.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		online, err := a.apply(ctx, d)
		if err != nil {
			applyErrors.Inc()
			logger.Error("location update failed", "actor_id", d.ID, "error", err)
			continue
		}
		if !online {
			driversOffline.Inc()
		}
		locationsApplied.Inc()
	}
}

func decodeLocation(b []byte) (models.DriverLocation, error) {
	var d models.DriverLocation
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	if d.ID == "" {
		return d, errors.New("missing driver id")
	}
	if err := protocol.ValidateCoord(d.Loc, "loc"); err != nil {
		return d, err
	}
	return d, nil
}

type locationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) (bool, error)
}

type geoUpserter interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
}

// applier writes one location to the geo index and, when the driver is
// online, to its presence entry. Each step is retried with doubling delay.
type applier struct {
	presence locationUpdater
	geo      geoUpserter
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (a *applier) apply(ctx context.Context, d models.DriverLocation) (online bool, err error) {
	if err := retry(ctx, a.attempts, a.delay, func() error { return a.geo.Upsert(ctx, d.ID, d.Loc) }); err != nil {
		return false, err
	}
	err = retry(ctx, a.attempts, a.delay, func() error {
		var uerr error
		online, uerr = a.presence.UpdateLocation(ctx, d.ID, d.Loc)
		return uerr
	})
	return online, err
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
