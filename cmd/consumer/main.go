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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-realtime/internal/config"
	"github.com/example/fleet-realtime/internal/eventlog"
	"github.com/example/fleet-realtime/internal/logging"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/relay"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total trip event records consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid records received",
	})
	seatEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_seat_events_total",
		Help: "Total seat events seen on the stream",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis status projections",
	})
	staleStatuses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_stale_statuses_total",
		Help: "Status records skipped because redis already held a later status",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, seatEvents, redisUpdates, staleStatuses, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid consumer config", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat).With("component", "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	hashes := relay.NewRedisHashes(rc)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handleRecord(ctx, hashes, m.Value); err != nil {
			if errors.Is(err, errInvalidRecord) {
				msgsInvalid.Inc()
			} else {
				redisErrors.Inc()
			}
			logger.Warn("record not projected", "key", string(m.Key), "error", err)
		}
	}
}

var errInvalidRecord = errors.New("invalid record")

// RedisUpdater is the subset of redis operations the projector needs.
type RedisUpdater interface {
	SetStatusIfNewer(ctx context.Context, key, status string, rank int, updatedAt string) (bool, error)
}

func handleRecord(ctx context.Context, rc RedisUpdater, value []byte) error {
	rec, err := eventlog.Decode(value)
	if err != nil {
		return errors.Join(errInvalidRecord, err)
	}
	switch rec.Kind {
	case eventlog.KindSeat:
		seatEvents.Inc()
		return nil
	case eventlog.KindStatus:
		if rec.Status.TripID == "" || !rec.Status.Status.Valid() {
			return errInvalidRecord
		}
		applied, err := projectStatusWithRetry(ctx, rc, *rec.Status, 3, 200*time.Millisecond)
		if err != nil {
			return err
		}
		if !applied {
			staleStatuses.Inc()
			return nil
		}
		redisUpdates.Inc()
	}
	return nil
}

// projectStatusWithRetry writes the trip's last status into its relay
// registration hash, retrying with exponential backoff. A status behind the
// one already stored is skipped and reported as not applied.
func projectStatusWithRetry(ctx context.Context, rc RedisUpdater, ev models.StatusEvent, attempts int, delay time.Duration) (bool, error) {
	updatedAt := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = rc.SetStatusIfNewer(ctx, relay.RegistrationKey(ev.TripID), string(ev.Status), ev.Status.Rank(), updatedAt); err == nil {
			return applied, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, err
}
