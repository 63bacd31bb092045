package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-clusterlock/v1/lock"
	"github.com/mirkobrombin/go-clusterlock/v1/lockhttp"
	"github.com/mirkobrombin/go-clusterlock/v1/metrics"
	"github.com/mirkobrombin/go-clusterlock/v1/presets"
)

func main() {
	cfg := loadConfig()
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	backend := flag.String("backend", cfg.Backend, "memory, redis, nats, sqlite, postgres or mysql")
	namespace := flag.String("namespace", cfg.Namespace, "Lock namespace")
	interval := flag.Duration("retry-interval", cfg.RetryInterval, "Acquisition round length")
	redisAddr := flag.String("redis-addr", cfg.RedisAddr, "Redis address")
	natsURL := flag.String("nats-url", cfg.NATSURL, "NATS URL")
	sqlitePath := flag.String("sqlite-path", cfg.SQLitePath, "SQLite database path")
	postgresDSN := flag.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	mysqlDSN := flag.String("mysql-dsn", cfg.MySQLDSN, "MySQL DSN")
	kafkaBrokers := flag.String("kafka-brokers", cfg.KafkaBrokers, "Comma-separated Kafka brokers")
	busKind := flag.String("release-bus", cfg.ReleaseBus, "Release events for sqlite and mysql: local, nats or kafka")
	breaker := flag.Int("breaker-threshold", cfg.Breaker, "Consecutive store failures before failing fast (0 disables)")
	trace := flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	opts := []lock.Option{
		lock.WithNamespace(*namespace),
		lock.WithRetryInterval(*interval),
		lock.WithLogger(logger),
	}
	brk := presets.Breaker{Threshold: *breaker}

	var (
		svc *lock.Service
		err error
	)
	switch *backend {
	case "memory":
		svc, err = presets.NewInMemory(opts...)
	case "redis":
		svc, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Breaker: brk}, opts...)
	case "nats":
		svc, err = presets.NewNATS(presets.NATSOptions{URL: *natsURL, Breaker: brk}, opts...)
	case "sqlite":
		rb := mustReleaseBus(*busKind, *natsURL, *kafkaBrokers)
		so := presets.SQLiteOptions{Path: *sqlitePath, KafkaBrokers: rb.KafkaBrokers, NATSURL: rb.NATSURL, Breaker: brk}
		svc, err = presets.NewSQLite(so, opts...)
	case "postgres":
		svc, err = presets.NewPostgres(ctx, presets.PostgresOptions{DSN: *postgresDSN, Breaker: brk}, opts...)
	case "mysql":
		rb := mustReleaseBus(*busKind, *natsURL, *kafkaBrokers)
		mo := presets.MySQLOptions{DSN: *mysqlDSN, KafkaBrokers: rb.KafkaBrokers, NATSURL: rb.NATSURL, Breaker: brk}
		svc, err = presets.NewMySQL(ctx, mo, opts...)
	default:
		log.Fatalf("unknown backend %q", *backend)
	}
	if err != nil {
		log.Fatalf("start %s backend: %v", *backend, err)
	}
	defer svc.Close()

	mux := lockhttp.NewMux(svc)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("clusterlock agent listening", "addr", *addr, "backend", *backend, "namespace", svc.Namespace(), "owner", svc.Owner())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func mustReleaseBus(kind, natsURL, kafkaBrokers string) releaseBus {
	rb, err := parseReleaseBus(kind, natsURL, kafkaBrokers)
	if err != nil {
		log.Fatal(err)
	}
	return rb
}
