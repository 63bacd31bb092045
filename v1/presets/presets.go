// Package presets wires a lock.Service to a backend in one call. Clients the
// presets open are closed by Service.Close.
package presets

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-clusterlock/v1/lock"
	"github.com/mirkobrombin/go-clusterlock/v1/notify"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

// Breaker enables a circuit breaker in front of the store when Threshold is
// positive.
type Breaker struct {
	Threshold int
	Timeout   time.Duration
}

func (b Breaker) wrap(s store.Store) store.Store {
	if b.Threshold <= 0 {
		return s
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return store.NewCircuitBreaker(s, b.Threshold, timeout)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys and release channels; defaults to "clusterlock".
	Prefix  string
	Breaker Breaker
}

// NATSOptions configures the connection to a JetStream enabled NATS server.
type NATSOptions struct {
	URL string
	// Replicas of the per-namespace buckets; defaults to 1.
	Replicas int
	// MemoryStorage keeps buckets in memory instead of on disk.
	MemoryStorage bool
	BucketPrefix  string
	Breaker       Breaker
}

// SQLiteOptions configures a SQLite backed store. Release events travel
// over Kafka when KafkaBrokers is set, over NATS when NATSURL is set and stay
// in process otherwise.
type SQLiteOptions struct {
	Path         string
	TableName    string
	KafkaBrokers []string
	NATSURL      string
	Breaker      Breaker
}

// NewInMemory returns a Service whose locks live in process memory. Useful
// for tests and single process deployments.
func NewInMemory(opts ...lock.Option) (*lock.Service, error) {
	return lock.New(store.NewInMemory(nil), opts...)
}

// NewRedis returns a Service storing locks in Redis and waking waiters
// through Redis pub/sub.
func NewRedis(o RedisOptions, opts ...lock.Option) (*lock.Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	bus := notify.NewRedisBus(client)
	var sopts []store.RedisOption
	sopts = append(sopts, store.WithRedisBus(bus))
	if o.Prefix != "" {
		sopts = append(sopts, store.WithPrefix(o.Prefix))
	}
	st := store.NewRedis(client, sopts...)
	opts = append(opts, lock.WithOnClose(func() error {
		_ = bus.Close()
		return client.Close()
	}))
	svc, err := lock.New(o.Breaker.wrap(st), opts...)
	if err != nil {
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}
	return svc, nil
}

// NewNATS returns a Service storing locks in NATS JetStream key-value
// buckets.
func NewNATS(o NATSOptions, opts ...lock.Option) (*lock.Service, error) {
	conn, err := nats.Connect(o.URL)
	if err != nil {
		return nil, fmt.Errorf("presets: connect nats: %w", err)
	}
	var sopts []store.NATSOption
	if o.Replicas > 0 {
		sopts = append(sopts, store.WithReplicas(o.Replicas))
	}
	if o.MemoryStorage {
		sopts = append(sopts, store.WithStorage(nats.MemoryStorage))
	}
	if o.BucketPrefix != "" {
		sopts = append(sopts, store.WithBucketPrefix(o.BucketPrefix))
	}
	st, err := store.NewNATS(conn, sopts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	opts = append(opts, lock.WithOnClose(func() error {
		conn.Close()
		return nil
	}))
	svc, err := lock.New(o.Breaker.wrap(st), opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return svc, nil
}

// NewSQLite returns a Service storing locks in a SQLite database through
// GORM.
func NewSQLite(o SQLiteOptions, opts ...lock.Option) (*lock.Service, error) {
	db, err := gorm.Open(sqlite.Open(o.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("presets: open sqlite: %w", err)
	}
	sqlDB, err := sqlHandle(db)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	c := &closers{sqlDB.Close}
	bus, err := dialBus(c, o.KafkaBrokers, o.NATSURL)
	if err != nil {
		_ = c.close()
		return nil, err
	}

	var gopts []store.GormOption
	if bus != nil {
		gopts = append(gopts, store.WithGormBus(bus))
	}
	if o.TableName != "" {
		gopts = append(gopts, store.WithTableName(o.TableName))
	}
	st, err := store.NewGorm(db, gopts...)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	return newService(o.Breaker.wrap(st), c, opts)
}

// sqlHandle returns the pool behind db, closing whatever db holds when the
// pool cannot be reached.
func sqlHandle(db *gorm.DB) (*sql.DB, error) {
	sqlDB, err := db.DB()
	if err != nil {
		if c, ok := db.ConnPool.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("presets: sqlite handle: %w", err)
	}
	return sqlDB, nil
}

// closers runs cleanup functions in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c *closers) close() error {
	var first error
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// newService builds the Service and hands c to it, or closes c on failure.
func newService(st store.Store, c *closers, opts []lock.Option) (*lock.Service, error) {
	opts = append(opts, lock.WithOnClose(c.close))
	svc, err := lock.New(st, opts...)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	return svc, nil
}

// dialBus opens the release bus for stores without a native change feed:
// Kafka when brokers are given, NATS when a URL is given and nil otherwise.
func dialBus(c *closers, kafkaBrokers []string, natsURL string) (notify.Bus, error) {
	switch {
	case len(kafkaBrokers) > 0:
		kb, err := notify.NewKafkaBus(kafkaBrokers, sarama.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("presets: kafka bus: %w", err)
		}
		c.add(kb.Close)
		return kb, nil
	case natsURL != "":
		conn, err := nats.Connect(natsURL)
		if err != nil {
			return nil, fmt.Errorf("presets: connect nats: %w", err)
		}
		c.add(func() error { conn.Close(); return nil })
		return notify.NewNATSBus(conn), nil
	}
	return nil, nil
}

// PostgresOptions configures a PostgreSQL backed store. Releases are
// announced with LISTEN/NOTIFY so no separate bus is needed.
type PostgresOptions struct {
	DSN       string
	TableName string
	Breaker   Breaker
}

// NewPostgres returns a Service storing locks in PostgreSQL.
func NewPostgres(ctx context.Context, o PostgresOptions, opts ...lock.Option) (*lock.Service, error) {
	cfg, err := pgxpool.ParseConfig(o.DSN)
	if err != nil {
		return nil, fmt.Errorf("presets: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("presets: connect postgres: %w", err)
	}
	c := &closers{func() error { pool.Close(); return nil }}
	var popts []store.PostgresOption
	if o.TableName != "" {
		popts = append(popts, store.WithPostgresTable(o.TableName))
	}
	st, err := store.NewPostgres(ctx, pool, popts...)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	return newService(o.Breaker.wrap(st), c, opts)
}

// MySQLOptions configures a MySQL backed store. Release events travel like
// in SQLiteOptions.
type MySQLOptions struct {
	DSN          string
	TableName    string
	KafkaBrokers []string
	NATSURL      string
	Breaker      Breaker
}

// NewMySQL returns a Service storing locks in MySQL.
func NewMySQL(ctx context.Context, o MySQLOptions, opts ...lock.Option) (*lock.Service, error) {
	cfg, err := mysql.ParseDSN(o.DSN)
	if err != nil {
		return nil, fmt.Errorf("presets: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	c := &closers{db.Close}
	bus, err := dialBus(c, o.KafkaBrokers, o.NATSURL)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	var mopts []store.MySQLOption
	if bus != nil {
		mopts = append(mopts, store.WithMySQLBus(bus))
	}
	if o.TableName != "" {
		mopts = append(mopts, store.WithMySQLTable(o.TableName))
	}
	st, err := store.NewMySQL(db, mopts...)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = c.close()
		return nil, fmt.Errorf("presets: migrate mysql: %w", err)
	}
	return newService(o.Breaker.wrap(st), c, opts)
}
