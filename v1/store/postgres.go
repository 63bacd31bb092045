package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
)

const (
	defaultPostgresTable     = "lock_records"
	defaultPostgresOpTimeout = 5 * time.Second
)

// Postgres implements Store on PostgreSQL. Deletion and its notification
// happen in one statement: the DELETE feeds pg_notify, so a release is
// announced exactly when it commits and LISTEN gives the deletion stream.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	table   string
	timeout time.Duration
}

// WithPostgresTable sets the table lock records are kept in.
func WithPostgresTable(name string) PostgresOption {
	return func(o *postgresStoreOptions) {
		o.table = name
	}
}

// WithPostgresTimeout sets the per statement timeout.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(o *postgresStoreOptions) {
		o.timeout = d
	}
}

// NewPostgres returns a Postgres store on pool and creates its table if it
// does not exist.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	o := postgresStoreOptions{table: defaultPostgresTable, timeout: defaultPostgresOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Postgres{pool: pool, table: pgx.Identifier{o.table}.Sanitize(), timeout: o.timeout}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	namespace  TEXT NOT NULL,
	name       TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, name)
)`
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := pool.Exec(cctx, ddl); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", s.table, pgError(err))
	}
	return s, nil
}

// channel is the LISTEN/NOTIFY channel of a namespace.
func (s *Postgres) channel(namespace string) string {
	return defaultTopicPrefix + "_" + namespace
}

func pgError(err error) error {
	if pgconn.Timeout(err) {
		return warperrors.ErrTimeout
	}
	return ctxError(err)
}

// Read implements Store.Read.
func (s *Postgres) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var owner string
	err := s.pool.QueryRow(cctx,
		`SELECT owner FROM `+s.table+` WHERE namespace = $1 AND name = $2`,
		namespace, key).Scan(&owner)
	if stdErrors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, pgError(err)
	}
	return Record{Name: key, Owner: owner}, true, nil
}

// Insert implements Store.Insert with INSERT ... ON CONFLICT DO NOTHING.
func (s *Postgres) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tag, err := s.pool.Exec(cctx,
		`INSERT INTO `+s.table+` (namespace, name, owner) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		namespace, key, rec.Owner)
	if err != nil {
		return OutcomeError, pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeConflict, nil
	}
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete.
func (s *Postgres) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(cctx, `WITH removed AS (
	DELETE FROM `+s.table+` WHERE namespace = $1 AND name = $2 RETURNING name, owner
)
SELECT pg_notify($3, json_build_object('key', name, 'owner', owner)::text) FROM removed`,
		namespace, key, s.channel(namespace))
	if err != nil {
		return pgError(err)
	}
	return nil
}

type pgRelease struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
}

// Subscribe implements Store.Subscribe. It holds one pool connection in
// LISTEN mode until ctx ends.
func (s *Postgres) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, pgError(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel(namespace)}.Sanitize()); err != nil {
		conn.Release()
		return nil, pgError(err)
	}
	out := make(chan DeleteEvent, eventBuffer)
	go func() {
		defer close(out)
		defer func() {
			uctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if _, err := conn.Exec(uctx, "UNLISTEN *"); err != nil {
				// Drop the connection rather than return it still listening.
				_ = conn.Conn().Close(uctx)
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("clusterlock: postgres notification stream ended", "namespace", namespace, "error", err)
				}
				return
			}
			var rel pgRelease
			if err := json.Unmarshal([]byte(n.Payload), &rel); err != nil || rel.Key == "" {
				continue
			}
			select {
			case out <- DeleteEvent{Key: rel.Key, Removed: &Record{Name: rel.Key, Owner: rel.Owner}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
