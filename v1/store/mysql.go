package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
	"github.com/mirkobrombin/go-clusterlock/v1/notify"
)

const (
	defaultMySQLTable     = "lock_records"
	defaultMySQLOpTimeout = 5 * time.Second

	// ER_DUP_ENTRY
	mysqlDuplicateEntry = 1062
	// ER_LOCK_WAIT_TIMEOUT
	mysqlLockWaitTimeout = 1205

	// mysqlMaxKeyLen matches the VARCHAR(191) key columns.
	mysqlMaxKeyLen = 191
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var (
	// ErrInvalidTable is returned when a table name is not a plain identifier.
	ErrInvalidTable = stdErrors.New("store: invalid table name")
	// ErrKeyTooLong is returned for names or namespaces the key columns
	// cannot hold without truncation.
	ErrKeyTooLong = stdErrors.New("store: key too long")
)

// MySQL implements Store on MySQL through database/sql. An INSERT against the
// (namespace, name) primary key gives the conditional insert, a duplicate
// key error being the conflict. Deletions are announced through a notify.Bus.
type MySQL struct {
	db      *sql.DB
	bus     notify.Bus
	table   string
	timeout time.Duration
}

// MySQLOption configures a MySQL store.
type MySQLOption func(*mysqlStoreOptions)

type mysqlStoreOptions struct {
	table   string
	timeout time.Duration
	bus     notify.Bus
}

// WithMySQLTable sets the table lock records are kept in.
func WithMySQLTable(name string) MySQLOption {
	return func(o *mysqlStoreOptions) {
		o.table = name
	}
}

// WithMySQLTimeout sets the per statement timeout.
func WithMySQLTimeout(d time.Duration) MySQLOption {
	return func(o *mysqlStoreOptions) {
		o.timeout = d
	}
}

// WithMySQLBus sets the bus release events are published on.
func WithMySQLBus(bus notify.Bus) MySQLOption {
	return func(o *mysqlStoreOptions) {
		o.bus = bus
	}
}

// NewMySQL returns a MySQL store on db. Call Migrate to create the table.
func NewMySQL(db *sql.DB, opts ...MySQLOption) (*MySQL, error) {
	o := mysqlStoreOptions{table: defaultMySQLTable, timeout: defaultMySQLOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if !identRe.MatchString(o.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, o.table)
	}
	if o.bus == nil {
		o.bus = notify.NewInMemoryBus()
	}
	return &MySQL{db: db, bus: o.bus, table: "`" + o.table + "`", timeout: o.timeout}, nil
}

// Migrate creates the lock table if it does not exist.
func (s *MySQL) Migrate(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(cctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	namespace  VARCHAR(191) NOT NULL,
	name       VARCHAR(191) NOT NULL,
	owner      VARCHAR(255) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	PRIMARY KEY (namespace, name)
)`)
	return mysqlError(err)
}

func mysqlError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	switch {
	case stdErrors.Is(err, mysql.ErrInvalidConn),
		stdErrors.Is(err, driver.ErrBadConn),
		stdErrors.Is(err, sql.ErrConnDone):
		return warperrors.ErrConnectionClosed
	case stdErrors.As(err, &myErr) && myErr.Number == mysqlLockWaitTimeout:
		return warperrors.ErrTimeout
	}
	return ctxError(err)
}

// Read implements Store.Read.
func (s *MySQL) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var owner string
	err := s.db.QueryRowContext(cctx,
		`SELECT owner FROM `+s.table+` WHERE namespace = ? AND name = ?`,
		namespace, key).Scan(&owner)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, mysqlError(err)
	}
	return Record{Name: key, Owner: owner}, true, nil
}

func checkKeyLen(namespace, key string) error {
	if len(namespace) > mysqlMaxKeyLen || len(key) > mysqlMaxKeyLen {
		return fmt.Errorf("%w: limit is %d bytes", ErrKeyTooLong, mysqlMaxKeyLen)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return stdErrors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// Insert implements Store.Insert. Keys longer than the columns are refused
// up front, since a server outside strict mode would truncate them.
func (s *MySQL) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	if err := checkKeyLen(namespace, key); err != nil {
		return OutcomeError, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(cctx,
		`INSERT INTO `+s.table+` (namespace, name, owner, created_at) VALUES (?, ?, ?, ?)`,
		namespace, key, rec.Owner, time.Now().UTC())
	if isDuplicateEntry(err) {
		return OutcomeConflict, nil
	}
	if err != nil {
		return OutcomeError, mysqlError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return OutcomeError, mysqlError(err)
	}
	if n == 0 {
		return OutcomeConflict, nil
	}
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete. The row is locked before removal so the
// release event carries the owner that was actually removed.
func (s *MySQL) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tx, err := s.db.BeginTx(cctx, nil)
	if err != nil {
		return mysqlError(err)
	}
	var owner string
	err = tx.QueryRowContext(cctx,
		`SELECT owner FROM `+s.table+` WHERE namespace = ? AND name = ? FOR UPDATE`,
		namespace, key).Scan(&owner)
	if stdErrors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil
	}
	if err != nil {
		_ = tx.Rollback()
		return mysqlError(err)
	}
	if _, err := tx.ExecContext(cctx,
		`DELETE FROM `+s.table+` WHERE namespace = ? AND name = ?`,
		namespace, key); err != nil {
		_ = tx.Rollback()
		return mysqlError(err)
	}
	if err := tx.Commit(); err != nil {
		return mysqlError(err)
	}
	publishRelease(context.WithoutCancel(ctx), s.bus, releaseTopic(defaultTopicPrefix, namespace), Record{Name: key, Owner: owner})
	return nil
}

// Subscribe implements Store.Subscribe.
func (s *MySQL) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	return subscribeReleases(ctx, s.bus, releaseTopic(defaultTopicPrefix, namespace))
}
