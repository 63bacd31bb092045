package store

import (
	"context"
	stdErrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-clusterlock/v1/notify"
)

const (
	defaultGormTableName = "lock_records"
	defaultGormOpTimeout = 5 * time.Second
)

// gormRecord is the row layout of the lock table. The composite primary key
// is what turns INSERT ... ON CONFLICT DO NOTHING into a conditional insert.
type gormRecord struct {
	Namespace string    `gorm:"primaryKey;column:namespace;size:191"`
	Name      string    `gorm:"primaryKey;column:name;size:191"`
	Owner     string    `gorm:"column:owner"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// Gorm implements Store on a SQL database through GORM. SQL databases have
// no portable change feed, so deletions are announced through a notify.Bus;
// processes sharing the database must share a bus that reaches all of them
// (Redis, NATS or Kafka) for wake-ups to cross process boundaries.
type Gorm struct {
	db        *gorm.DB
	bus       notify.Bus
	tableName string
	timeout   time.Duration
}

// GormOption configures a Gorm store.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	bus       notify.Bus
}

// WithTableName sets the table name used for lock records.
func WithTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormBus sets the bus release events are published on. The default is
// a process-local notify.InMemoryBus.
func WithGormBus(bus notify.Bus) GormOption {
	return func(o *gormStoreOptions) {
		o.bus = bus
	}
}

// NewGorm returns a new Gorm store, creating the lock table if needed.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = notify.NewInMemoryBus()
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormRecord{}); err != nil {
			return nil, err
		}
	}
	return &Gorm{db: db, bus: o.bus, tableName: o.tableName, timeout: o.timeout}, nil
}

func (s *Gorm) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.tableName)
}

// Read implements Store.Read.
func (s *Gorm) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var row gormRecord
	err := s.table(cctx).Where("namespace = ? AND name = ?", namespace, key).Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, ctxError(err)
	}
	return Record{Name: row.Name, Owner: row.Owner}, true, nil
}

// Insert implements Store.Insert.
func (s *Gorm) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := gormRecord{Namespace: namespace, Name: key, Owner: rec.Owner, CreatedAt: time.Now().UTC()}
	res := s.table(cctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return OutcomeError, ctxError(res.Error)
	}
	if res.RowsAffected == 0 {
		return OutcomeConflict, nil
	}
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete.
func (s *Gorm) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		row     gormRecord
		removed bool
	)
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(s.tableName).Where("namespace = ? AND name = ?", namespace, key).Take(&row).Error
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Table(s.tableName).Where("namespace = ? AND name = ?", namespace, key).Delete(&gormRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return ctxError(err)
	}
	if removed {
		publishRelease(context.WithoutCancel(ctx), s.bus, releaseTopic(defaultTopicPrefix, namespace), Record{Name: key, Owner: row.Owner})
	}
	return nil
}

// Subscribe implements Store.Subscribe.
func (s *Gorm) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	return subscribeReleases(ctx, s.bus, releaseTopic(defaultTopicPrefix, namespace))
}
