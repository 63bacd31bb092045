package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestGormContract(t *testing.T) {
	s, err := NewGorm(openSQLite(t))
	if err != nil {
		t.Fatalf("NewGorm: %v", err)
	}
	testStoreContract(t, s)
}

func TestGormCustomTable(t *testing.T) {
	db := openSQLite(t)
	s, err := NewGorm(db, WithTableName("app_locks"))
	if err != nil {
		t.Fatalf("NewGorm: %v", err)
	}
	if !db.Migrator().HasTable("app_locks") {
		t.Fatal("expected app_locks table")
	}
	if out, err := s.Insert(context.Background(), "locks", "k", Record{Owner: "me"}); err != nil || out != OutcomeSuccess {
		t.Fatalf("insert: %v %v", out, err)
	}
	var count int64
	db.Table("app_locks").Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestGormReopenKeepsRecords(t *testing.T) {
	db := openSQLite(t)
	s1, err := NewGorm(db)
	if err != nil {
		t.Fatalf("NewGorm: %v", err)
	}
	_, _ = s1.Insert(context.Background(), "locks", "persist", Record{Owner: "a"})

	s2, err := NewGorm(db)
	if err != nil {
		t.Fatalf("second NewGorm: %v", err)
	}
	rec, ok, err := s2.Read(context.Background(), "locks", "persist")
	if err != nil || !ok || rec.Owner != "a" {
		t.Fatalf("expected persisted record, got %+v %v %v", rec, ok, err)
	}
	if out, _ := s2.Insert(context.Background(), "locks", "persist", Record{Owner: "b"}); out != OutcomeConflict {
		t.Fatalf("expected conflict, got %v", out)
	}
}
