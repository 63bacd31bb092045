package store

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSStore(t *testing.T, opts ...NATSOption) *NATS {
	t.Helper()
	addr := os.Getenv("CLUSTERLOCK_TEST_NATS_ADDR")

	var (
		conn *nats.Conn
		s    *server.Server
		err  error
	)
	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		sopts := natsserver.DefaultTestOptions
		sopts.Port = -1
		sopts.JetStream = true
		sopts.StoreDir = t.TempDir()
		s = natsserver.RunServer(&sopts)
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	opts = append([]NATSOption{WithStorage(nats.MemoryStorage)}, opts...)
	st, err := NewNATS(conn, opts...)
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	return st
}

func TestNATSContract(t *testing.T) {
	testStoreContract(t, newNATSStore(t))
}

func TestNATSReinsertAfterDelete(t *testing.T) {
	s := newNATSStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if out, err := s.Insert(ctx, "locks", "cycle", Record{Owner: "o"}); err != nil || out != OutcomeSuccess {
			t.Fatalf("round %d: insert %v %v", i, out, err)
		}
		if err := s.Delete(ctx, "locks", "cycle"); err != nil {
			t.Fatalf("round %d: delete %v", i, err)
		}
	}
}

func TestNATSArbitraryLockNames(t *testing.T) {
	s := newNATSStore(t)
	ctx := context.Background()
	name := "orders/2024 batch:7*"
	if out, err := s.Insert(ctx, "locks", name, Record{}); err != nil || out != OutcomeSuccess {
		t.Fatalf("insert: %v %v", out, err)
	}
	rec, ok, err := s.Read(ctx, "locks", name)
	if err != nil || !ok || rec.Name != name {
		t.Fatalf("read: %+v %v %v", rec, ok, err)
	}
}

func TestNATSInvalidNamespace(t *testing.T) {
	s := newNATSStore(t)
	if _, err := s.Insert(context.Background(), "bad.ns", "k", Record{}); err != ErrInvalidNamespace {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
}

func TestNATSBucketPrefix(t *testing.T) {
	s := newNATSStore(t, WithBucketPrefix("svc"))
	if _, err := s.Insert(context.Background(), "locks", "k", Record{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.js.KeyValue("svc_locks"); err != nil {
		t.Fatalf("expected bucket svc_locks: %v", err)
	}
}
