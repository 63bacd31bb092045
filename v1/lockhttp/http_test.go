package lockhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-clusterlock/v1/lock"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

func newAdmin(t *testing.T) (*lock.Service, *httptest.Server) {
	t.Helper()
	svc, err := lock.New(store.NewInMemory(nil), lock.WithRetryInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	srv := httptest.NewServer(NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return svc, srv
}

func getStatus(t *testing.T, url string) Status {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func TestStatusHandler(t *testing.T) {
	svc, srv := newAdmin(t)
	if st := getStatus(t, srv.URL+"/locks?name=job"); st.Held {
		t.Fatalf("expected free lock, got %+v", st)
	}
	if err := svc.Lock(context.Background(), "job"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	st := getStatus(t, srv.URL+"/locks?name=job")
	if !st.Held || st.Owner != svc.Owner() || st.Namespace != "locks" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStatusHandlerMissingName(t *testing.T) {
	_, srv := newAdmin(t)
	resp, err := http.Get(srv.URL + "/locks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestReleaseHandler(t *testing.T) {
	svc, srv := newAdmin(t)
	ctx := context.Background()
	if err := svc.Lock(ctx, "stuck"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	resp, err := http.Get(srv.URL + "/locks/release?name=stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/locks/release?name=stuck", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Held || st.Owner != svc.Owner() {
		t.Fatalf("unexpected release body %+v", st)
	}
	if ok, err := svc.TryLock(ctx, "stuck", 20*time.Millisecond); err != nil || !ok {
		t.Fatalf("expected lock free after forced release, got %v %v", ok, err)
	}
}

func TestReleaseHandlerClosedService(t *testing.T) {
	svc, srv := newAdmin(t)
	_ = svc.Close()
	resp, err := http.Post(srv.URL+"/locks/release?name=x", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerStream(t *testing.T) {
	svc, srv := newAdmin(t)
	ctx := context.Background()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	_ = svc.Lock(ctx, "streamed")
	_ = svc.Unlock(ctx, "streamed")

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()
	select {
	case data := <-lines:
		var evt store.DeleteEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if evt.Key != "streamed" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	svc, srv := newAdmin(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is set up after the upgrade; retry the release until
	// an event arrives.
	ctx := context.Background()
	events := make(chan store.DeleteEvent, 1)
	go func() {
		var evt store.DeleteEvent
		if err := conn.ReadJSON(&evt); err == nil {
			events <- evt
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		_ = svc.Lock(ctx, "ws")
		_ = svc.Unlock(ctx, "ws")
		select {
		case evt := <-events:
			if evt.Key != "ws" {
				t.Fatalf("unexpected event %+v", evt)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for websocket event")
		}
	}
}
