// Package lockhttp exposes a lock Service over HTTP for operators: lock
// status, forced release of records left by crashed holders and a live
// stream of releases over Server-Sent Events or WebSocket.
package lockhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
	"github.com/mirkobrombin/go-clusterlock/v1/lock"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

// Admin is the part of lock.Service the handlers need.
type Admin interface {
	Namespace() string
	Status(ctx context.Context, name string) (store.Record, bool, error)
	Unlock(ctx context.Context, name string) error
	Watch(ctx context.Context) (<-chan store.DeleteEvent, error)
}

var _ Admin = (*lock.Service)(nil)

// Status is the body returned by the status and release endpoints.
type Status struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Held      bool   `json:"held"`
	Owner     string `json:"owner,omitempty"`
}

// NewMux returns a mux serving every admin endpoint:
//
//	GET  /locks?name=X
//	POST /locks/release?name=X
//	GET  /events
//	GET  /events/ws
func NewMux(a Admin) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/locks", StatusHandler(a))
	mux.Handle("/locks/release", ReleaseHandler(a))
	mux.Handle("/events", SSEHandler(a))
	mux.Handle("/events/ws", WebSocketHandler(a))
	return mux
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, lock.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrClosed), errors.Is(err, warperrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("clusterlock: encode response failed", "error", err)
	}
}

// StatusHandler reports whether the lock in the "name" query parameter is
// held and by whom.
func StatusHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		rec, held, err := a.Status(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		writeJSON(w, Status{Namespace: a.Namespace(), Name: name, Held: held, Owner: rec.Owner})
	}
}

// ReleaseHandler deletes the lock in the "name" query parameter regardless
// of who holds it. It is the recovery path for records left behind by a
// holder that died.
func ReleaseHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		prev, held, err := a.Status(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		if err := a.Unlock(r.Context(), name); err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		if held {
			slog.Warn("clusterlock: lock force released", "namespace", a.Namespace(), "name", name, "owner", prev.Owner, "remote", r.RemoteAddr)
		}
		writeJSON(w, Status{Namespace: a.Namespace(), Name: name, Held: false, Owner: prev.Owner})
	}
}

// SSEHandler streams the releases of the namespace over Server-Sent Events,
// one JSON encoded store.DeleteEvent per message.
func SSEHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := a.Watch(ctx)
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the releases of the namespace over WebSocket as
// JSON text messages.
func WebSocketHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := a.Watch(ctx)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		// Detect the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
