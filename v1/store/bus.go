package store

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-clusterlock/v1/notify"
)

const defaultTopicPrefix = "clusterlock"

// publishRelease announces the removal of rec on the namespace topic. The
// record is already gone at this point, so a failed publish is only logged:
// waiters fall back to their retry interval.
func publishRelease(ctx context.Context, bus notify.Bus, topic string, rec Record) {
	err := bus.Publish(ctx, topic, notify.Event{
		ID:    uuid.NewString(),
		Key:   rec.Name,
		Owner: rec.Owner,
	})
	if err != nil {
		slog.Warn("clusterlock: release notification failed", "topic", topic, "key", rec.Name, "error", err)
	}
}

// subscribeReleases adapts a bus subscription into a DeleteEvent stream.
func subscribeReleases(ctx context.Context, bus notify.Bus, topic string) (<-chan DeleteEvent, error) {
	src, err := bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan DeleteEvent, eventBuffer)
	go func() {
		defer close(out)
		for evt := range src {
			de := DeleteEvent{Key: evt.Key, Removed: &Record{Name: evt.Key, Owner: evt.Owner}}
			select {
			case out <- de:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
