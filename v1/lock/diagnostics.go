package lock

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
)

// contentionLog rate limits "waiting for lock" messages per name. A name is
// logged again only once its entry has expired from the cache.
type contentionLog struct {
	logger   *slog.Logger
	interval time.Duration
	seen     *ristretto.Cache
}

func newContentionLog(logger *slog.Logger, interval time.Duration) (*contentionLog, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &contentionLog{logger: logger, interval: interval, seen: c}, nil
}

func (c *contentionLog) contended(namespace, name, holder string) {
	if c.interval <= 0 {
		c.logger.Debug("clusterlock: lock held elsewhere", "namespace", namespace, "name", name, "holder", holder)
		return
	}
	if _, ok := c.seen.Get(name); ok {
		return
	}
	c.seen.SetWithTTL(name, struct{}{}, 1, c.interval)
	c.logger.Debug("clusterlock: lock held elsewhere", "namespace", namespace, "name", name, "holder", holder)
}

func (c *contentionLog) close() {
	c.seen.Close()
}
