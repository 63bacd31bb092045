package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
	"github.com/mirkobrombin/go-clusterlock/v1/notify"
)

const defaultRedisOpTimeout = 5 * time.Second

// takeScript deletes a key and returns the value it held, so the release
// event can carry the removed record.
var takeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
    redis.call("DEL", KEYS[1])
end
return v
`)

// Redis implements Store using a Redis backend. Records are stored as JSON
// under "<prefix>:<namespace>:<key>" without expiry and deletions are
// announced through a notify.Bus.
type Redis struct {
	client  *redis.Client
	bus     notify.Bus
	prefix  string
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
	bus     notify.Bus
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the key and channel prefix.
func WithPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// WithRedisBus replaces the default Redis pub/sub bus used for release
// events.
func WithRedisBus(bus notify.Bus) RedisOption {
	return func(o *redisStoreOptions) {
		o.bus = bus
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultTopicPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = notify.NewRedisBus(client)
	}
	return &Redis{client: client, bus: o.bus, prefix: o.prefix, timeout: o.timeout}
}

func (s *Redis) key(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

func redisError(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return warperrors.ErrConnectionClosed
	}
	return ctxError(err)
}

// Read implements Store.Read.
func (s *Redis) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.key(namespace, key)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, redisError(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Foreign value under our key; it still holds the lock.
		return Record{Name: key}, true, nil
	}
	return rec, true, nil
}

// Insert implements Store.Insert using SETNX.
func (s *Redis) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	rec.Name = key
	data, err := json.Marshal(rec)
	if err != nil {
		return OutcomeError, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, s.key(namespace, key), data, 0).Result()
	if err != nil {
		return OutcomeError, redisError(err)
	}
	if !ok {
		return OutcomeConflict, nil
	}
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete.
func (s *Redis) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := takeScript.Run(cctx, s.client, []string{s.key(namespace, key)}).Text()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return redisError(err)
	}
	rec := Record{Name: key}
	_ = json.Unmarshal([]byte(data), &rec)
	rec.Name = key
	publishRelease(context.WithoutCancel(ctx), s.bus, releaseTopic(s.prefix, namespace), rec)
	return nil
}

// Subscribe implements Store.Subscribe.
func (s *Redis) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	return subscribeReleases(ctx, s.bus, releaseTopic(s.prefix, namespace))
}
