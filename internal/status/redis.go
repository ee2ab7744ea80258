package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Publisher = (*Redis)(nil)

// Defaults for [Redis].
const (
	DefaultChannel   = "parlox:status"
	DefaultKeyPrefix = "parlox:status:"
	DefaultLatestTTL = 24 * time.Hour
)

// ErrNoStatus is returned by [Redis.Latest] when no state was recorded for
// the session.
var ErrNoStatus = errors.New("status: no status recorded")

// RedisOption configures a [Redis] publisher.
type RedisOption func(*Redis)

// WithChannel overrides [DefaultChannel].
func WithChannel(ch string) RedisOption {
	return func(r *Redis) { r.channel = ch }
}

// WithKeyPrefix overrides [DefaultKeyPrefix].
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithLatestTTL overrides [DefaultLatestTTL]. Zero keeps keys forever.
func WithLatestTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// Redis publishes events as JSON on a pub/sub channel and records the latest
// state event of each session under its own key.
type Redis struct {
	client  *redis.Client
	channel string
	prefix  string
	ttl     time.Duration
}

// NewRedis returns a publisher using client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		channel: DefaultChannel,
		prefix:  DefaultKeyPrefix,
		ttl:     DefaultLatestTTL,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisClient builds a client from a redis:// URL. A value that is not a
// URL is used as a plain host:port address.
func NewRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return redis.NewClient(opts)
}

// Ping verifies connectivity with a short timeout.
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("status: ping redis: %w", err)
	}
	return nil
}

// Publish implements [Publisher].
func (r *Redis) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("status: encode event: %w", err)
	}
	if e.Type != TypeState {
		if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
			return fmt.Errorf("status: publish: %w", err)
		}
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Publish(ctx, r.channel, data)
	pipe.Set(ctx, r.prefix+e.Session, data, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status: publish: %w", err)
	}
	return nil
}

// Latest returns the last state event recorded for session.
func (r *Redis) Latest(ctx context.Context, session string) (Event, error) {
	data, err := r.client.Get(ctx, r.prefix+session).Bytes()
	if errors.Is(err, redis.Nil) {
		return Event{}, ErrNoStatus
	}
	if err != nil {
		return Event{}, fmt.Errorf("status: latest: %w", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("status: decode event: %w", err)
	}
	return e, nil
}

// Channel returns the pub/sub channel events are published on.
func (r *Redis) Channel() string { return r.channel }
