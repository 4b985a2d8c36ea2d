package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// leaseKeyPrefix namespaces the per-agent lease keys.
	leaseKeyPrefix = "convoxa:lease:"

	// replaceChanPrefix namespaces the per-agent displacement channels.
	replaceChanPrefix = "convoxa:replaced:"

	// defaultLeaseTTL bounds how long a crashed holder blocks the slot.
	defaultLeaseTTL = 30 * time.Second

	// redisOpTimeout bounds background lease operations.
	redisOpTimeout = 5 * time.Second
)

// releaseScript deletes the lease only while the session still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the lease only while the session still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisRegistry keeps session slots in Redis so displacement works across
// runtime instances. Each lease is a `SET NX PX` key renewed while the
// session lives; displacement notices travel over a per-agent pub/sub
// channel so the prior holder hears about its replacement even from another
// process.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisRegistryOption configures a [RedisRegistry].
type RedisRegistryOption func(*RedisRegistry)

// WithLeaseTTL overrides the lease expiry. Leases are renewed at a third of
// the TTL, so the TTL also bounds how long a crashed holder blocks its slot.
func WithLeaseTTL(ttl time.Duration) RedisRegistryOption {
	return func(r *RedisRegistry) { r.ttl = ttl }
}

// NewRedisRegistry creates a registry on client.
func NewRedisRegistry(client *redis.Client, opts ...RedisRegistryOption) *RedisRegistry {
	r := &RedisRegistry{
		client: client,
		ttl:    defaultLeaseTTL,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire implements [Registry]. The subscription is confirmed before the
// slot is taken so a displacement published immediately afterwards cannot be
// missed.
func (r *RedisRegistry) Acquire(ctx context.Context, key, sessionID string) (Lease, error) {
	leaseKey := leaseKeyPrefix + key
	channel := replaceChanPrefix + key

	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("session: acquire lease: subscribe: %w", err)
	}

	taken, err := r.client.SetNX(ctx, leaseKey, sessionID, r.ttl).Result()
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("session: acquire lease: %w", err)
	}
	if !taken {
		// Occupied: notify the current holder, then take the slot over.
		if err := r.client.Publish(ctx, channel, sessionID).Err(); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("session: acquire lease: publish displacement: %w", err)
		}
		if err := r.client.Set(ctx, leaseKey, sessionID, r.ttl).Err(); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("session: acquire lease: take over: %w", err)
		}
		slog.Info("displaced prior session",
			"agent_public_id", key,
			"session_id", sessionID)
	}

	l := &redisLease{
		registry:  r,
		key:       leaseKey,
		sessionID: sessionID,
		sub:       sub,
		replaced:  make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Ping implements [Registry].
func (r *RedisRegistry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session: registry ping: %w", err)
	}
	return nil
}

var _ Registry = (*RedisRegistry)(nil)

type redisLease struct {
	registry  *RedisRegistry
	key       string
	sessionID string
	sub       *redis.PubSub

	replaced     chan struct{}
	replacedOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
}

// run watches the displacement channel and renews the lease until the lease
// is released or lost.
func (l *redisLease) run() {
	ticker := time.NewTicker(l.registry.ttl / 3)
	defer ticker.Stop()

	msgs := l.sub.Channel()
	for {
		select {
		case <-l.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			// The new holder's own publish echoes back; ignore it.
			if msg.Payload != l.sessionID {
				l.markReplaced()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			n, err := renewScript.Run(ctx, l.registry.client,
				[]string{l.key}, l.sessionID, l.registry.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("lease renewal failed",
					"lease_key", l.key,
					"session_id", l.sessionID,
					"error", err)
				continue
			}
			if n == 0 {
				// The key is gone or owned by someone else.
				l.markReplaced()
				return
			}
		}
	}
}

func (l *redisLease) markReplaced() {
	l.replacedOnce.Do(func() { close(l.replaced) })
}

// Replaced implements [Lease].
func (l *redisLease) Replaced() <-chan struct{} { return l.replaced }

// Release implements [Lease]. Ownership-checked in Redis: a displaced lease
// cannot delete the new holder's key.
func (l *redisLease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	if err := releaseScript.Run(ctx, l.registry.client, []string{l.key}, l.sessionID).Err(); err != nil {
		_ = l.sub.Close()
		return fmt.Errorf("session: release lease: %w", err)
	}
	if err := l.sub.Close(); err != nil {
		return fmt.Errorf("session: release lease: close subscription: %w", err)
	}
	return nil
}

var _ Lease = (*redisLease)(nil)
