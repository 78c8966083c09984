// Package lease makes sure a room is live on at most one server of a fleet at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld means another server holds the room.
var ErrHeld = errors.New("lease held elsewhere")

const DefaultTTL = 15 * time.Second

type Leaser interface {
	Acquire(ctx context.Context, roomID string) (Lease, error)
}

type Lease interface {
	// Lost is closed once the lease can no longer be guaranteed, either because another holder took it or because
	// renewals kept failing for a whole ttl. It is never closed by Release.
	Lost() <-chan struct{}
	// Release gives the room up. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Noop grants every lease, for single server deployments.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Lost() <-chan struct{} {
	return nil
}

func (noopLease) Release(context.Context) error {
	return nil
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis holds leases as keys with a TTL that is renewed for as long as the lease is held.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, prefix: "rooms:lease:", logger: logger}
}

// Dial connects to the redis server at addr and checks it answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, roomID string) (Lease, error) {
	key := r.prefix + roomID
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", roomID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: room %s", ErrHeld, roomID)
	}
	l := &redisLease{parent: r, key: key, token: token, stop: make(chan struct{}), lost: make(chan struct{})}
	l.wg.Add(1)
	go l.renew()
	return l, nil
}

type redisLease struct {
	parent *Redis
	key    string
	token  string

	once sync.Once
	stop chan struct{}
	lost chan struct{}
	wg   sync.WaitGroup
}

func (l *redisLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *redisLease) renew() {
	defer l.wg.Done()
	t := time.NewTicker(l.parent.ttl / 3)
	defer t.Stop()
	renewed := time.Now()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.parent.ttl/3)
			n, err := renewScript.Run(ctx, l.parent.client, []string{l.key}, l.token, l.parent.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err == nil && n == 0:
				l.parent.logger.Error("lease lost", "key", l.key)
				close(l.lost)
				return
			case err == nil:
				renewed = time.Now()
			case time.Since(renewed) >= l.parent.ttl:
				l.parent.logger.Error("lease expired while renewals failed", "key", l.key, "err", err)
				close(l.lost)
				return
			default:
				l.parent.logger.Warn("failed to renew lease", "key", l.key, "err", err)
			}
		case <-l.stop:
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
		if e := releaseScript.Run(ctx, l.parent.client, []string{l.key}, l.token).Err(); e != nil {
			err = fmt.Errorf("failed to release lease %s: %w", l.key, e)
		}
	})
	return err
}
