package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrLeaseHeld means another process is driving the browser.
	ErrLeaseHeld = errors.New("browser lease is held by another run")
	// ErrLeaseLost means the lease expired or was taken over before release.
	ErrLeaseLost = errors.New("browser lease expired before release")
)

const leaseKeyPrefix = "portfolio-scraper:browser-lease:"

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// refreshScript extends the expiry only while the key still holds our token.
const refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type leaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// SessionLease serialises browser use across processes sharing one Chrome.
type SessionLease struct {
	client       leaseClient
	key          string
	ttl          time.Duration
	refreshEvery time.Duration
	newToken     func() string
}

// NewSessionLease builds a lease for the browser identified by resource,
// usually its debug URL. While held, the lease is renewed every ttl/3.
func NewSessionLease(client leaseClient, resource string, ttl time.Duration) *SessionLease {
	return &SessionLease{
		client:       client,
		key:          leaseKeyPrefix + resource,
		ttl:          ttl,
		refreshEvery: ttl / 3,
		newToken:     uuid.NewString,
	}
}

// Lock takes the lease or fails with ErrLeaseHeld. The lease stays alive
// until ctx ends or the returned func releases it.
func (l *SessionLease) Lock(ctx context.Context) (func(context.Context) error, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	refreshCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go l.keepAlive(refreshCtx, token, done)

	return func(ctx context.Context) error {
		stop()
		<-done
		n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release lease %s: %w", l.key, err)
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	}, nil
}

func (l *SessionLease) keepAlive(ctx context.Context, token string, done chan<- struct{}) {
	defer close(done)
	if l.refreshEvery <= 0 {
		return
	}
	ticker := time.NewTicker(l.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("key", l.key).Msg("Failed to refresh browser lease")
			continue
		}
		if n == 0 {
			log.Error().Str("key", l.key).Msg("Browser lease lost while held")
			return
		}
	}
}
