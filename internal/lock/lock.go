package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExitLocked is the process exit status when an environment is locked.
const ExitLocked = 108

// keyPrefix namespaces lock keys; the environment name follows.
const keyPrefix = "fleetctl:lock:"

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// ErrLocked is matched by every LockedError.
var ErrLocked = errors.New("environment is locked")

// LockedError reports who holds an environment lock.
type LockedError struct {
	Environment string
	Holder      string
	Since       time.Time
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("environment %s is locked by another run", e.Environment)
	}
	return fmt.Sprintf("environment %s is locked by %s since %s", e.Environment, e.Holder, e.Since.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// ExitCode returns the exit status for a held lock.
func (e *LockedError) ExitCode() int { return ExitLocked }

// store is the subset of the redis client the locker uses.
type store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Locker serialises runs per environment so two operators cannot drive the
// same environment at once.
type Locker struct {
	rdb    store
	closer func() error
}

// NewLocker connects to Redis.
func NewLocker(redisURL string) (*Locker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Locker{rdb: rdb, closer: rdb.Close}, nil
}

// Close closes the Redis connection.
func (l *Locker) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

type lockValue struct {
	Token    string    `json:"token"`
	Holder   string    `json:"holder"`
	Acquired time.Time `json:"acquired"`
}

// Lease is a held environment lock.
type Lease struct {
	Environment string
	Holder      string

	rdb   store
	key   string
	value string
}

// Acquire takes the lock for environment, expiring after ttl. If another
// run holds it, the returned error is a *LockedError.
func (l *Locker) Acquire(ctx context.Context, environment, holder string, ttl time.Duration) (*Lease, error) {
	key := keyPrefix + environment
	data, err := json.Marshal(lockValue{Token: uuid.NewString(), Holder: holder, Acquired: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	ok, err := l.rdb.SetNX(ctx, key, string(data), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", environment, err)
	}
	if !ok {
		return nil, l.lockedBy(ctx, key, environment)
	}

	log.Printf("lock: acquired %s for %s (ttl %s)", key, holder, ttl)
	return &Lease{Environment: environment, Holder: holder, rdb: l.rdb, key: key, value: string(data)}, nil
}

func (l *Locker) lockedBy(ctx context.Context, key, environment string) error {
	lerr := &LockedError{Environment: environment}
	raw, err := l.rdb.Get(ctx, key).Result()
	if err != nil {
		// The lock may have expired between SETNX and GET.
		if !errors.Is(err, redis.Nil) {
			log.Printf("lock: read holder of %s: %v", key, err)
		}
		return lerr
	}
	var v lockValue
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		lerr.Holder = v.Holder
		lerr.Since = v.Acquired
	}
	return lerr
}

// Release drops the lock if this lease still owns it. A lease that expired
// and was taken by another run is left alone.
func (l *Lease) Release(ctx context.Context) error {
	n, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock for %s: %w", l.Environment, err)
	}
	if n == 0 {
		log.Printf("lock: %s expired before release", l.key)
	}
	return nil
}
