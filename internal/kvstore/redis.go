package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/redis/go-redis/v9"
)

// incrWindowScript increments a counter and manages its expiry in a single
// round trip so concurrent callers never observe a counter without a TTL.
//
// KEYS[1] counter key
// ARGV[1] delta
// ARGV[2] ttl in milliseconds
// ARGV[3] "1" to refresh the ttl on every call
var incrWindowScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ARGV[3] == "1" or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {current, ttl}
`)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
	PoolSize  int
}

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a client. An unreachable server at startup is logged
// but not fatal: callers degrade until it comes back.
func NewRedisStore(opts RedisOptions, logger *slog.Logger) *RedisStore {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 200 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.OpTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
		// a retried call would blow through the per-operation budget
		MaxRetries: -1,
	})

	s := &RedisStore{client: client, opTimeout: opts.OpTimeout, logger: logger}

	if err := s.Ping(context.Background()); err != nil {
		logger.Warn("redis not reachable at startup", slog.String("addr", opts.Addr), slog.Any("error", err))
	} else {
		logger.Info("redis connection established", slog.String("addr", opts.Addr))
	}

	return s
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration, logger *slog.Logger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &RedisStore{client: client, opTimeout: opTimeout, logger: logger}
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", models.ErrStoreUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	// -1 (no expiry) and -2 (missing) both come back negative
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration, rolling bool) (int64, time.Duration, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	refresh := "0"
	if rolling {
		refresh = "1"
	}

	res, err := incrWindowScript.Run(ctx, s.client, []string{key},
		strconv.FormatInt(delta, 10), strconv.FormatInt(ttl.Milliseconds(), 10), refresh).Int64Slice()
	if err != nil {
		return 0, 0, unavailable("incr window", err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable("incr window", fmt.Errorf("unexpected reply length %d", len(res)))
	}

	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.logger.Info("closing redis client")
	return s.client.Close()
}
