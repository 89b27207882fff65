package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koustreak/blockidx/internal/errs"
)

// PendingSet holds addresses whose balances need refreshing. Adding an
// address that is already pending is a no-op.
type PendingSet interface {
	Add(ctx context.Context, addresses ...string) error
	// Pop removes and returns up to n addresses in no particular order.
	Pop(ctx context.Context, n int) ([]string, error)
	Len(ctx context.Context) (int64, error)
}

// RedisConfig configures the connection to the pending set's server.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultRedisConfig returns local development defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "127.0.0.1:6379",
		Key:          "blockidx:pending-balances",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisSet is a PendingSet stored in a Redis set.
type RedisSet struct {
	client redis.Cmdable
	key    string
}

// NewRedisSet uses the set at key on client.
func NewRedisSet(client redis.Cmdable, key string) *RedisSet {
	return &RedisSet{client: client, key: key}
}

// DialRedis connects to the configured server and checks it answers.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "failed to connect to redis at "+cfg.Addr, err)
	}
	return client, nil
}

func (s *RedisSet) Add(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	members := make([]interface{}, len(addresses))
	for i, a := range addresses {
		members[i] = a
	}
	if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
		return redisError(err, "failed to enqueue addresses")
	}
	return nil
}

func (s *RedisSet) Pop(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	addrs, err := s.client.SPopN(ctx, s.key, int64(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, redisError(err, "failed to dequeue addresses")
	}
	return addrs, nil
}

func (s *RedisSet) Len(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, redisError(err, "failed to size pending set")
	}
	return n, nil
}

func redisError(err error, msg string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	case errors.Is(err, redis.ErrClosed):
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	default:
		return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
	}
}
