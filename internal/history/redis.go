package history

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// RedisOptions configures [NewRedis].
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis stores each conversation as a list of JSON-encoded turns.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cmp.Or(opts.Addr, "localhost:6379"),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("history: redis ping: %w", err)
	}
	return &Redis{client: client, prefix: cmp.Or(opts.KeyPrefix, "voxlink:history:")}, nil
}

func (r *Redis) key(conversation string) string { return r.prefix + conversation }

func (r *Redis) Append(ctx context.Context, conversation string, t Turn) error {
	if err := checkTurn(t); err != nil {
		return err
	}
	b, err := sonic.Marshal(t)
	if err != nil {
		return fmt.Errorf("history: encode turn: %w", err)
	}
	if err := r.client.RPush(ctx, r.key(conversation), b).Err(); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, conversation string, limit int) ([]Turn, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := r.client.LRange(ctx, r.key(conversation), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := sonic.UnmarshalString(v, &t); err != nil {
			return nil, fmt.Errorf("history: decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *Redis) Clear(ctx context.Context, conversation string) error {
	if err := r.client.Del(ctx, r.key(conversation)).Err(); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
