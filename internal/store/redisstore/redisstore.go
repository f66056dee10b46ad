// Package redisstore 把记录集保存在一个 redis hash 中，并用 WATCH/MULTI 做乐观锁。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"github.com/redis/go-redis/v9"
)

// Options 描述 redis 连接参数。
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Backend stores records under Key (hash id -> JSON) and Key+":rev".
type Backend struct {
	rdb    *redis.Client
	key    string
	revKey string
}

// New creates the backend and verifies the connection.
func New(opts Options) (*Backend, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("redis key cannot be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Backend{rdb: rdb, key: opts.Key, revKey: opts.Key + ":rev"}, nil
}

// Close closes the Redis connection
func (b *Backend) Close() error {
	return b.rdb.Close()
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	var (
		all *redis.MapStringStringCmd
		rev *redis.StringCmd
	)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		all = p.HGetAll(ctx, b.key)
		rev = p.Get(ctx, b.revKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return store.Snapshot{}, err
	}
	version, err := revision(rev)
	if err != nil {
		return store.Snapshot{}, err
	}
	records := make(map[string]confirm.Record, len(all.Val()))
	for id, body := range all.Val() {
		var rec confirm.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode confirmation %s: %w", id, err)
		}
		rec.ID = id
		records[id] = rec
	}
	return store.Snapshot{Version: strconv.FormatInt(version, 10), Records: records}, nil
}

// Save 在 WATCH 下比较 revision，MULTI 中整集替换并递增 revision。
func (b *Backend) Save(ctx context.Context, records map[string]confirm.Record, expected string) (string, error) {
	fields := make(map[string]any, len(records))
	for id, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode confirmation %s: %w", id, err)
		}
		fields[id] = string(body)
	}
	var next int64
	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := revision(tx.Get(ctx, b.revKey))
		if err != nil {
			return err
		}
		if strconv.FormatInt(current, 10) != expected {
			return store.ErrConflict
		}
		next = current + 1
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, b.key)
			if len(fields) > 0 {
				p.HSet(ctx, b.key, fields)
			}
			p.Set(ctx, b.revKey, next, 0)
			return nil
		})
		return err
	}, b.key, b.revKey)
	if errors.Is(err, redis.TxFailedErr) {
		return "", store.ErrConflict
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(next, 10), nil
}

func revision(cmd *redis.StringCmd) (int64, error) {
	if cmd == nil {
		return 0, nil
	}
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
