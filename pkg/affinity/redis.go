package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps bindings in redis so several proxy processes can share
// them. Each session is a hash with a native TTL. A sorted set scored by
// last access time indexes the sessions for eviction and counting.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	pool     Selector
	ttl      time.Duration
	eviction Eviction
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(rdb *redis.Client, prefix string, pool Selector, opts Options) *RedisStore {
	s := &RedisStore{
		rdb:      rdb,
		prefix:   prefix,
		pool:     pool,
		ttl:      opts.TTL,
		eviction: opts.Eviction,
		now:      opts.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if t, ok := s.eviction.(TimerEviction); ok && t.Interval > 0 {
		go s.sweepLoop(t.Interval)
	} else {
		close(s.done)
	}
	return s
}

func (s *RedisStore) sessionKey(key string) string { return s.prefix + "s:" + key }
func (s *RedisStore) indexKey() string             { return s.prefix + "index" }

func (s *RedisStore) GetOrBind(ctx context.Context, key, kind string, exclude map[string]struct{}) (accounts.Account, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("redis session lookup failed", "error", err)
	}
	if id := fields["account"]; id != "" && fields["provider"] == kind && !excluded(exclude, id) && s.pool.Eligible(id, kind) {
		if err := s.touch(ctx, key); err != nil {
			slog.Warn("redis session touch failed", "error", err)
		}
		if acct, err := s.pool.Use(id); err == nil {
			return acct, true, nil
		}
	}
	acct, err := s.pool.Select(kind, exclude)
	if err != nil {
		return accounts.Account{}, false, err
	}
	return acct, false, nil
}

func (s *RedisStore) touch(ctx context.Context, key string) error {
	now := s.now()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.sessionKey(key), s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: key})
		return nil
	})
	return err
}

func (s *RedisStore) Bind(ctx context.Context, key, accountID, kind string) error {
	if key == "" {
		return nil
	}
	now := s.now()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(key), map[string]any{
			"account":  accountID,
			"provider": kind,
			"created":  strconv.FormatInt(now.UnixMilli(), 10),
		})
		pipe.Expire(ctx, s.sessionKey(key), s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return err
	}
	if m, ok := s.eviction.(MemoryEviction); ok && m.Threshold > 0 {
		return s.trim(ctx, int64(m.Threshold))
	}
	return nil
}

func (s *RedisStore) trim(ctx context.Context, threshold int64) error {
	n, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil || n <= threshold {
		return err
	}
	popped, err := s.rdb.ZPopMin(ctx, s.indexKey(), n-threshold).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(popped))
	for _, z := range popped {
		if member, ok := z.Member.(string); ok {
			keys = append(keys, s.sessionKey(member))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Sweep drops index entries whose session keys redis already expired.
func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	return s.rdb.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(cutoff, 10)).Result()
}

func (s *RedisStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.Sweep(ctx); err != nil {
				slog.Warn("redis session sweep failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *RedisStore) Clear(ctx context.Context) error {
	members, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, s.sessionKey(m))
	}
	keys = append(keys, s.indexKey())
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Len(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	n, err := s.rdb.ZCount(ctx, s.indexKey(), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		slog.Warn("redis session count failed", "error", err)
		return 0
	}
	return int(n)
}

// Close stops the sweep. The redis client belongs to the caller.
func (s *RedisStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
