package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agentd/internal/failure"
	"agentd/internal/recovery"
	"agentd/pkg/logx"
)

// redisStore layout, all keys under prefix:
//   - failures        hash  id -> event JSON
//   - failures:ts     zset  id scored by unix millis
//   - actions         list  action JSON, append order
//   - notifications   list  notification JSON, append order
//   - incident:<id>   string incident JSON
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: addr, DB: cfg.RedisDB}
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "agentd"
	}
	return newRedisStore(rdb, prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) AppendFailure(ctx context.Context, ev failure.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.key("failures"), ev.ID, b)
		p.ZAdd(ctx, s.key("failures", "ts"), redis.Z{Score: float64(ev.Timestamp.UnixMilli()), Member: ev.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append failure: %w", err)
	}
	return nil
}

func (s *redisStore) UpdateFailure(ctx context.Context, ev failure.Event) error {
	exists, err := s.rdb.HExists(ctx, s.key("failures"), ev.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to look up failure: %w", err)
	}
	if !exists {
		return fmt.Errorf("failure %s: %w", ev.ID, ErrNotFound)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("failures"), ev.ID, b).Err()
}

func (s *redisStore) Failures(ctx context.Context, q recovery.FailureQuery) ([]failure.Event, error) {
	lo := "-inf"
	if !q.Since.IsZero() {
		lo = strconv.FormatInt(q.Since.UnixMilli(), 10)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.key("failures", "ts"), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range failures: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key("failures"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load failures: %w", err)
	}
	evs := make([]failure.Event, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var ev failure.Event
		if err := json.Unmarshal([]byte(str), &ev); err != nil {
			s.log.Warn("storage.redis_bad_failure", logx.Err(err))
			continue
		}
		evs = append(evs, ev)
	}
	return selectFailures(evs, q), nil
}

func (s *redisStore) PruneFailures(ctx context.Context, before time.Time) (int, error) {
	hi := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, s.key("failures", "ts"), &redis.ZRangeBy{Min: "-inf", Max: hi}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to range failures: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.key("failures"), ids...)
		p.ZRem(ctx, s.key("failures", "ts"), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune failures: %w", err)
	}
	return len(ids), nil
}

func (s *redisStore) AppendAction(ctx context.Context, a recovery.Action) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("actions"), b).Err()
}

func (s *redisStore) Actions(ctx context.Context, plugin string, limit int) ([]recovery.Action, error) {
	raw, err := s.rdb.LRange(ctx, s.key("actions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	all := make([]recovery.Action, 0, len(raw))
	for _, r := range raw {
		var a recovery.Action
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			continue
		}
		all = append(all, a)
	}
	return selectActions(all, plugin, limit), nil
}

func (s *redisStore) AppendNotification(ctx context.Context, n recovery.AdminNotification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("notifications"), b).Err()
}

func (s *redisStore) Notifications(ctx context.Context, limit int) ([]recovery.AdminNotification, error) {
	raw, err := s.rdb.LRange(ctx, s.key("notifications"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	all := make([]recovery.AdminNotification, 0, len(raw))
	for _, r := range raw {
		var n recovery.AdminNotification
		if err := json.Unmarshal([]byte(r), &n); err == nil {
			all = append(all, n)
		}
	}
	return newestNotifications(all, limit), nil
}

func (s *redisStore) SaveIncident(ctx context.Context, in recovery.Incident) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("incident", in.ID), b, 0).Err()
}

func (s *redisStore) Incident(ctx context.Context, id string) (recovery.Incident, error) {
	b, err := s.rdb.Get(ctx, s.key("incident", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return recovery.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return recovery.Incident{}, err
	}
	var in recovery.Incident
	if err := json.Unmarshal(b, &in); err != nil {
		return recovery.Incident{}, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return in, nil
}
