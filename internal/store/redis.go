package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

const (
	redisTasksKey = "gpusched:snapshot:tasks"
	redisMetaKey  = "gpusched:snapshot:meta"
)

// RedisStore implements Store with two Redis hashes: one holding task JSON
// by id and one holding snapshot metadata.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore connects to addr, a redis:// URL or a plain host:port.
func NewRedisStore(addr string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: c, logger: logging.Component(logger, "store")}, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single and
// sentinel deployments. Without a scheme addr is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	parseDB := func(s string) error {
		db, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
		return nil
	}
	q := u.Query()
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			if err := parseDB(p); err != nil {
				return nil, err
			}
		} else if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	case "redis-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

func (r *RedisStore) Migrate(context.Context) error { return nil }

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// SaveSnapshot replaces the stored snapshot atomically.
func (r *RedisStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	r.logger.Debug("redis", "op", "save_snapshot", "tasks", len(snap.Tasks))
	fields := make(map[string]any, len(snap.Tasks))
	for i := range snap.Tasks {
		b, err := json.Marshal(&snap.Tasks[i])
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", snap.Tasks[i].ID, err)
		}
		fields[snap.Tasks[i].ID] = b
	}
	saved := snap.SavedAt
	if saved.IsZero() {
		saved = time.Now().UTC()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisTasksKey)
		if len(fields) > 0 {
			p.HSet(ctx, redisTasksKey, fields)
		}
		p.HSet(ctx, redisMetaKey,
			"next_seq", strconv.FormatUint(snap.NextSeq, 10),
			"saved_at", saved.Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot.
func (r *RedisStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	raw, err := r.client.HGetAll(ctx, redisTasksKey).Result()
	if err != nil {
		return snap, fmt.Errorf("redis load tasks: %w", err)
	}
	for id, v := range raw {
		var t model.Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return snap, fmt.Errorf("unmarshal task %s: %w", id, err)
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	sortTasks(snap.Tasks)

	meta, err := r.client.HGetAll(ctx, redisMetaKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("redis load meta: %w", err)
	}
	if v, ok := meta["next_seq"]; ok {
		if snap.NextSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return snap, fmt.Errorf("parse next_seq: %w", err)
		}
	}
	if v, ok := meta["saved_at"]; ok {
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return snap, nil
}
