package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "timechanbot/pkg/logx"
)

const (
	defaultRedisKey = "timechanbot:bindings"
	redisAuditCap   = 1000
)

// redisStore keeps one hash field per guild (value: JSON label map)
// and a capped audit list under "<key>:audit".
type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultRedisKey
	}
	log.Debug("redis store opened", logx.String("addr", opts.Addr), logx.String("key", key))
	return &redisStore{client: client, key: key, log: log}, nil
}

func (s *redisStore) Load(ctx context.Context) (Mapping, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.key, err)
	}
	m := make(Mapping, len(fields))
	for guild, raw := range fields {
		var labels map[string]Binding
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			return nil, fmt.Errorf("%w: guild %s: %v", ErrCorrupt, guild, err)
		}
		if len(labels) > 0 {
			m[guild] = labels
		}
	}
	return m, nil
}

// Replace swaps the hash contents inside MULTI/EXEC so readers never see a partial mapping.
func (s *redisStore) Replace(ctx context.Context, m Mapping) error {
	values := make(map[string]any, len(m))
	for guild, labels := range m {
		if len(labels) == 0 {
			continue
		}
		b, err := json.Marshal(labels)
		if err != nil {
			return err
		}
		values[guild] = string(b)
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key)
		if len(values) > 0 {
			p.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", s.key, err)
	}
	return nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	auditKey := s.key + ":audit"
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, auditKey, string(b))
		p.LTrim(ctx, auditKey, 0, redisAuditCap-1)
		return nil
	})
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
