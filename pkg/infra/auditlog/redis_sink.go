package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/aegislabs/aiguard/pkg/types"
)

const (
	defaultRedisKey        = "aiguard:audit"
	defaultRedisMaxEntries = 10000
)

type RedisSinkConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Key        string `mapstructure:"key"`
	MaxEntries int64  `mapstructure:"max_entries"`
}

// RedisSink pushes records onto a capped Redis list so external shippers can
// consume the stream from multiple processes. LTRIM after every push keeps
// the list bounded.
type RedisSink struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

func NewRedisSinkFromConfig(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis sink requires 'addr' setting")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisSink(client, cfg.Key, cfg.MaxEntries), nil
}

func NewRedisSink(client *redis.Client, key string, maxEntries int64) *RedisSink {
	if key == "" {
		key = defaultRedisKey
	}
	if maxEntries <= 0 {
		maxEntries = defaultRedisMaxEntries
	}
	return &RedisSink{client: client, key: key, maxEntries: maxEntries}
}

func (s *RedisSink) Write(entry types.AuditLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	ctx := context.Background()
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push audit entry: %w", err)
	}
	if err := s.client.LTrim(ctx, s.key, 0, s.maxEntries-1).Err(); err != nil {
		return fmt.Errorf("failed to trim audit list: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
