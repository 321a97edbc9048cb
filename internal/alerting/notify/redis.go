package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	alerting "infrawatch/internal/alerting/domain"
)

const (
	DefaultRedisChannel = "infrawatch:events"
	DefaultRedisOpenKey = "infrawatch:alerts:open"
)

// RedisConfig describes the Redis endpoint.
type RedisConfig struct {
	Address  string
	Password string
	Database int
	Channel  string
	OpenKey  string
}

// RedisSink publishes events on a pub/sub channel and mirrors open alerts into a hash
// keyed by alert id so dashboards can read current state without the API.
type RedisSink struct {
	client  *redis.Client
	channel string
	openKey string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis sink: empty address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	sink := &RedisSink{client: client, channel: cfg.Channel, openKey: cfg.OpenKey}
	if sink.channel == "" {
		sink.channel = DefaultRedisChannel
	}
	if sink.openKey == "" {
		sink.openKey = DefaultRedisOpenKey
	}
	return sink
}

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, event alerting.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, payload)
	if event.Alert != nil {
		if event.Alert.Status.Open() {
			snapshot, err := json.Marshal(event.Alert)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.openKey, event.Alert.ID, snapshot)
		} else {
			pipe.HDel(ctx, s.openKey, event.Alert.ID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the client.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
