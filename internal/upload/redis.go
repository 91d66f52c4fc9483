package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisSink appends each payload to a Redis stream
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisOptions configures the stream sink
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate stream cap, 0 = unbounded
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisSink{client: client, stream: opts.Stream, maxLen: opts.MaxLen}
}

func (s *RedisSink) Name() string { return "redis" }

// Send adds one entry carrying the flat fields plus the JSON document
func (s *RedisSink) Send(ctx context.Context, p Payload) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"connected":      strconv.FormatBool(p.Connected),
			"heart_rate":     strconv.Itoa(p.HeartRate),
			"temperature":    strconv.FormatFloat(p.Temperature, 'f', 1, 64),
			"breathing_rate": strconv.FormatFloat(p.BreathingRate, 'f', -1, 64),
			"transport":      p.Transport,
			"data":           string(doc),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
