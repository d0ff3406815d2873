package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cryptoindex/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: ~3h of 5s index updates + buffer
	indexStreamMaxLen = 2400
	defaultLatestTTL  = 30 * time.Minute
	publishTimeout    = 2 * time.Second
)

// WriterConfig configures the Redis publisher.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes smoothed index values to Redis: a latest-value key,
// a capped stream and a PubSub channel per index.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a new Publisher and pings the server.
func New(cfg WriterConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// LatestKey is the key holding an index's most recent value.
func LatestKey(index string) string { return "index:latest:" + index }

// StreamKey is the capped stream of an index's values.
func StreamKey(index string) string { return "index:stream:" + index }

// Channel is the PubSub channel an index's values are published on.
func Channel(index string) string { return "pub:index:" + index }

// payload is the JSON stored and published for one value.
type payload struct {
	Index     string  `json:"index"`
	Value     float64 `json:"value"`
	Raw       float64 `json:"raw"`
	Timestamp string  `json:"ts"`
}

func encode(v model.IndexValue) (string, error) {
	b, err := json.Marshal(payload{
		Index:     v.Index,
		Value:     v.Value,
		Raw:       v.Raw,
		Timestamp: v.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return string(b), err
}

func decode(data string) (model.IndexValue, error) {
	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return model.IndexValue{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return model.IndexValue{}, err
	}
	return model.IndexValue{Index: p.Index, Value: p.Value, Raw: p.Raw, Timestamp: ts}, nil
}

// Publish performs pipelined SET + XADD + PUBLISH for one value.
func (p *Publisher) Publish(ctx context.Context, v model.IndexValue) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", v.Index, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	pipe := p.client.Pipeline()

	// SET latest value with TTL
	pipe.Set(ctx, LatestKey(v.Index), data, defaultLatestTTL)

	// XADD to stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(v.Index),
		MaxLen: indexStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": data,
		},
	})

	// PUBLISH for real-time subscribers
	pipe.Publish(ctx, Channel(v.Index), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline for %s: %w", v.Index, err)
	}
	return nil
}

// ReadLatest returns the stored latest value of index.
// Returns false if none is stored or it has expired.
func (p *Publisher) ReadLatest(ctx context.Context, index string) (model.IndexValue, bool, error) {
	data, err := p.client.Get(ctx, LatestKey(index)).Result()
	if err == goredis.Nil {
		return model.IndexValue{}, false, nil
	}
	if err != nil {
		return model.IndexValue{}, false, fmt.Errorf("redis GET %s: %w", LatestKey(index), err)
	}
	v, err := decode(data)
	if err != nil {
		return model.IndexValue{}, false, fmt.Errorf("decode %s: %w", index, err)
	}
	return v, true, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
