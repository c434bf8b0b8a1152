// Package publish hands merged filter taxonomies to downstream search and
// filter UIs through Redis.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/njoerd114/listingrelay/internal/model"
)

// DefaultKey is where the latest snapshot document is stored.
const DefaultKey = "listingrelay:filters"

const defaultTimeout = 5 * time.Second

// RedisOptions configures a Redis publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Key receives the snapshot document. Defaults to [DefaultKey].
	Key string

	// Channel, when set, is notified with the same document after every
	// write.
	Channel string

	// Timeout bounds each publish. Defaults to 5s.
	Timeout time.Duration
}

// Redis stores every snapshot under one key and optionally announces it on a
// pub/sub channel.
type Redis struct {
	client     redis.UniversalClient
	ownsClient bool
	key        string
	channel    string
	timeout    time.Duration
	log        *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	r := NewRedisWithClient(client, opts, logger)
	r.ownsClient = true
	return r, nil
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership
// of it.
func NewRedisWithClient(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *Redis {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Redis{
		client:  client,
		key:     opts.Key,
		channel: opts.Channel,
		timeout: opts.Timeout,
		log:     logger,
	}
}

// Publish writes snap and announces it. The write and the announcement go in
// one transaction so subscribers never read an older document than the one
// they were told about.
func (r *Redis) Publish(ctx context.Context, snap model.TaxonomySnapshot) error {
	doc, err := Encode(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, doc, 0)
		if r.channel != "" {
			pipe.Publish(ctx, r.channel, doc)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing taxonomy to redis key %s: %w", r.key, err)
	}
	r.log.Debug("taxonomy written to redis", "key", r.key, "channel", r.channel, "bytes", len(doc))
	return nil
}

// Latest reads the stored snapshot back, or nil if none was published.
func (r *Redis) Latest(ctx context.Context) (*model.TaxonomySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	doc, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy from redis key %s: %w", r.key, err)
	}
	var snap model.TaxonomySnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("decoding taxonomy from redis key %s: %w", r.key, err)
	}
	return &snap, nil
}

// Close releases the client if this publisher created it.
func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

// Encode renders snap as the published JSON document. Empty lists are
// rendered as [] rather than null.
func Encode(snap model.TaxonomySnapshot) ([]byte, error) {
	snap.Taxonomy = snap.Taxonomy.Clone()
	t := &snap.Taxonomy
	for _, list := range []*[]string{&t.Transmission, &t.Color, &t.BodyType, &t.EngineType, &t.DriveType} {
		if *list == nil {
			*list = []string{}
		}
	}
	for _, models := range t.Marks {
		for name, trims := range models {
			if trims == nil {
				models[name] = []string{}
			}
		}
	}
	if snap.Sources == nil {
		snap.Sources = []model.Source{}
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding taxonomy: %w", err)
	}
	return doc, nil
}
