package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/owulveryck/agentrelay/internal/envelope"
)

const envelopeField = "envelope"

// RedisConfig holds Redis Streams queue configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every stream key (default: "agentrelay:").
	Prefix string
	// Group is the consumer group shared by every consumer of a queue.
	Group string
	// Consumer names this process inside the group (default: random).
	Consumer string
	// Block bounds each XREADGROUP wait.
	Block time.Duration
	// MinIdle is how long an unacknowledged entry waits before it is reclaimed.
	MinIdle time.Duration
	// BatchSize is the number of entries read per call.
	BatchSize int64
	// MaxLen caps each stream approximately (0 = unbounded).
	MaxLen int64
}

func (c *RedisConfig) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = "agentrelay:"
	}
	if c.Group == "" {
		c.Group = "agentrelay"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
}

// Redis is a Queue backed by Redis Streams and consumer groups. Unacknowledged
// entries stay in the group's pending list and are reclaimed once idle.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	owned  bool
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]bool
	closed bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	q := NewRedisFromClient(client, cfg, logger)
	q.owned = true
	return q, nil
}

// NewRedisFromClient wraps an existing client. The client is not closed by Close.
func NewRedisFromClient(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		logger: logger,
		groups: make(map[string]bool),
	}
}

func (r *Redis) stream(name string) string {
	return r.cfg.Prefix + name
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) Push(ctx context.Context, name string, env *envelope.Envelope) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream(name),
		Values: map[string]interface{}{envelopeField: data},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", name, err)
	}
	return nil
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[stream] {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	r.groups[stream] = true
	return nil
}

func (r *Redis) Consume(ctx context.Context, name string, h Handler) error {
	stream := r.stream(name)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	lastReclaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.isClosed() {
			return ErrClosed
		}

		if time.Since(lastReclaim) >= r.cfg.MinIdle/2 {
			r.reclaim(ctx, name, stream, h)
			lastReclaim = time.Now()
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    r.cfg.BatchSize,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if r.isClosed() || errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			r.logger.WarnContext(ctx, "Queue read failed", "queue", name, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, name, stream, msg, false, h)
			}
		}
	}
}

func (r *Redis) reclaim(ctx context.Context, name, stream string, h Handler) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Start:    "0-0",
		Count:    r.cfg.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "Queue reclaim failed", "queue", name, "error", err)
		}
		return
	}
	for _, msg := range msgs {
		r.handle(ctx, name, stream, msg, true, h)
	}
}

func (r *Redis) handle(ctx context.Context, name, stream string, msg redis.XMessage, redelivered bool, h Handler) {
	ack := func(ctx context.Context) error {
		return r.client.XAck(ctx, stream, r.cfg.Group, msg.ID).Err()
	}

	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		r.logger.WarnContext(ctx, "Dropping queue entry without envelope", "queue", name, "entry_id", msg.ID)
		_ = ack(ctx)
		return
	}
	env, err := envelope.Unmarshal([]byte(raw))
	if err != nil {
		r.logger.WarnContext(ctx, "Dropping undecodable queue entry", "queue", name, "entry_id", msg.ID, "error", err)
		_ = ack(ctx)
		return
	}

	d := NewDelivery(name, env, ack, func(context.Context) error { return nil })
	d.Redelivered = redelivered
	dispatch(ctx, h, d)
}

// Pending returns the number of delivered but unacknowledged entries on name.
func (r *Redis) Pending(ctx context.Context, name string) (int64, error) {
	res, err := r.client.XPending(ctx, r.stream(name), r.cfg.Group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Ping checks the connection to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client if the queue created it.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.owned {
		return r.client.Close()
	}
	return nil
}
