package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/verso-app/livecast/internal/domain"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// RedisConfig holds Redis connection configuration for the signaling bus.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisChannel implements Channel over Redis Pub/Sub. Redis preserves
// publish order per connection, which gives the per-publisher FIFO
// guarantee; delivery to absent subscribers is dropped, which matches
// the best-effort contract.
type RedisChannel struct {
	client        *redis.Client
	subscriptions map[string]*redis.PubSub
	mu            sync.Mutex
}

// NewRedisChannel connects to Redis and returns a signaling channel.
func NewRedisChannel(cfg RedisConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisChannel{
		client:        client,
		subscriptions: make(map[string]*redis.PubSub),
	}, nil
}

// Send publishes the envelope to the room's channel.
func (r *RedisChannel) Send(ctx context.Context, env *domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, RoomChannelName(env.RoomID), data).Err()
}

// Subscribe subscribes to a room's signaling traffic.
func (r *RedisChannel) Subscribe(ctx context.Context, roomID string) (<-chan *domain.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := RoomChannelName(roomID)
	pubsub := r.client.Subscribe(ctx, name)
	r.subscriptions[name] = pubsub

	envCh := make(chan *domain.Envelope, subscriberBuffer)
	go r.pump(ctx, pubsub, envCh)

	return envCh, nil
}

// Unsubscribe closes the room's subscription if one exists.
func (r *RedisChannel) Unsubscribe(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := RoomChannelName(roomID)
	if pubsub, ok := r.subscriptions[name]; ok {
		if err := pubsub.Close(); err != nil {
			return err
		}
		delete(r.subscriptions, name)
	}
	return nil
}

// Close closes all subscriptions and the Redis client.
func (r *RedisChannel) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pubsub := range r.subscriptions {
		pubsub.Close()
	}
	r.subscriptions = make(map[string]*redis.PubSub)

	return r.client.Close()
}

func (r *RedisChannel) pump(ctx context.Context, pubsub *redis.PubSub, envCh chan<- *domain.Envelope) {
	defer close(envCh)

	l := pkglog.L()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				l.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed envelope")
				continue
			}

			select {
			case envCh <- &env:
			case <-ctx.Done():
				return
			default:
				// Subscriber buffer full, drop.
			}
		}
	}
}
