package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration for the shared
// presence store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Store is the authoritative cross-instance viewer roster. Local
// aggregator counts are optimistic; the store's count wins on
// reconciliation.
type Store interface {
	AddViewer(ctx context.Context, roomID, participantID string, ttl time.Duration) error
	RemoveViewer(ctx context.Context, roomID, participantID string) error
	ViewerCount(ctx context.Context, roomID string) (int, error)
	DropRoom(ctx context.Context, roomID string) error
	Close() error
}

// redisStore implements Store using Redis sets.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed presence store.
func NewRedisStore(cfg RedisConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisStore{client: client}, nil
}

// Redis key patterns:
// presence:room:{room_id}:viewers   SET<participant_id>
// presence:viewer:{participant_id}  STRING<room_id> with TTL

func roomViewersKey(roomID string) string {
	return fmt.Sprintf("presence:room:%s:viewers", roomID)
}

func viewerRoomKey(participantID string) string {
	return fmt.Sprintf("presence:viewer:%s", participantID)
}

func (s *redisStore) AddViewer(ctx context.Context, roomID, participantID string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, roomViewersKey(roomID), participantID)
	pipe.Set(ctx, viewerRoomKey(participantID), roomID, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) RemoveViewer(ctx context.Context, roomID, participantID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, roomViewersKey(roomID), participantID)
	pipe.Del(ctx, viewerRoomKey(participantID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) ViewerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, roomViewersKey(roomID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *redisStore) DropRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, roomViewersKey(roomID)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
