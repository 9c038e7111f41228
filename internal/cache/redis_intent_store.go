package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
)

const intentPrefix = "escrow:reject_intent:"

// intentGrace keeps an expired intent readable for a while so a late
// confirmation reports expiry rather than a missing intent.
const intentGrace = time.Hour

// RedisIntentStore stores rejection intents in Redis.
type RedisIntentStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

func NewRedisIntentStore(client *redis.Client) *RedisIntentStore {
	return &RedisIntentStore{client: client, nowFn: time.Now}
}

func (s *RedisIntentStore) PutIntent(ctx context.Context, intent models.RejectionIntent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	ttl := intent.ExpiresAt.Sub(s.nowFn()) + intentGrace
	if ttl <= 0 {
		ttl = intentGrace
	}
	return s.client.Set(ctx, intentPrefix+intent.ChallengeID, raw, ttl).Err()
}

func (s *RedisIntentStore) GetIntent(ctx context.Context, challengeID string) (models.RejectionIntent, error) {
	raw, err := s.client.Get(ctx, intentPrefix+challengeID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.RejectionIntent{}, models.ErrIntentNotFound
		}
		return models.RejectionIntent{}, err
	}
	var out models.RejectionIntent
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.RejectionIntent{}, err
	}
	return out, nil
}

func (s *RedisIntentStore) DeleteIntent(ctx context.Context, challengeID string) error {
	return s.client.Del(ctx, intentPrefix+challengeID).Err()
}

var _ interfaces.IntentStore = (*RedisIntentStore)(nil)
