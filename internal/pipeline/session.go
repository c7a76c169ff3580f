package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
)

// RedisSessionStore keeps conversational memory in Redis so every replica
// of the service sees the same session state. Turn lists expire after TTL
// of inactivity; the per-session lock serializes concurrent turns on one
// SessionID across processes.
type RedisSessionStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	lockTTL  time.Duration
	maxTurns int64
}

// NewRedisSessionStore wraps an existing Redis client.
func NewRedisSessionStore(rdb *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{
		rdb:      rdb,
		ttl:      ttl,
		lockTTL:  2 * time.Minute,
		maxTurns: 20,
	}
}

func turnsKey(userID, sessionID string) string {
	return fmt.Sprintf("chat:turns:%s:%s", userID, sessionID)
}

func lockKey(sessionID string) string {
	return fmt.Sprintf("chat:lock:%s", sessionID)
}

// History returns the session's turns, oldest first.
func (s *RedisSessionStore) History(ctx context.Context, userID, sessionID string) ([]promptcompose.ConversationTurn, error) {
	raw, err := s.rdb.LRange(ctx, turnsKey(userID, sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session.History: %w", err)
	}
	turns := make([]promptcompose.ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var turn promptcompose.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("session.History: decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append records one completed turn and refreshes the session's expiry.
// The list is trimmed to the newest maxTurns entries so prompts stay
// bounded on long sessions.
func (s *RedisSessionStore) Append(ctx context.Context, userID, sessionID string, turn promptcompose.ConversationTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("session.Append: %w", err)
	}
	key := turnsKey(userID, sessionID)

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.maxTurns, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session.Append: %w", err)
	}
	return nil
}

// Acquire takes the session's distributed lock, polling until it is free
// or ctx expires. The lock self-expires after lockTTL so a crashed holder
// cannot wedge the session forever.
func (s *RedisSessionStore) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := lockKey(sessionID)
	token := uuid.New().String()

	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("session.Acquire: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session.Acquire: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	release := func() {
		// Only the token holder may release; a lock that already expired
		// and was re-taken by another turn stays theirs.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		current, err := s.rdb.Get(releaseCtx, key).Result()
		if err == nil && current == token {
			s.rdb.Del(releaseCtx, key)
		}
	}
	return release, nil
}
