// Package presence tracks which collaborators are currently looking at a
// script. A user is present in at most one script at a time.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ghostwriter/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON record per user plus a sorted set per script
// scored by the last heartbeat in unix milliseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to redisURL. Records expire after ttl without a
// heartbeat.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) scriptKey(scriptID string) string {
	return s.prefix + "script:" + scriptID
}

// Heartbeat records that the user is active in record.ScriptID, moving them
// out of any other script they were in.
func (s *RedisStore) Heartbeat(ctx context.Context, record store.PresenceRecord) error {
	previous, err := s.load(ctx, record.UserID)
	if err != nil {
		return err
	}
	record.LastSeen = s.now().UTC()

	pipe := s.client.TxPipeline()
	if previous != nil && previous.ScriptID != record.ScriptID {
		pipe.ZRem(ctx, s.scriptKey(previous.ScriptID), record.UserID)
	}
	if err := s.queueSave(ctx, pipe, record); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// SetActiveBlock updates the block the user is editing. Unknown users are
// ignored; their next heartbeat registers them.
func (s *RedisStore) SetActiveBlock(ctx context.Context, userID, activeBlockID string) error {
	record, err := s.load(ctx, userID)
	if err != nil || record == nil {
		return err
	}
	record.ActiveBlockID = activeBlockID
	record.LastSeen = s.now().UTC()

	pipe := s.client.TxPipeline()
	if err := s.queueSave(ctx, pipe, *record); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update active block: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, userID string) error {
	record, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.userKey(userID))
	if record != nil {
		pipe.ZRem(ctx, s.scriptKey(record.ScriptID), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// ActiveUsers returns the users whose last heartbeat in scriptID is after
// since, most recent first. Older entries are pruned from the script set.
func (s *RedisStore) ActiveUsers(ctx context.Context, scriptID string, since time.Time) ([]store.PresenceRecord, error) {
	key := s.scriptKey(scriptID)
	cutoff := strconv.FormatInt(since.UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return nil, fmt.Errorf("prune presence: %w", err)
	}
	userIDs, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	records := make([]store.PresenceRecord, 0, len(userIDs))
	if len(userIDs) == 0 {
		return records, nil
	}
	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = s.userKey(userID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record store.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		if record.ScriptID != scriptID || !record.LastSeen.After(since) {
			continue
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, userID string) (*store.PresenceRecord, error) {
	raw, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	var record store.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) queueSave(ctx context.Context, pipe redis.Pipeliner, record store.PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	pipe.Set(ctx, s.userKey(record.UserID), payload, s.ttl)
	pipe.ZAdd(ctx, s.scriptKey(record.ScriptID), redis.Z{
		Score:  float64(record.LastSeen.UnixMilli()),
		Member: record.UserID,
	})
	pipe.Expire(ctx, s.scriptKey(record.ScriptID), s.ttl)
	return nil
}
