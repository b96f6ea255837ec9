package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// Reminder is a notification held back until At.
type Reminder struct {
	ID           string              `json:"id"`
	At           time.Time           `json:"at"`
	Notification models.Notification `json:"notification"`
}

// Scheduler stores pending reminders. Due claims and returns every
// reminder at or before now; a claimed reminder is never returned twice.
type Scheduler interface {
	Add(ctx context.Context, r Reminder) error
	Remove(ctx context.Context, id string) error
	Due(ctx context.Context, now time.Time) ([]Reminder, error)
}

const (
	reminderSetKey     = "reminders"
	reminderPayloadKey = "reminders:payload"
)

// RedisScheduler keeps reminder ids in a sorted set scored by due time.
// ZREM is the claim, so concurrent replicas never fire the same one.
type RedisScheduler struct {
	client *redis.Client
}

func NewRedisScheduler(client *redis.Client) *RedisScheduler {
	return &RedisScheduler{client: client}
}

func (s *RedisScheduler) Add(ctx context.Context, r Reminder) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, reminderPayloadKey, r.ID, data)
		p.ZAdd(ctx, reminderSetKey, redis.Z{Score: float64(r.At.UnixMilli()), Member: r.ID})
		return nil
	})
	return err
}

func (s *RedisScheduler) Remove(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, reminderSetKey, id)
		p.HDel(ctx, reminderPayloadKey, id)
		return nil
	})
	return err
}

func (s *RedisScheduler) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	ids, err := s.client.ZRangeByScore(ctx, reminderSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []Reminder
	for _, id := range ids {
		n, err := s.client.ZRem(ctx, reminderSetKey, id).Result()
		if err != nil {
			return out, err
		}
		if n == 0 {
			// another replica claimed it
			continue
		}
		raw, err := s.client.HGet(ctx, reminderPayloadKey, id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, err
		}
		_ = s.client.HDel(ctx, reminderPayloadKey, id).Err()
		var r Reminder
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type MemoryScheduler struct {
	mu      sync.Mutex
	pending map[string]Reminder
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{pending: make(map[string]Reminder)}
}

func (s *MemoryScheduler) Add(_ context.Context, r Reminder) error {
	s.mu.Lock()
	s.pending[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryScheduler) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryScheduler) Due(_ context.Context, now time.Time) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reminder
	for id, r := range s.pending {
		if !r.At.After(now) {
			out = append(out, r)
			delete(s.pending, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
