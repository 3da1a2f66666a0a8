package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Step results live in one hash per workflow; the
// queue is a pair of sorted sets scored by unix time: pending scored by
// ready-at, processing scored by claim deadline.
const (
	redisPendingKey    = "aiori:tasks:pending"
	redisProcessingKey = "aiori:tasks:processing"
)

func redisStepsKey(workflowID string) string {
	return fmt.Sprintf("aiori:wf:%s:steps", workflowID)
}

func redisTaskKey(taskID string) string {
	return fmt.Sprintf("aiori:task:%s", taskID)
}

// RedisStore is the substrate backed by Redis, selected when the
// substrate DSN parses as a redis:// URL.
type RedisStore struct {
	client     *redis.Client
	maxPending int
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
// maxPending <= 0 means unbounded.
func NewRedisStore(ctx context.Context, url string, maxPending int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:     client,
		maxPending: maxPending,
	}, nil
}

// SaveStep records a step result in the workflow's step hash.
func (s *RedisStore) SaveStep(ctx context.Context, workflowID, step string, result []byte) error {
	return s.client.HSet(ctx, redisStepsKey(workflowID), step, string(result)).Err()
}

// LoadSteps returns the recorded step results for a workflow.
func (s *RedisStore) LoadSteps(ctx context.Context, workflowID string) (map[string][]byte, error) {
	values, err := s.client.HGetAll(ctx, redisStepsKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	results := make(map[string][]byte, len(values))
	for step, data := range values {
		results[step] = []byte(data)
	}
	return results, nil
}

// Enqueue stores the task body and scores it into the pending set by
// its ready time.
func (s *RedisStore) Enqueue(ctx context.Context, task *Task) error {
	if s.maxPending > 0 {
		pending, err := s.client.ZCard(ctx, redisPendingKey).Result()
		if err != nil {
			return err
		}
		if pending >= int64(s.maxPending) {
			return ErrQueueFull
		}
	}

	t := *task
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.ReadyAt.IsZero() {
		t.ReadyAt = t.EnqueuedAt
	}

	data, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	added, err := s.client.ZAddNX(ctx, redisPendingKey, redis.Z{
		Score:  float64(t.ReadyAt.Unix()),
		Member: t.ID,
	}).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return ErrTaskExists
	}

	return s.client.Set(ctx, redisTaskKey(t.ID), data, 0).Err()
}

// Claim moves up to limit due members from pending to processing with a
// visibility deadline, then loads their bodies.
func (s *RedisStore) Claim(ctx context.Context, limit int) ([]*Task, error) {
	now := time.Now()
	if _, err := s.requeueExpired(ctx, now); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRangeByScore(ctx, redisPendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	deadline := float64(now.Add(VisibilityTimeout).Unix())
	var claimed []*Task
	for _, id := range ids {
		// ZRem guards against a concurrent claimer taking the same member.
		removed, err := s.client.ZRem(ctx, redisPendingKey, id).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 0 {
			continue
		}
		if err := s.client.ZAdd(ctx, redisProcessingKey, redis.Z{
			Score:  deadline,
			Member: id,
		}).Err(); err != nil {
			return claimed, err
		}

		data, err := s.client.Get(ctx, redisTaskKey(id)).Bytes()
		if err == redis.Nil {
			// Body lost; drop the orphaned member.
			_ = s.client.ZRem(ctx, redisProcessingKey, id).Err()
			continue
		}
		if err != nil {
			return claimed, err
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			_ = s.client.ZRem(ctx, redisProcessingKey, id).Err()
			continue
		}
		claimed = append(claimed, &task)
	}
	return claimed, nil
}

// Ack removes a claimed task and its body.
func (s *RedisStore) Ack(ctx context.Context, taskID string) error {
	removed, err := s.client.ZRem(ctx, redisProcessingKey, taskID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrTaskNotFound
	}
	return s.client.Del(ctx, redisTaskKey(taskID)).Err()
}

// Nack returns a claimed task to pending after retryDelay and bumps its
// attempt counter.
func (s *RedisStore) Nack(ctx context.Context, taskID string, retryDelay time.Duration) error {
	removed, err := s.client.ZRem(ctx, redisProcessingKey, taskID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrTaskNotFound
	}

	readyAt := time.Now().Add(retryDelay)

	data, err := s.client.Get(ctx, redisTaskKey(taskID)).Bytes()
	if err == nil {
		var task Task
		if jsonErr := json.Unmarshal(data, &task); jsonErr == nil {
			task.Attempts++
			task.ReadyAt = readyAt
			if updated, marshalErr := json.Marshal(&task); marshalErr == nil {
				_ = s.client.Set(ctx, redisTaskKey(taskID), updated, 0).Err()
			}
		}
	}

	return s.client.ZAdd(ctx, redisPendingKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: taskID,
	}).Err()
}

// RequeueExpired moves timed-out claims back to the pending set.
func (s *RedisStore) RequeueExpired(ctx context.Context) (int, error) {
	return s.requeueExpired(ctx, time.Now())
}

func (s *RedisStore) requeueExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, redisProcessingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	var requeued int
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, redisProcessingKey, id).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := s.client.ZAdd(ctx, redisPendingKey, redis.Z{
			Score:  float64(now.Unix()),
			Member: id,
		}).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Pending returns the size of the pending set.
func (s *RedisStore) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, redisPendingKey).Result()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
