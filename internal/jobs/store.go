package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobStore はジョブの永続化を担います。Update は読み取りから書き込みまでをアトミックに行い、
// Patch.Apply が返したエラーはそのまま呼び出し元へ返します。
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByUser(ctx context.Context, userID string) ([]*Job, error)
	Update(ctx context.Context, jobID string, patch Patch) (*Job, error)
}

const (
	jobKeyPrefix     = "job:"
	userJobsPrefix   = "jobs:user:"
	maxUpdateRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 ならレコードは失効しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しいジョブを保存します。同じIDが既にあれば ErrAlreadyExists を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	indexKey := userJobsKey(job.UserID)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, indexKey, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByUser はユーザーのジョブを新しい順に返します。失効したレコードは飛ばします。
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, userJobsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, userJobsKey(userID), stale...).Err()
	}
	return jobs, nil
}

// Update は WATCH による楽観ロックで patch を適用します。
func (s *RedisStore) Update(ctx context.Context, jobID string, patch Patch) (*Job, error) {
	key := jobKey(jobID)
	var updated *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := patch.Apply(&job, s.now()); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if s.ttl > 0 {
				pipe.Set(ctx, key, payload, s.ttl)
			} else {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &job
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", jobID)
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func userJobsKey(userID string) string {
	return userJobsPrefix + userID
}
