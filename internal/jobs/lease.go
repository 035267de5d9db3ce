package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld は別のワーカーが同じジョブを実行中であることを表します。
var ErrLeaseHeld = errors.New("job lease is held by another worker")

const leaseKeyPrefix = "job:lease:"

// Locker はジョブ1件あたり同時に1ワーカーだけが実行するための排他です。
type Locker interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (release func(), err error)
}

// RedisLocker は SET NX PX によるリースです。TTL が切れればワーカーが落ちても解放されます。
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker は RedisLocker を作成します。
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// 自分が取得したリースだけを削除する
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, jobID string, ttl time.Duration) (func(), error) {
	key := leaseKeyPrefix + jobID
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return func() {
		// 実行コンテキストが切れていても解放できるよう独立したコンテキストを使う
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
	}, nil
}
