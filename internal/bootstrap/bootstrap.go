// Package bootstrap は API サーバーとワーカーが共有する依存関係の組み立てを行います。
package bootstrap

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/fippo/internal/config"
	"github.com/yourusername/fippo/internal/jobs"
	"github.com/yourusername/fippo/internal/storage"
)

// Version はビルド時に -ldflags で上書きされます。
var Version = "0.1.0"

// QueueConnOpt は QUEUE_REDIS_URL から asynq の接続設定を作ります。
func QueueConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	return opt, nil
}

// RedisClient は QUEUE_REDIS_URL に接続する go-redis クライアントを作ります。
// ジョブレコードとリースはキューと同じ Redis に置きます。
func RedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// OpenJobStore は JOB_STORE に応じた JobStore を返します。
// postgres の場合は起動時にマイグレーションを適用します。戻り値の関数で接続を閉じます。
func OpenJobStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (jobs.JobStore, func(), error) {
	switch cfg.JobStore {
	case "postgres":
		if err := jobs.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate job store: %w", err)
		}
		store, err := jobs.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis", "":
		return jobs.NewRedisStore(rdb, cfg.JobRecordTTL), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown job store: %s", cfg.JobStore)
	}
}

// OpenStorage は STORAGE_BACKEND に応じたストレージを返します。
// local の場合は /blobs を配信するために *storage.Local も返します（s3 では nil）。
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Client, *storage.Local, error) {
	switch cfg.StorageBackend {
	case "s3":
		s3, err := storage.NewS3(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	case "local", "":
		local, err := storage.NewLocal(cfg.LocalStorageDir, cfg.PublicBaseURL, []byte(cfg.StorageSigningKey))
		if err != nil {
			return nil, nil, err
		}
		return local, local, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

// InitSentry は Sentry を初期化します。DSN が空なら送信は行われません。
func InitSentry(cfg *config.Config, service string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     service + "@" + Version,
	})
}
