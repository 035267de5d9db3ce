// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevSigningKey はローカル開発用の署名鍵です。release モードでは使用できません。
const DevSigningKey = "fippo-dev-signing-key"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// 認証設定
	SessionSecret string            // セッション署名用の秘密鍵
	AppUsers      map[string]string // ユーザー名 -> bcryptハッシュ

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize   int64 // 単一ファイルの最大サイズ（バイト）
	MaxMergeFiles int   // 結合できるファイル数の上限

	// ジョブ/キュー設定
	QueueRedisURL     string        // Asynq用Redis接続URL
	WorkerConcurrency int           // 同時に実行する変換数
	QueueMaxRetry     int           // キューの再配信回数
	QueueBackoffBase  time.Duration // 再配信の基準待ち時間
	QueueBackoffMax   time.Duration // 再配信待ち時間の上限
	ConversionTimeout time.Duration // 1回の変換試行あたりの制限時間
	JobStore          string        // redis または postgres
	DatabaseURL       string        // JOB_STORE=postgres のときの接続先
	JobRecordTTL      time.Duration // Redisに保存するジョブレコードの有効期限（0なら無期限）

	// 変換ツール設定
	WorkDir         string // ジョブごとの作業ディレクトリの親
	SofficePath     string // LibreOffice 実行ファイルのパス
	GhostscriptPath string // Ghostscript実行ファイルのパス
	CompressPreset  string // standard または aggressive

	// ストレージ設定
	StorageBackend    string        // local または s3
	SignedURLExpiry   time.Duration // 入力取得用署名URLの有効期限
	LocalStorageDir   string        // local バックエンドの保存先
	StorageSigningKey string        // local バックエンドの署名鍵
	PublicBaseURL     string        // 署名URLに使うAPIの公開URL
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// エラー通知
	SentryDSN         string
	SentryEnvironment string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	users, err := parseUsers(getEnv("APP_USERS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		SessionSecret: getEnv("SESSION_SECRET", ""),
		AppUsers:      users,

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize:   getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB
		MaxMergeFiles: getEnvAsInt("MAX_MERGE_FILES", 5),

		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueMaxRetry:     getEnvAsInt("QUEUE_MAX_RETRY", 3),
		QueueBackoffBase:  getEnvAsDuration("QUEUE_BACKOFF_BASE", 10*time.Second),
		QueueBackoffMax:   getEnvAsDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),
		ConversionTimeout: getEnvAsDuration("CONVERSION_TIMEOUT", 5*time.Minute),
		JobStore:          getEnv("JOB_STORE", "redis"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		JobRecordTTL:      getEnvAsDuration("JOB_RECORD_TTL", 0),

		WorkDir:         getEnv("WORK_DIR", filepath.Join(os.TempDir(), "fippo")),
		SofficePath:     getEnv("SOFFICE_PATH", "soffice"),
		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", "gs"),
		CompressPreset:  getEnv("COMPRESS_PRESET", "standard"),

		StorageBackend:    getEnv("STORAGE_BACKEND", "local"),
		SignedURLExpiry:   getEnvAsDuration("SIGNED_URL_EXPIRY", 10*time.Minute),
		LocalStorageDir:   getEnv("LOCAL_STORAGE_DIR", "./data/blobs"),
		StorageSigningKey: getEnv("STORAGE_SIGNING_KEY", DevSigningKey),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.QueueMaxRetry < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRY must not be negative")
	}
	if c.ConversionTimeout <= 0 {
		return fmt.Errorf("CONVERSION_TIMEOUT must be positive")
	}
	if c.MaxMergeFiles < 2 {
		return fmt.Errorf("MAX_MERGE_FILES must be at least 2")
	}

	switch c.JobStore {
	case "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("JOB_STORE must be redis or postgres (received: %s)", c.JobStore)
	}

	switch c.StorageBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or s3 (received: %s)", c.StorageBackend)
	}

	switch c.CompressPreset {
	case "standard", "aggressive":
	default:
		return fmt.Errorf("COMPRESS_PRESET must be standard or aggressive (received: %s)", c.CompressPreset)
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if len(c.AppUsers) == 0 {
			return fmt.Errorf("APP_USERS is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.StorageBackend == "local" && c.StorageSigningKey == DevSigningKey {
			return fmt.Errorf("STORAGE_SIGNING_KEY is required in release mode")
		}
	}

	return nil
}

// parseUsers は "user:hash,user2:hash2" 形式の文字列を解釈します。
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(hash) == "" {
			return nil, fmt.Errorf("APP_USERS entry must be user:bcrypt-hash (received: %q)", entry)
		}
		users[strings.TrimSpace(name)] = strings.TrimSpace(hash)
	}
	return users, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" や "5m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
