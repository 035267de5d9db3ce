package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fippo/internal/bootstrap"
	"github.com/yourusername/fippo/internal/config"
	"github.com/yourusername/fippo/internal/jobs"
	"github.com/yourusername/fippo/internal/storage"
)

// jobsDeps は変換APIが使う依存関係です。
type jobsDeps struct {
	manager *jobs.Manager
	blobs   storage.Client
	local   *storage.Local // STORAGE_BACKEND=local のときだけ設定される
	closers []func()
}

func (d *jobsDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func setupJobs(ctx context.Context, cfg *config.Config) (*jobsDeps, error) {
	deps := &jobsDeps{}

	rdb, err := bootstrap.RedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps.closers = append(deps.closers, func() { _ = rdb.Close() })

	store, closeStore, err := bootstrap.OpenJobStore(ctx, cfg, rdb)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.closers = append(deps.closers, closeStore)

	connOpt, err := bootstrap.QueueConnOpt(cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}
	// 変換全体の上限に、リース取得や状態更新の分の余裕を加える
	queue := jobs.NewQueue(connOpt, cfg.QueueMaxRetry, cfg.ConversionTimeout+2*cfg.SignedURLExpiry)
	deps.closers = append(deps.closers, func() { _ = queue.Close() })

	deps.manager, err = jobs.NewManager(store, queue, log.Default())
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.blobs, deps.local, err = bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

// registerJobRoutes は変換・ジョブ参照のルートを登録します。
func registerJobRoutes(protected *gin.RouterGroup, deps *jobsDeps, cfg *config.Config) {
	opts := jobs.HandlerOptions{
		MaxFileSize:    cfg.MaxFileSize,
		MaxMergeFiles:  cfg.MaxMergeFiles,
		DownloadExpiry: cfg.SignedURLExpiry,
	}
	protected.POST("/convert/:type", jobs.ConvertHandler(deps.manager, deps.blobs, opts))
	protected.GET("/jobs", jobs.ListHandler(deps.manager))
	protected.GET("/jobs/:id", jobs.StatusHandler(deps.manager))
	protected.GET("/jobs/:id/download", jobs.DownloadHandler(deps.manager, deps.blobs, opts))
}
