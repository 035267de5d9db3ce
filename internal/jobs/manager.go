package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/fippo/internal/convert"
)

const (
	// TaskTypeConversion は変換タスクの asynq タスク種別です。
	TaskTypeConversion = "conversion:run"
	// QueueName は変換タスクを積む asynq キューです。
	QueueName = "conversion"
)

// Enqueuer は記述子をキューに積みます。
type Enqueuer interface {
	Enqueue(ctx context.Context, d Descriptor) error
}

// Queue は asynq クライアントによる Enqueuer の実装です。
// タスクIDにジョブIDを使うため、同じジョブの二重投入は asynq.ErrTaskIDConflict になります。
type Queue struct {
	client      *asynq.Client
	maxRetry    int
	taskTimeout time.Duration
}

// NewQueue は Queue を作成します。taskTimeout は1回の配信全体の上限で、変換時間の上限より長く取ります。
func NewQueue(opt asynq.RedisConnOpt, maxRetry int, taskTimeout time.Duration) *Queue {
	return &Queue{
		client:      asynq.NewClient(opt),
		maxRetry:    maxRetry,
		taskTimeout: taskTimeout,
	}
}

// Enqueue は記述子をキューに投入します。
func (q *Queue) Enqueue(ctx context.Context, d Descriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.TaskID(d.JobID),
		asynq.MaxRetry(q.maxRetry),
	}
	if q.taskTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.taskTimeout))
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeConversion, body), opts...)
	return err
}

// Close はクライアントを閉じます。
func (q *Queue) Close() error {
	return q.client.Close()
}

// EstimatedDuration は受付から完了までの見込み時間です。
const EstimatedDuration = 5 * time.Minute

// Manager はジョブの受付と参照を担います。
type Manager struct {
	store  JobStore
	queue  Enqueuer
	logger *log.Logger
	now    func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(store JobStore, queue Enqueuer, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if queue == nil {
		return nil, errors.New("queue is nil")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[jobs] ", log.LstdFlags)
	}
	return &Manager{
		store:  store,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewJobID は新しいジョブIDを発行します。入力の保存先キーに使うため、Submit より先に呼びます。
func (m *Manager) NewJobID() string {
	return uuid.NewString()
}

// SubmitRequest は受付時の情報です。
type SubmitRequest struct {
	Descriptor
	InputNames []string
}

// Submit はジョブを pending で作成してからキューに投入します。
// 投入に失敗したジョブは EnqueueError で failed にし、エラーを返します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	d := req.Descriptor
	if err := d.Validate(); err != nil {
		return nil, err
	}

	eta := m.now().Add(EstimatedDuration)
	job := &Job{
		ID:                  d.JobID,
		UserID:              d.UserID,
		Type:                d.Type,
		Status:              StatusPending,
		InputRef:            d.InputRef,
		InputNames:          req.InputNames,
		CreditsUsed:         d.Type.Credits(),
		EstimatedCompletion: &eta,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := m.queue.Enqueue(ctx, d); err != nil {
		info := &ErrorInfo{Kind: convert.KindEnqueue, Message: "failed to enqueue conversion"}
		if _, uerr := m.store.Update(ctx, d.JobID, FailedPatch(info)); uerr != nil {
			m.logger.Printf("failed to mark job failed after enqueue error job=%s: %v", d.JobID, uerr)
		}
		m.logger.Printf("enqueue failed job=%s: %v", d.JobID, err)
		return nil, convert.NewError(convert.KindEnqueue, "failed to enqueue conversion", err)
	}

	m.logger.Printf("job submitted job=%s type=%s user=%s inputs=%d", d.JobID, d.Type, d.UserID, len(d.InputRef))
	return job, nil
}

// Get はユーザーのジョブを返します。他のユーザーのジョブは ErrNotFound です。
func (m *Manager) Get(ctx context.Context, userID, jobID string) (*Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

// List はユーザーのジョブを新しい順に返します。
func (m *Manager) List(ctx context.Context, userID string) ([]*Job, error) {
	return m.store.ListByUser(ctx, userID)
}

// PoolOptions は WorkerPool の設定です。
type PoolOptions struct {
	Concurrency     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ShutdownTimeout time.Duration
	Logger          *log.Logger
}

// Pool は asynq サーバーで Worker を並行実行するワーカープールです。
type Pool struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *log.Logger
}

// NewPool は Pool を作成します。
func NewPool(opt asynq.RedisConnOpt, worker *Worker, opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[pool] ", log.LstdFlags)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	p := &Pool{mux: asynq.NewServeMux(), logger: logger}
	p.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues: map[string]int{
			QueueName: 1,
		},
		RetryDelayFunc: RetryDelay(opts.BackoffBase, opts.BackoffMax),
		// リース待ちは失敗回数に数えない
		IsFailure: func(err error) bool {
			return !errors.Is(err, ErrLeaseHeld)
		},
		ErrorHandler:    asynq.ErrorHandlerFunc(p.handleError),
		ShutdownTimeout: opts.ShutdownTimeout,
	})
	p.mux.Handle(TaskTypeConversion, worker)
	return p
}

// Start はサーバーをバックグラウンドで起動します。
func (p *Pool) Start() error {
	return p.server.Start(p.mux)
}

// Shutdown は実行中のタスクの終了を待ってから停止します。
func (p *Pool) Shutdown() {
	p.server.Shutdown()
}

// RetryDelay は base<<n を limit で頭打ちにする指数バックオフです。
func RetryDelay(base, limit time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = 10 * time.Second
	}
	if limit < base {
		limit = base
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		if n > 30 {
			return limit
		}
		d := base << n
		if d <= 0 || d > limit {
			return limit
		}
		return d
	}
}

// handleError はアーカイブ（デッドレター）行きになったタスクを記録し、Sentry に送ります。
func (p *Pool) handleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if !errors.Is(err, asynq.SkipRetry) && retried < maxRetry {
		return
	}

	var d Descriptor
	_ = json.Unmarshal(task.Payload(), &d)
	kind := convert.KindOf(err)
	p.logger.Printf("task archived job=%s type=%s kind=%s retried=%d: %v", d.JobID, d.Type, kind, retried, err)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", d.JobID)
		scope.SetTag("type", string(d.Type))
		scope.SetTag("kind", string(kind))
		scope.SetExtra("retried", retried)
		sentry.CaptureException(err)
	})
}
