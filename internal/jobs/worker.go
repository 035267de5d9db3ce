// Package jobs は変換ジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/fippo/internal/convert"
)

// ConverterLookup は変換種別から Converter を引きます。*convert.Registry が実装します。
type ConverterLookup interface {
	Lookup(t convert.Type) (convert.Converter, bool)
}

// Attempt は配信回数の情報です。
type Attempt struct {
	Retried  int
	MaxRetry int
}

// Number は1始まりの試行番号です。
func (a Attempt) Number() int { return a.Retried + 1 }

// Final はこれが最後の試行かどうかを返します。
func (a Attempt) Final() bool { return a.Retried >= a.MaxRetry }

// attemptFromContext は asynq が付与した再試行情報を読み取ります。
// 情報がない場合（キューを経由しない実行）は最後の試行として扱います。
func attemptFromContext(ctx context.Context) Attempt {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return Attempt{}
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return Attempt{}
	}
	return Attempt{Retried: retried, MaxRetry: maxRetry}
}

// WorkerOptions は Worker の初期化パラメータです。
type WorkerOptions struct {
	Store      JobStore
	Converters ConverterLookup
	Locker     Locker
	Timeout    time.Duration // 1回の試行の制限時間
	LeaseTTL   time.Duration
	Logger     *log.Logger
}

// Worker はキューから受け取った記述子を1件ずつ実行します。
type Worker struct {
	store      JobStore
	reporter   *ProgressReporter
	converters ConverterLookup
	locker     Locker
	timeout    time.Duration
	leaseTTL   time.Duration
	logger     *log.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Converters == nil {
		return nil, errors.New("converters is nil")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.LeaseTTL <= opts.Timeout {
		opts.LeaseTTL = opts.Timeout + time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[worker] ", log.LstdFlags)
	}
	return &Worker{
		store:      opts.Store,
		reporter:   NewProgressReporter(opts.Store),
		converters: opts.Converters,
		locker:     opts.Locker,
		timeout:    opts.Timeout,
		leaseTTL:   opts.LeaseTTL,
		logger:     logger,
	}, nil
}

// ProcessTask は asynq.Handler の実装です。
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var d Descriptor
	if err := json.Unmarshal(task.Payload(), &d); err != nil {
		return fmt.Errorf("decode descriptor: %v: %w", err, asynq.SkipRetry)
	}
	return w.Execute(ctx, d, attemptFromContext(ctx))
}

// Execute は1件の記述子を実行します。
//
// 終了状態のジョブへの再配信は何もせずに成功扱いにします。
// 失敗は、再試行しても変わらないエラーか最後の試行なら failed として確定し、
// それ以外は lastError を記録して processing のままエラーを返し、再配信に任せます。
func (w *Worker) Execute(ctx context.Context, d Descriptor, attempt Attempt) error {
	job, err := w.store.Get(ctx, d.JobID)
	if errors.Is(err, ErrNotFound) {
		w.logger.Printf("job record missing, dropping task job=%s", d.JobID)
		return fmt.Errorf("job %s: %w: %w", d.JobID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", d.JobID, err)
	}
	if job.Status.Terminal() {
		w.logger.Printf("job already %s, skipping redelivery job=%s", job.Status, d.JobID)
		return nil
	}

	release, err := w.locker.Acquire(ctx, d.JobID, w.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease job=%s: %w", d.JobID, err)
	}
	defer release()

	if _, err := w.reporter.Start(ctx, d.JobID, attempt.Number()); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return fmt.Errorf("mark processing job=%s: %w", d.JobID, err)
	}
	w.logger.Printf("job started job=%s type=%s attempt=%d", d.JobID, d.Type, attempt.Number())

	conv, ok := w.converters.Lookup(d.Type)
	if !ok {
		return w.fail(ctx, d, convert.UnknownConverter(d.Type), attempt)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result, err := w.convert(runCtx, conv, d)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut && convert.KindOf(err) != convert.KindTimeout {
			err = convert.NewError(convert.KindTimeout, fmt.Sprintf("conversion exceeded %s", w.timeout), err)
		}
		return w.fail(ctx, d, err, attempt)
	}

	if _, err := w.reporter.Complete(ctx, d.JobID, result.OutputRef, result.Meta); err != nil {
		return fmt.Errorf("mark completed job=%s: %w", d.JobID, err)
	}
	w.logger.Printf("job completed job=%s output=%s", d.JobID, result.OutputRef)
	return nil
}

func (w *Worker) convert(ctx context.Context, conv convert.Converter, d Descriptor) (result *convert.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = convert.NewError(convert.KindInternal, fmt.Sprintf("converter panicked: %v", r), nil)
		}
	}()

	progress := func(percent int) {
		if err := w.reporter.Report(ctx, d.JobID, percent); err != nil {
			// 再配信で前回より小さい進捗が来るのは想定どおり
			if errors.Is(err, ErrProgressRegression) {
				return
			}
			w.logger.Printf("failed to update progress job=%s: %v", d.JobID, err)
		}
	}

	result, err = conv.Convert(ctx, d.Request(), progress)
	if err == nil && (result == nil || result.OutputRef == "") {
		err = convert.NewError(convert.KindInternal, "converter returned no output reference", nil)
	}
	return result, err
}

func (w *Worker) fail(ctx context.Context, d Descriptor, cause error, attempt Attempt) error {
	// シャットダウンによる中断は失敗として記録せず、再配信に任せる
	if ctx.Err() != nil {
		w.reporter.forget(d.JobID)
		return cause
	}

	info := ErrorInfoFrom(cause)
	permanent := convert.IsPermanent(cause)
	if !permanent && !attempt.Final() {
		if _, err := w.reporter.Retry(ctx, d.JobID, info, attempt.Number()); err != nil {
			w.logger.Printf("failed to record retry job=%s: %v", d.JobID, err)
		}
		w.logger.Printf("job attempt failed, will retry job=%s attempt=%d kind=%s: %v", d.JobID, attempt.Number(), info.Kind, cause)
		return cause
	}

	if _, err := w.reporter.Fail(ctx, d.JobID, info); err != nil && !errors.Is(err, ErrTerminal) {
		w.logger.Printf("failed to mark job failed job=%s: %v", d.JobID, err)
		return fmt.Errorf("%w (mark failed: %v)", cause, err)
	}
	w.logger.Printf("job failed job=%s kind=%s: %v", d.JobID, info.Kind, cause)
	if permanent {
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	return cause
}
