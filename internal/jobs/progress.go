package jobs

import (
	"context"
	"sync"
)

// ProgressReporter はジョブの状態・進捗を JobStore に書き込む唯一の窓口です。
// 進捗はジョブごとに単調増加で、巻き戻しは ErrProgressRegression で拒否します。
type ProgressReporter struct {
	store JobStore

	mu   sync.Mutex
	last map[string]int
}

// NewProgressReporter は ProgressReporter を作成します。
func NewProgressReporter(store JobStore) *ProgressReporter {
	return &ProgressReporter{
		store: store,
		last:  make(map[string]int),
	}
}

// Start はジョブを processing にします。startedAt は最初の受け取り時だけ記録されます。
func (r *ProgressReporter) Start(ctx context.Context, jobID string, attempt int) (*Job, error) {
	job, err := r.store.Update(ctx, jobID, PickupPatch(attempt))
	if err != nil {
		return nil, err
	}
	r.remember(jobID, job.Progress)
	return job, nil
}

// Report は進捗を記録します。0〜100 の範囲外や前回値より小さい値は拒否します。
func (r *ProgressReporter) Report(ctx context.Context, jobID string, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrProgressRange
	}
	r.mu.Lock()
	if last, ok := r.last[jobID]; ok && percent < last {
		r.mu.Unlock()
		return ErrProgressRegression
	}
	r.mu.Unlock()

	job, err := r.store.Update(ctx, jobID, ProgressPatch(percent))
	if err != nil {
		return err
	}
	r.remember(jobID, job.Progress)
	return nil
}

// Complete は成果物の参照とともにジョブを completed にします。
func (r *ProgressReporter) Complete(ctx context.Context, jobID, outputRef string, meta map[string]any) (*Job, error) {
	defer r.forget(jobID)
	return r.store.Update(ctx, jobID, CompletedPatch(outputRef, meta))
}

// Fail はジョブを failed にします。
func (r *ProgressReporter) Fail(ctx context.Context, jobID string, info *ErrorInfo) (*Job, error) {
	defer r.forget(jobID)
	return r.store.Update(ctx, jobID, FailedPatch(info))
}

// Retry は再配信される失敗を記録します。ジョブは processing のままです。
func (r *ProgressReporter) Retry(ctx context.Context, jobID string, info *ErrorInfo, attempt int) (*Job, error) {
	defer r.forget(jobID)
	return r.store.Update(ctx, jobID, RetryPatch(info, attempt))
}

func (r *ProgressReporter) remember(jobID string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if percent > r.last[jobID] {
		r.last[jobID] = percent
		return
	}
	if _, ok := r.last[jobID]; !ok {
		r.last[jobID] = percent
	}
}

func (r *ProgressReporter) forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, jobID)
}
