package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound はジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists は同じIDのジョブが既に存在することを表します。
	ErrAlreadyExists = errors.New("job already exists")
	// ErrTerminal は終了状態のジョブを更新しようとしたことを表します。
	ErrTerminal = errors.New("job is already in a terminal state")
	// ErrInvalidTransition は許可されていない状態遷移を表します。
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrProgressRegression は進捗を巻き戻そうとしたことを表します。
	ErrProgressRegression = errors.New("progress cannot move backwards")
	// ErrProgressRange は 0〜100 の範囲外の進捗を表します。
	ErrProgressRange = errors.New("progress must be between 0 and 100")
)

// CanTransition は from から to への遷移が許可されているかを返します。
// 同じ状態への遷移（processing の再配信など）は終了状態以外で許可します。
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Patch はジョブへの部分更新です。JobStore は読み取りから書き込みまでを
// アトミックに行い、その間に Apply で不変条件を検証します。
type Patch struct {
	Status    Status
	Progress  *int
	OutputRef string
	Error     *ErrorInfo
	LastError *ErrorInfo
	Attempt   int
	Meta      map[string]any
}

// Apply は patch を job に適用します。不変条件に反する場合は job を変更せずにエラーを返します。
func (p Patch) Apply(job *Job, now time.Time) error {
	if job.Status.Terminal() {
		return ErrTerminal
	}

	next := *job
	if p.Status != "" {
		if !CanTransition(job.Status, p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, p.Status)
		}
		next.Status = p.Status
	}

	if p.Progress != nil {
		v := *p.Progress
		if v < 0 || v > 100 {
			return ErrProgressRange
		}
		if v < job.Progress {
			return fmt.Errorf("%w: %d -> %d", ErrProgressRegression, job.Progress, v)
		}
		if v == 100 && next.Status != StatusCompleted {
			return fmt.Errorf("%w: progress 100 is reserved for completion", ErrInvalidTransition)
		}
		if next.Status == StatusPending && v > 0 {
			return fmt.Errorf("%w: pending job cannot report progress", ErrInvalidTransition)
		}
		next.Progress = v
	}

	if p.Attempt > next.Attempts {
		next.Attempts = p.Attempt
	}
	if p.LastError != nil {
		next.LastError = p.LastError
	}
	if p.Meta != nil {
		next.Meta = p.Meta
	}

	switch next.Status {
	case StatusProcessing:
		if next.StartedAt == nil {
			started := now
			next.StartedAt = &started
		}
	case StatusCompleted:
		if p.OutputRef == "" {
			return fmt.Errorf("%w: completed job requires an output reference", ErrInvalidTransition)
		}
		next.OutputRef = p.OutputRef
		next.Progress = 100
		next.Error = nil
		completed := now
		next.CompletedAt = &completed
	case StatusFailed:
		if p.Error == nil {
			return fmt.Errorf("%w: failed job requires an error", ErrInvalidTransition)
		}
		next.Error = p.Error
		next.OutputRef = ""
		completed := now
		next.CompletedAt = &completed
	}
	if p.OutputRef != "" && next.Status != StatusCompleted {
		return fmt.Errorf("%w: output reference is only set on completion", ErrInvalidTransition)
	}

	next.UpdatedAt = now
	*job = next
	return nil
}

// PickupPatch はワーカーがジョブを受け取ったときの更新です。
func PickupPatch(attempt int) Patch {
	return Patch{Status: StatusProcessing, Attempt: attempt}
}

// ProgressPatch は進捗の更新です。
func ProgressPatch(percent int) Patch {
	return Patch{Progress: &percent}
}

// CompletedPatch は成功時の更新です。
func CompletedPatch(outputRef string, meta map[string]any) Patch {
	return Patch{Status: StatusCompleted, OutputRef: outputRef, Meta: meta}
}

// FailedPatch は最終的な失敗の更新です。
func FailedPatch(info *ErrorInfo) Patch {
	return Patch{Status: StatusFailed, Error: info}
}

// RetryPatch は再配信される失敗の記録です。状態は processing のまま変えません。
func RetryPatch(info *ErrorInfo, attempt int) Patch {
	return Patch{LastError: info, Attempt: attempt}
}
