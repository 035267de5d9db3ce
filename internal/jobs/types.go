package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yourusername/fippo/internal/convert"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態かどうかを返します。終了状態のジョブは二度と変化しません。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    convert.Kind `json:"kind"`
	Message string       `json:"message"`
}

// ErrorInfoFrom は変換エラーを ErrorInfo に変換します。
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: convert.KindOf(err), Message: convert.MessageOf(err)}
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID          string         `json:"jobId"`
	UserID      string         `json:"userId"`
	Type        convert.Type   `json:"type"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	InputRef    InputRefs      `json:"inputRef"`
	InputNames  []string       `json:"inputNames,omitempty"`
	OutputRef   string         `json:"outputRef,omitempty"`
	CreditsUsed int            `json:"creditsUsed"`
	Attempts    int            `json:"attempts"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	LastError   *ErrorInfo     `json:"lastError,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	// EstimatedCompletion は受付時点での完了見込みです。
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// Descriptor はキューに積まれる変換依頼です。ジョブ本体は JobStore にあり、
// キューはこの記述子だけを運びます。
type Descriptor struct {
	JobID    string       `json:"jobId" validate:"required"`
	UserID   string       `json:"userId" validate:"required"`
	Type     convert.Type `json:"type" validate:"required"`
	InputRef InputRefs    `json:"inputRef" validate:"required,min=1,dive,required"`
}

// ErrMergeInputs は結合ジョブの入力が2件未満のときに返されます。
var ErrMergeInputs = errors.New("pdf-merge requires at least two inputs")

var validate = validator.New()

// Validate は記述子の必須項目と入力数を検証します。
// 未知の種別はここでは拒否せず、ワーカーが UnknownConverterError として記録します。
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	if d.Type == convert.TypePDFMerge && len(d.InputRef) < 2 {
		return ErrMergeInputs
	}
	if d.Type.Known() && !d.Type.AcceptsInputs(len(d.InputRef)) {
		return fmt.Errorf("invalid descriptor: %s does not accept %d inputs", d.Type, len(d.InputRef))
	}
	return nil
}

// Request は変換パイプラインへの依頼に変換します。
func (d Descriptor) Request() convert.Request {
	return convert.Request{
		JobID:  d.JobID,
		UserID: d.UserID,
		Type:   d.Type,
		Inputs: append([]string(nil), d.InputRef...),
	}
}

// InputRefs は入力参照の並びです。JSON では1件なら文字列、複数なら配列で表します。
type InputRefs []string

func (r InputRefs) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *InputRefs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = InputRefs{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("inputRef must be a string or an array of strings: %w", err)
	}
	*r = many
	return nil
}
