package convert

import (
	"errors"
	"fmt"
)

// Kind は変換失敗の分類です。ジョブの error.kind にそのまま記録されます。
type Kind string

const (
	KindUnknownConverter Kind = "UnknownConverterError"
	KindInvalidInput     Kind = "InvalidInputError"
	KindFetch            Kind = "FetchError"
	KindConversionTool   Kind = "ConversionToolError"
	KindUpload           Kind = "UploadError"
	KindTimeout          Kind = "ConversionTimeout"
	KindEnqueue          Kind = "EnqueueError"
	KindInternal         Kind = "InternalError"
)

// Error は分類付きの変換エラーです。
type Error struct {
	Kind      Kind
	Message   string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func permanentError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Permanent: true, Err: err}
}

// NewError は分類付きのエラーを生成します。
func NewError(kind Kind, message string, err error) error {
	return newError(kind, message, err)
}

// UnknownConverter は未登録の種別に対するエラーを返します。再試行しても成功しません。
func UnknownConverter(t Type) error {
	return permanentError(KindUnknownConverter, fmt.Sprintf("no converter registered for type %q", t), nil)
}

// KindOf はエラーの分類を返します。分類がなければ InternalError です。
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindInternal
}

// MessageOf はユーザーに見せてよいエラーメッセージを返します。
func MessageOf(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsPermanent は再試行しても結果が変わらないエラーかどうかを返します。
func IsPermanent(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Permanent
}
