package convert

import (
	"context"
	"fmt"
	"sync"
)

// Request は1件の変換依頼です。
type Request struct {
	JobID  string
	UserID string
	Type   Type
	Inputs []string // ストレージ上の入力参照。結合では結合順
}

// Converter は入力参照を取得し、変換し、成果物を保存して参照を返します。
// progress には 0〜99 の値だけを渡し、100 は呼び出し側が完了時に記録します。
type Converter interface {
	Convert(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)
}

// ConverterFunc は関数を Converter として扱うためのアダプタです。
type ConverterFunc func(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)

func (f ConverterFunc) Convert(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	return f(ctx, req, progress)
}

// Registry は変換種別から Converter を引く閉じたディスパッチ表です。
type Registry struct {
	mu         sync.RWMutex
	converters map[Type]Converter
}

// NewRegistry は空の Registry を返します。
func NewRegistry() *Registry {
	return &Registry{converters: make(map[Type]Converter)}
}

// NewDefaultRegistry はサポート対象の全種別を p で処理する Registry を返します。
func NewDefaultRegistry(p *Pipeline) (*Registry, error) {
	r := NewRegistry()
	for _, t := range Types() {
		c, ok := p.Converter(t)
		if !ok {
			return nil, fmt.Errorf("pipeline has no converter for %s", t)
		}
		r.Register(t, c)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register は t の Converter を登録します。既存の登録は置き換えます。
func (r *Registry) Register(t Type, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[t] = c
}

// Lookup は t に対応する Converter を返します。
func (r *Registry) Lookup(t Type) (Converter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[t]
	return c, ok
}

// Validate はサポート対象の全種別が登録済みであることを確認します。起動時に呼びます。
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range Types() {
		if _, ok := r.converters[t]; !ok {
			return fmt.Errorf("no converter registered for %s", t)
		}
	}
	return nil
}
