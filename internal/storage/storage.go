// Package storage は入力・成果物を保存するオブジェクトストレージの抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidKey は保存先キーが不正なときに返されます。
var ErrInvalidKey = errors.New("storage: invalid key")

// Client はオブジェクトの保存と、期限付き取得URLの発行を担います。
// Put が返す ref は RetrievalURL にそのまま渡せる不透明な参照です。
type Client interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	RetrievalURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// CleanKey はキーを正規化し、ストレージの外を指すキーを拒否します。
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "\\") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// InputKey はアップロードされた入力の保存先キーです。
func InputKey(userID, jobID string, index int, ext string) string {
	return "inputs/" + userID + "/" + jobID + "/" + strconv.Itoa(index) + ext
}
