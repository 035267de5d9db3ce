package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

var (
	// ErrSignatureExpired は署名付きURLの有効期限切れを表します。
	ErrSignatureExpired = errors.New("storage: signature expired")
	// ErrSignatureInvalid は署名が一致しないことを表します。
	ErrSignatureInvalid = errors.New("storage: signature invalid")
)

// Local はローカルファイルシステムに保存し、HMAC署名付きURLで配信する開発用の実装です。
type Local struct {
	dir     string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewLocal は Local ストレージを初期化します。baseURL は /blobs を配信するAPIの公開URLです。
func NewLocal(dir, baseURL string, signingKey []byte) (*Local, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	if len(signingKey) == 0 {
		return nil, errors.New("signing key is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     signingKey,
		now:     time.Now,
	}, nil
}

// Put は一時ファイルに書き込んでから rename し、途中まで書かれたオブジェクトが見えないようにします。
func (l *Local) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	written, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return "", fmt.Errorf("failed to write object: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to write object: %w", closeErr)
	}
	if size >= 0 && written != size {
		return "", fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("failed to commit object: %w", err)
	}
	return key, nil
}

// RetrievalURL は expiry 後に失効する署名付きURLを返します。
func (l *Local) RetrievalURL(_ context.Context, ref string, expiry time.Duration) (string, error) {
	key, err := CleanKey(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(l.path(key)); err != nil {
		return "", fmt.Errorf("object %s: %w", key, err)
	}
	expires := l.now().Add(expiry).Unix()

	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(key, expires))
	return l.baseURL + "/blobs/" + strings.Join(segments, "/") + "?" + q.Encode(), nil
}

// Verify は署名付きURLのクエリを検証します。
func (l *Local) Verify(ref, expiresParam, sig string) error {
	key, err := CleanKey(ref)
	if err != nil {
		return err
	}
	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(l.sign(key, expires))) {
		return ErrSignatureInvalid
	}
	if l.now().Unix() > expires {
		return ErrSignatureExpired
	}
	return nil
}

// Handler は GET /blobs/*key のハンドラーを返します。
func (l *Local) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := strings.TrimPrefix(c.Param("key"), "/")
		if err := l.Verify(ref, c.Query("expires"), c.Query("sig")); err != nil {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "URLの有効期限が切れているか、署名が正しくありません。",
			})
			return
		}
		key, _ := CleanKey(ref)
		objectPath := l.path(key)
		mtype, err := mimetype.DetectFile(objectPath)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NOT_FOUND",
				"message": "ファイルが見つかりません。",
			})
			return
		}
		c.Header("Content-Type", mtype.String())
		c.File(objectPath)
	}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.dir, filepath.FromSlash(key))
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
