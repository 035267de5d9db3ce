package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/fippo/internal/auth"
	"github.com/yourusername/fippo/internal/convert"
	"github.com/yourusername/fippo/internal/storage"
)

// HandlerOptions はアップロード制限などの設定です。
type HandlerOptions struct {
	MaxFileSize    int64
	MaxMergeFiles  int
	DownloadExpiry time.Duration
}

// apiError はHTTPレスポンスに変換されるエラーです。
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(code, message string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: code, message: message}
}

// ConvertHandler は POST /api/convert/:type のハンドラーを返します。
// 入力をストレージに保存してからジョブを投入し、202 でジョブIDを返します。
func ConvertHandler(m *Manager, blobs storage.Client, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		t := convert.Type(c.Param("type"))
		if !t.Known() {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "UNSUPPORTED_TYPE",
				"message": fmt.Sprintf("未対応の変換種別です: %s", t),
			})
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files, err := collectFiles(form, t, opts)
		if err != nil {
			respondWithError(c, err)
			return
		}

		userID := auth.UserID(c)
		jobID := m.NewJobID()
		refs := make([]string, 0, len(files))
		names := make([]string, 0, len(files))
		for i, fh := range files {
			ref, err := storeUpload(c.Request.Context(), blobs, fh, storage.InputKey(userID, jobID, i, t.InputExt()), t.InputMIME(), opts.MaxFileSize)
			if err != nil {
				respondWithError(c, err)
				return
			}
			refs = append(refs, ref)
			names = append(names, fh.Filename)
		}

		job, err := m.Submit(c.Request.Context(), SubmitRequest{
			Descriptor: Descriptor{
				JobID:    jobID,
				UserID:   userID,
				Type:     t,
				InputRef: refs,
			},
			InputNames: names,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":       job.ID,
			"status":      job.Status,
			"creditsUsed": job.CreditsUsed,
		})
	}
}

// ListHandler は GET /api/jobs のハンドラーを返します。
func ListHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := m.List(c.Request.Context(), auth.UserID(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := m.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// DownloadHandler は GET /api/jobs/:id/download のハンドラーを返します。
// 完了したジョブについてのみ、期限付きの取得URLを返します。
func DownloadHandler(m *Manager, blobs storage.Client, opts HandlerOptions) gin.HandlerFunc {
	expiry := opts.DownloadExpiry
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return func(c *gin.Context) {
		job, err := m.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job.Status != StatusCompleted {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_READY",
				"message": "ジョブはまだ完了していません。",
				"status":  job.Status,
			})
			return
		}
		url, err := blobs.RetrievalURL(c.Request.Context(), job.OutputRef, expiry)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       url,
			"expiresIn": int(expiry.Seconds()),
		})
	}
}

func collectFiles(form *multipart.Form, t convert.Type, opts HandlerOptions) ([]*multipart.FileHeader, error) {
	if t == convert.TypePDFMerge {
		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}
		if len(files) < 2 {
			return nil, badRequest("INVALID_INPUT", "結合には2つ以上のPDFファイルが必要です。")
		}
		if opts.MaxMergeFiles > 0 && len(files) > opts.MaxMergeFiles {
			return nil, badRequest("LIMIT_EXCEEDED", fmt.Sprintf("結合できるファイルは最大%d件です。", opts.MaxMergeFiles))
		}
		return files, nil
	}

	for _, key := range []string{"file", "file[]", "files", "files[]"} {
		if files := form.File[key]; len(files) > 0 {
			if len(files) > 1 {
				return nil, badRequest("INVALID_INPUT", "ファイルは1つだけ送信してください。")
			}
			return files, nil
		}
	}
	return nil, badRequest("INVALID_INPUT", "アップロードされたファイルが見つかりません。")
}

// storeUpload は形式とサイズを確認してから入力をストレージに保存します。
func storeUpload(ctx context.Context, blobs storage.Client, fh *multipart.FileHeader, key, expectedMIME string, maxSize int64) (string, error) {
	if maxSize > 0 && fh.Size > maxSize {
		return "", &apiError{
			status:  http.StatusRequestEntityTooLarge,
			code:    "LIMIT_EXCEEDED",
			message: fmt.Sprintf("%s はサイズ上限 (%dMB) を超えています。", fh.Filename, maxSize/(1024*1024)),
		}
	}

	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detect upload type: %w", err)
	}
	if !mtype.Is(expectedMIME) {
		return "", badRequest("UNSUPPORTED_FORMAT", fmt.Sprintf("%s は対応していない形式です (%s)。", fh.Filename, mtype.String()))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}

	ref, err := blobs.Put(ctx, key, f, fh.Size, expectedMIME)
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return ref, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.status, gin.H{
			"code":    apiErr.code,
			"message": apiErr.message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "ジョブが見つかりません。",
		})
	case errors.Is(err, ErrMergeInputs):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "結合には2つ以上のPDFファイルが必要です。",
		})
	case convert.KindOf(err) == convert.KindEnqueue:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "ジョブを受け付けられませんでした。時間をおいて再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
