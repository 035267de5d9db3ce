package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fippo/internal/auth"
	"github.com/yourusername/fippo/internal/convert"
	"github.com/yourusername/fippo/internal/storage"
)

const samplePDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

type httpFixture struct {
	router *gin.Engine
	store  *RedisStore
	queue  *fakeEnqueuer
	blobs  *storage.Local
	dir    string
}

func newHTTPFixture(t *testing.T, user string) *httpFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	blobs, err := storage.NewLocal(dir, "http://localhost:8080", []byte("test-key"))
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	q := &fakeEnqueuer{}
	m, store := newTestManager(t, q)
	opts := HandlerOptions{MaxFileSize: 1 << 20, MaxMergeFiles: 3, DownloadExpiry: time.Minute}

	r := gin.New()
	api := r.Group("/api", func(c *gin.Context) {
		c.Set(auth.ContextUserKey, user)
		c.Next()
	})
	api.POST("/convert/:type", ConvertHandler(m, blobs, opts))
	api.GET("/jobs", ListHandler(m))
	api.GET("/jobs/:id", StatusHandler(m))
	api.GET("/jobs/:id/download", DownloadHandler(m, blobs, opts))
	return &httpFixture{router: r, store: store, queue: q, blobs: blobs, dir: dir}
}

type upload struct {
	field, name, content string
}

func multipartRequest(t *testing.T, path string, files ...upload) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		part, err := writer.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write([]byte(f.content)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func (f *httpFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestConvertHandlerAcceptsUpload(t *testing.T) {
	f := newHTTPFixture(t, "u1")

	rec := f.do(multipartRequest(t, "/api/convert/pdf-compress", upload{"file", "report.pdf", samplePDF}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	jobID, _ := body["jobId"].(string)
	if jobID == "" || body["status"] != string(StatusPending) || body["creditsUsed"] != float64(1) {
		t.Fatalf("unexpected response: %v", body)
	}

	if len(f.queue.tasks) != 1 {
		t.Fatalf("enqueued %d tasks", len(f.queue.tasks))
	}
	ref := f.queue.tasks[0].InputRef[0]
	if ref != storage.InputKey("u1", jobID, 0, ".pdf") {
		t.Fatalf("input ref = %s", ref)
	}
	stored, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(ref)))
	if err != nil {
		t.Fatalf("input was not stored: %v", err)
	}
	if string(stored) != samplePDF {
		t.Fatal("stored input differs from upload")
	}
	if got := mustGetJob(t, f.store, jobID); len(got.InputNames) != 1 || got.InputNames[0] != "report.pdf" {
		t.Fatalf("input names = %v", got.InputNames)
	}
}

func TestConvertHandlerMergeKeepsOrder(t *testing.T) {
	f := newHTTPFixture(t, "u1")

	rec := f.do(multipartRequest(t, "/api/convert/pdf-merge",
		upload{"files[]", "b.pdf", samplePDF},
		upload{"files[]", "a.pdf", samplePDF},
	))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	d := f.queue.tasks[0]
	if len(d.InputRef) != 2 || !strings.HasSuffix(d.InputRef[0], "/0.pdf") || !strings.HasSuffix(d.InputRef[1], "/1.pdf") {
		t.Fatalf("input refs = %v", d.InputRef)
	}
	job := mustGetJob(t, f.store, d.JobID)
	if job.InputNames[0] != "b.pdf" || job.InputNames[1] != "a.pdf" || job.CreditsUsed != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestConvertHandlerRejects(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		files  []upload
		status int
		code   string
	}{
		{"unknown type", "/api/convert/ocr", []upload{{"file", "a.pdf", samplePDF}}, http.StatusNotFound, "UNSUPPORTED_TYPE"},
		{"merge with one file", "/api/convert/pdf-merge", []upload{{"files[]", "a.pdf", samplePDF}}, http.StatusBadRequest, "INVALID_INPUT"},
		{"merge over limit", "/api/convert/pdf-merge", []upload{
			{"files[]", "1.pdf", samplePDF}, {"files[]", "2.pdf", samplePDF},
			{"files[]", "3.pdf", samplePDF}, {"files[]", "4.pdf", samplePDF},
		}, http.StatusBadRequest, "LIMIT_EXCEEDED"},
		{"wrong format", "/api/convert/pdf-to-docx", []upload{{"file", "notes.pdf", "just some text"}}, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
		{"two files for single input", "/api/convert/pdf-compress", []upload{{"files", "a.pdf", samplePDF}, {"files", "b.pdf", samplePDF}}, http.StatusBadRequest, "INVALID_INPUT"},
		{"no file", "/api/convert/pdf-compress", []upload{{"other", "a.pdf", samplePDF}}, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHTTPFixture(t, "u1")
			rec := f.do(multipartRequest(t, tt.path, tt.files...))
			if rec.Code != tt.status {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			if body := decodeBody(t, rec); body["code"] != tt.code {
				t.Fatalf("code = %v, want %s", body["code"], tt.code)
			}
			if len(f.queue.tasks) != 0 {
				t.Fatal("rejected request must not enqueue")
			}
		})
	}
}

func TestConvertHandlerFileTooLarge(t *testing.T) {
	f := newHTTPFixture(t, "u1")
	big := samplePDF + strings.Repeat("x", 1<<20)

	rec := f.do(multipartRequest(t, "/api/convert/pdf-compress", upload{"file", "big.pdf", big}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestConvertHandlerQueueUnavailable(t *testing.T) {
	f := newHTTPFixture(t, "u1")
	f.queue.err = context.DeadlineExceeded

	rec := f.do(multipartRequest(t, "/api/convert/pdf-compress", upload{"file", "a.pdf", samplePDF}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestStatusAndListHandlers(t *testing.T) {
	f := newHTTPFixture(t, "u1")
	mustCreateJob(t, f.store, "job-mine", convert.TypePDFCompress, "a.pdf")
	if err := f.store.Create(context.Background(), &Job{ID: "job-theirs", UserID: "u2", Type: convert.TypePDFCompress, Status: StatusPending, InputRef: InputRefs{"b.pdf"}}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/job-mine", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["jobId"] != "job-mine" || body["status"] != "pending" || body["progress"] != float64(0) {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/job-theirs", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign job status = %d", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	var list struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "job-mine" {
		t.Fatalf("jobs = %+v", list.Jobs)
	}
}

func TestDownloadHandler(t *testing.T) {
	f := newHTTPFixture(t, "u1")
	ctx := context.Background()
	mustCreateJob(t, f.store, "job-d", convert.TypePDFCompress, "a.pdf")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/job-d/download", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("pending download status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "JOB_NOT_READY" {
		t.Fatalf("unexpected body: %v", body)
	}

	outKey := convert.OutputKey("u1", "job-d", convert.TypePDFCompress)
	if _, err := f.blobs.Put(ctx, outKey, strings.NewReader(samplePDF), int64(len(samplePDF)), convert.MIMEPDF); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := f.store.Update(ctx, "job-d", PickupPatch(1)); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := f.store.Update(ctx, "job-d", CompletedPatch(outKey, nil)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/job-d/download", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	url, _ := body["url"].(string)
	if !strings.HasPrefix(url, "http://localhost:8080/blobs/"+outKey+"?") || body["expiresIn"] != float64(60) {
		t.Fatalf("unexpected body: %v", body)
	}
}
