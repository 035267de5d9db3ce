package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/fippo/internal/convert"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	return NewRedisStore(rdb, ttl), mr, rdb
}

func mustCreateJob(t *testing.T, store JobStore, id string, typ convert.Type, refs ...string) *Job {
	t.Helper()
	job := &Job{
		ID:          id,
		UserID:      "u1",
		Type:        typ,
		Status:      StatusPending,
		InputRef:    refs,
		CreditsUsed: typ.Credits(),
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return job
}

func mustGetJob(t *testing.T, store JobStore, id string) *Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) returned error: %v", id, err)
	}
	return job
}

func TestRedisStoreCreateAndGet(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustCreateJob(t, store, "job-1", convert.TypePDFCompress, "inputs/u1/job-1/0.pdf")

	job := mustGetJob(t, store, "job-1")
	if job.Status != StatusPending || job.Progress != 0 || job.CreatedAt.IsZero() {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.InputRef) != 1 || job.InputRef[0] != "inputs/u1/job-1/0.pdf" {
		t.Fatalf("InputRef = %v", job.InputRef)
	}

	if err := store.Create(ctx, &Job{ID: "job-1", UserID: "u1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Create error = %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing error = %v", err)
	}
	if _, err := store.Update(ctx, "missing", ProgressPatch(10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing error = %v", err)
	}
}

func TestRedisStoreListNewestFirst(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		job := &Job{ID: id, UserID: "u1", Type: convert.TypePDFCompress, Status: StatusPending,
			InputRef: InputRefs{"in.pdf"}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Create(context.Background(), job); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	mustCreateJob(t, store, "other", convert.TypePDFCompress, "in.pdf")
	if err := store.Create(context.Background(), &Job{ID: "someone-else", UserID: "u2", Status: StatusPending, InputRef: InputRefs{"x"}}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	jobs, err := store.ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	want := []string{"other", "new", "mid", "old"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr, _ := newTestStore(t, time.Hour)
	mustCreateJob(t, store, "job-ttl", convert.TypePDFCompress, "in.pdf")
	if ttl := mr.TTL(jobKey("job-ttl")); ttl != time.Hour {
		t.Fatalf("TTL = %v", ttl)
	}
	if _, err := store.Update(context.Background(), "job-ttl", PickupPatch(1)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if ttl := mr.TTL(jobKey("job-ttl")); ttl != time.Hour {
		t.Fatalf("TTL after update = %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	jobs, err := store.ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expired jobs should not be listed: %d", len(jobs))
	}
}

func TestRedisStoreUpdateEnforcesInvariants(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustCreateJob(t, store, "job-2", convert.TypePDFCompress, "in.pdf")

	if _, err := store.Update(ctx, "job-2", PickupPatch(1)); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := store.Update(ctx, "job-2", ProgressPatch(60)); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := store.Update(ctx, "job-2", ProgressPatch(40)); !errors.Is(err, ErrProgressRegression) {
		t.Fatalf("regression error = %v", err)
	}
	done, err := store.Update(ctx, "job-2", CompletedPatch("outputs/u1/job-2.pdf", map[string]any{"pages": 2}))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Progress != 100 || done.OutputRef == "" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	if _, err := store.Update(ctx, "job-2", FailedPatch(&ErrorInfo{Kind: convert.KindInternal})); !errors.Is(err, ErrTerminal) {
		t.Fatalf("terminal update error = %v", err)
	}
	if got := mustGetJob(t, store, "job-2"); got.Status != StatusCompleted {
		t.Fatalf("status changed after terminal: %s", got.Status)
	}
}

func TestRedisStoreConcurrentProgress(t *testing.T) {
	store, _, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustCreateJob(t, store, "job-c", convert.TypePDFCompress, "in.pdf")
	if _, err := store.Update(ctx, "job-c", PickupPatch(1)); err != nil {
		t.Fatalf("pickup: %v", err)
	}

	var wg sync.WaitGroup
	for p := 1; p <= 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = store.Update(ctx, "job-c", ProgressPatch(p))
		}(p)
	}
	wg.Wait()

	if got := mustGetJob(t, store, "job-c"); got.Progress != 8 {
		t.Fatalf("progress = %d, want 8", got.Progress)
	}
}

func TestRedisLocker(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "job-l", time.Minute)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if _, err := locker.Acquire(ctx, "job-l", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second Acquire error = %v", err)
	}
	release()
	if mr.Exists(leaseKeyPrefix + "job-l") {
		t.Fatal("lease should be released")
	}

	if _, err := locker.Acquire(ctx, "job-l", time.Second); err != nil {
		t.Fatalf("re-Acquire returned error: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := locker.Acquire(ctx, "job-l", time.Second); err != nil {
		t.Fatalf("expired lease should be acquirable: %v", err)
	}
}
