package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/onnwee/formcheck/testutil"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	return New(testutil.SetupTestDB(t))
}

func insert(t *testing.T, r *Repo, user, file string, at time.Time) *Upload {
	t.Helper()
	u := &Upload{UserID: user, FileName: file, OriginalName: file, ContentType: "video/mp4", SizeBytes: 2048, UploadedAt: at}
	if err := r.Insert(context.Background(), u); err != nil {
		t.Fatalf("Insert(%s): %v", file, err)
	}
	return u
}

func fileNames(us []Upload) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.FileName
	}
	return out
}

func TestInsertGetRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 15, 14, 30, 45, 0, time.UTC)
	u := insert(t, r, "member-7", "a.mp4", at)

	if u.ID == "" || u.Status != StatusPending {
		t.Fatalf("Insert did not fill defaults: %+v", u)
	}
	got, err := r.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(u, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
	if got.SizeLabel() != "2.00 KB" {
		t.Errorf("SizeLabel = %q", got.SizeLabel())
	}

	byName, err := r.GetByFileName(ctx, "a.mp4")
	if err != nil || byName.ID != u.ID {
		t.Fatalf("GetByFileName = %v, %v", byName, err)
	}
	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
	if err := r.Insert(ctx, &Upload{UserID: "x", FileName: "a.mp4"}); err == nil {
		t.Error("duplicate file name accepted")
	}
	if err := r.Insert(ctx, &Upload{UserID: " ", FileName: "b.mp4"}); err == nil {
		t.Error("blank user id accepted")
	}
}

func TestListByUserExactMatchOldestFirst(t *testing.T) {
	r := newRepo(t)
	base := time.Now().Add(-time.Hour)
	insert(t, r, "kim", "second.mp4", base.Add(2*time.Minute))
	insert(t, r, "kim", "first.mp4", base)
	insert(t, r, "Kim", "other-case.mp4", base.Add(time.Minute))
	insert(t, r, "kim2", "prefix.mp4", base.Add(time.Minute))

	got, err := r.ListByUser(context.Background(), "kim")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"first.mp4", "second.mp4"}, fileNames(got)); diff != "" {
		t.Errorf("ListByUser (-want +got):\n%s", diff)
	}
	none, err := r.ListByUser(context.Background(), "nobody")
	if err != nil || len(none) != 0 {
		t.Errorf("ListByUser(nobody) = %v, %v", none, err)
	}
}

func TestListRecentAndCounts(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"1.mp4", "2.mp4", "3.mp4"} {
		insert(t, r, "u", name, base.Add(time.Duration(i)*time.Minute))
	}
	recent, err := r.ListRecent(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"3.mp4", "2.mp4"}, fileNames(recent)); diff != "" {
		t.Errorf("ListRecent (-want +got):\n%s", diff)
	}
	if _, err := r.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	counts, err := r.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[Status]int{StatusPending: 2, StatusRunning: 1, StatusDone: 0, StatusFailed: 0, StatusCanceled: 0}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("CountByStatus (-want +got):\n%s", diff)
	}
}

func TestClaimNextOrder(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	old := insert(t, r, "u", "old.mp4", base)
	newer := insert(t, r, "u", "newer.mp4", base.Add(time.Minute))
	urgent := insert(t, r, "u", "urgent.mp4", base.Add(2*time.Minute))
	if err := r.SetPriority(ctx, urgent.ID, 5); err != nil {
		t.Fatal(err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		u, err := r.ClaimNext(ctx, time.Now())
		if err != nil || u == nil {
			t.Fatalf("ClaimNext %d = %v, %v", i, u, err)
		}
		if u.Status != StatusRunning || u.Attempts != 1 || u.StartedAt == nil {
			t.Errorf("claimed record not running: %+v", u)
		}
		order = append(order, u.ID)
	}
	if diff := cmp.Diff([]string{urgent.ID, old.ID, newer.ID}, order); diff != "" {
		t.Errorf("claim order (-want +got):\n%s", diff)
	}
	if u, err := r.ClaimNext(ctx, time.Now()); u != nil || err != nil {
		t.Errorf("empty queue ClaimNext = %v, %v", u, err)
	}
}

func TestFailRetryThenFinal(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	u := insert(t, r, "u", "a.mp4", time.Now())
	if _, err := r.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	retryAt := time.Now().Add(time.Minute)
	st, err := r.Fail(ctx, u.ID, "analyzer crashed", retryAt)
	if err != nil || st != StatusPending {
		t.Fatalf("Fail retry = %s, %v", st, err)
	}
	if got, _ := r.ClaimNext(ctx, time.Now()); got != nil {
		t.Fatal("record claimed before its retry time")
	}
	got, err := r.ClaimNext(ctx, retryAt.Add(time.Second))
	if err != nil || got == nil || got.Attempts != 2 {
		t.Fatalf("ClaimNext after backoff = %+v, %v", got, err)
	}

	st, err = r.Fail(ctx, u.ID, "still broken", time.Time{})
	if err != nil || st != StatusFailed {
		t.Fatalf("Fail final = %s, %v", st, err)
	}
	final, _ := r.Get(ctx, u.ID)
	if final.Status != StatusFailed || final.Error != "still broken" || final.FinishedAt == nil {
		t.Errorf("final record = %+v", final)
	}
	if _, err := r.Fail(ctx, u.ID, "again", time.Time{}); !errors.Is(err, ErrConflict) {
		t.Errorf("Fail on failed record err = %v, want ErrConflict", err)
	}
}

func TestCompleteStoresResult(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	u := insert(t, r, "u", "a.mp4", time.Now())
	if err := r.Complete(ctx, u.ID, Result{Summary: "x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("Complete on pending err = %v", err)
	}
	if _, err := r.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	score := 87.5
	if err := r.Complete(ctx, u.ID, Result{Summary: "good release", Score: &score, Raw: `{"score":87.5}`}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := r.Get(ctx, u.ID)
	if got.Status != StatusDone || got.ResultSummary != "good release" || got.ResultScore == nil || *got.ResultScore != 87.5 {
		t.Errorf("completed record = %+v", got)
	}
	if err := r.Complete(ctx, "missing", Result{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete(missing) err = %v", err)
	}
}

func TestCancelAndRequeue(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	queued := insert(t, r, "u", "q.mp4", time.Now().Add(-time.Minute))
	running := insert(t, r, "u", "r.mp4", time.Now())
	if err := r.SetPriority(ctx, running.ID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	prev, err := r.Cancel(ctx, queued.ID)
	if err != nil || prev != StatusPending {
		t.Fatalf("Cancel queued = %s, %v", prev, err)
	}
	prev, err = r.Cancel(ctx, running.ID)
	if err != nil || prev != StatusRunning {
		t.Fatalf("Cancel running = %s, %v", prev, err)
	}
	if _, err := r.Cancel(ctx, running.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("second Cancel err = %v, want ErrConflict", err)
	}
	if _, err := r.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) err = %v", err)
	}
	// A late completion from the worker must not resurrect a canceled record.
	if err := r.Complete(ctx, running.ID, Result{Summary: "late"}); !errors.Is(err, ErrConflict) {
		t.Errorf("Complete after cancel err = %v", err)
	}

	if err := r.Requeue(ctx, queued.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ := r.Get(ctx, queued.ID)
	if got.Status != StatusPending || got.Attempts != 0 || got.Error != "" {
		t.Errorf("requeued record = %+v", got)
	}
	if err := r.Requeue(ctx, queued.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Requeue pending err = %v", err)
	}

	if err := r.MarkPurged(ctx, running.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := r.Requeue(ctx, running.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Requeue purged err = %v", err)
	}
}

func TestClaimPurge(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	pending := insert(t, r, "u", "p.mp4", time.Now())
	done := insert(t, r, "u", "d.mp4", time.Now())
	if _, err := r.Cancel(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	if ok, err := r.ClaimPurge(ctx, pending.ID, time.Now()); ok || err != nil {
		t.Fatalf("ClaimPurge(pending) = %v, %v", ok, err)
	}
	if ok, err := r.ClaimPurge(ctx, done.ID, time.Now()); !ok || err != nil {
		t.Fatalf("ClaimPurge(canceled) = %v, %v", ok, err)
	}
	if ok, _ := r.ClaimPurge(ctx, done.ID, time.Now()); ok {
		t.Fatal("second ClaimPurge should not win")
	}
	if err := r.Requeue(ctx, done.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Requeue purged err = %v", err)
	}

	if err := r.UnmarkPurged(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Requeue(ctx, done.ID); err != nil {
		t.Fatalf("Requeue after UnmarkPurged: %v", err)
	}
	// Requeued before the purge pass reached it: the claim now fails.
	if ok, _ := r.ClaimPurge(ctx, done.ID, time.Now()); ok {
		t.Fatal("ClaimPurge of a requeued record should not win")
	}
}

func TestResetRunningAndPublishedURL(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	u := insert(t, r, "u", "a.mp4", time.Now())
	if _, err := r.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	n, err := r.ResetRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetRunning = %d, %v", n, err)
	}
	if err := r.SetPublishedURL(ctx, u.ID, "https://www.youtube.com/watch?v=x"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, u.ID)
	if got.Status != StatusPending || got.PublishedURL == "" {
		t.Errorf("record = %+v", got)
	}
	if err := r.SetPriority(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPriority(missing) err = %v", err)
	}
}
