package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/testutil"
)

// fakeAnalyzer returns err (or a fixed result) and can block until released.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   bool
	started chan string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, videoPath, referenceDir string) (history.Result, error) {
	f.mu.Lock()
	f.calls++
	err, block := f.err, f.block
	f.mu.Unlock()
	if f.started != nil {
		f.started <- videoPath
	}
	if block {
		<-ctx.Done()
		return history.Result{}, ctx.Err()
	}
	if err != nil {
		return history.Result{}, err
	}
	return history.Result{Summary: "good form"}, nil
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestWorker(t *testing.T, a Analyzer) (*Worker, *media.Store) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	videos, err := media.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ReferenceDir = t.TempDir()
	cfg.AnalyzeInterval = 10 * time.Millisecond
	cfg.AnalyzeBackoffBase = time.Millisecond
	return NewWorker(database, cfg, a, videos), videos
}

func enqueue(t *testing.T, w *Worker, videos *media.Store, withFile bool) *history.Upload {
	t.Helper()
	name := media.StoredName("clip.mp4")
	if withFile {
		writeVideo(t, videos.Dir(), name)
	}
	u := &history.Upload{UserID: "member-1", FileName: name, ContentType: "video/mp4", SizeBytes: 18}
	if err := w.Repo.Insert(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func mustGet(t *testing.T, w *Worker, id string) *history.Upload {
	t.Helper()
	u, err := w.Repo.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestProcessOnceSuccess(t *testing.T) {
	w, videos := newTestWorker(t, &StubAnalyzer{})
	ctx := context.Background()

	claimed, err := w.ProcessOnce(ctx)
	if err != nil || claimed {
		t.Fatalf("empty queue: claimed=%v err=%v", claimed, err)
	}

	u := enqueue(t, w, videos, true)
	claimed, err = w.ProcessOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("ProcessOnce: claimed=%v err=%v", claimed, err)
	}
	got := mustGet(t, w, u.ID)
	if got.Status != history.StatusDone || got.ResultSummary != StubSummary || got.Attempts != 1 {
		t.Fatalf("record after success = %+v", got)
	}
	if v, _ := db.GetKV(ctx, w.DB, KeyLastFinished); v == "" {
		t.Error("last finished timestamp not recorded")
	}
	if v, _ := db.GetKV(ctx, w.DB, KeyAvgAnalysisMS); v == "" {
		t.Error("average duration not recorded")
	}
}

func TestProcessOnceRetriesThenFails(t *testing.T) {
	fa := &fakeAnalyzer{err: errors.New("analyzer crashed")}
	w, videos := newTestWorker(t, fa)
	w.MaxAttempts = 2
	ctx := context.Background()
	u := enqueue(t, w, videos, true)

	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, w, u.ID)
	if got.Status != history.StatusPending || got.Attempts != 1 || got.Error == "" {
		t.Fatalf("after first failure = %+v", got)
	}
	if got.NextAttemptAt.IsZero() {
		t.Error("retry was not scheduled")
	}

	time.Sleep(5 * time.Millisecond)
	if claimed, err := w.ProcessOnce(ctx); err != nil || !claimed {
		t.Fatalf("second attempt: claimed=%v err=%v", claimed, err)
	}
	got = mustGet(t, w, u.ID)
	if got.Status != history.StatusFailed || got.Attempts != 2 {
		t.Fatalf("after final failure = %+v", got)
	}
	if fa.Calls() != 2 {
		t.Errorf("analyzer calls = %d", fa.Calls())
	}
}

func TestProcessOnceFatalFailsImmediately(t *testing.T) {
	fa := &fakeAnalyzer{err: ErrUnsupportedInput}
	w, videos := newTestWorker(t, fa)
	u := enqueue(t, w, videos, true)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, w, u.ID); got.Status != history.StatusFailed || got.Attempts != 1 {
		t.Fatalf("record = %+v", got)
	}
}

func TestProcessOnceMissingFile(t *testing.T) {
	w, videos := newTestWorker(t, &StubAnalyzer{})
	u := enqueue(t, w, videos, false)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, w, u.ID); got.Status != history.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestCancelAnalysisInFlight(t *testing.T) {
	fa := &fakeAnalyzer{block: true, started: make(chan string, 1)}
	w, videos := newTestWorker(t, fa)
	u := enqueue(t, w, videos, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.ProcessOnce(context.Background())
	}()
	<-fa.started
	if ids := w.ActiveAnalyses(); len(ids) != 1 || ids[0] != u.ID {
		t.Fatalf("ActiveAnalyses = %v", ids)
	}
	if !w.CancelAnalysis(u.ID) {
		t.Fatal("CancelAnalysis found nothing to cancel")
	}
	<-done

	if got := mustGet(t, w, u.ID); got.Status != history.StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	if w.CancelAnalysis(u.ID) {
		t.Error("second cancel should report nothing running")
	}
	if len(w.ActiveAnalyses()) != 0 {
		t.Error("registry not emptied")
	}
}

func TestCancelViaDatabase(t *testing.T) {
	old := cancelPollInterval
	cancelPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { cancelPollInterval = old })

	fa := &fakeAnalyzer{block: true, started: make(chan string, 1)}
	w, videos := newTestWorker(t, fa)
	u := enqueue(t, w, videos, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.ProcessOnce(context.Background())
	}()
	<-fa.started
	// Another process only has the database.
	if prev, err := w.Repo.Cancel(context.Background(), u.ID); err != nil || prev != history.StatusRunning {
		t.Fatalf("Cancel = %s, %v", prev, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the canceled record")
	}
	if got := mustGet(t, w, u.ID); got.Status != history.StatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestShutdownRequeues(t *testing.T) {
	fa := &fakeAnalyzer{block: true, started: make(chan string, 1)}
	w, videos := newTestWorker(t, fa)
	u := enqueue(t, w, videos, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.ProcessOnce(ctx)
	}()
	<-fa.started
	cancel()
	<-done

	if got := mustGet(t, w, u.ID); got.Status != history.StatusPending {
		t.Fatalf("status after shutdown = %s, want pending", got.Status)
	}
}

func TestRunSingleWorkerPerDataDir(t *testing.T) {
	w, videos := newTestWorker(t, &StubAnalyzer{})
	u := enqueue(t, w, videos, true)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for mustGet(t, w, u.ID).Status != history.StatusDone {
		if time.Now().After(deadline) {
			t.Fatal("upload was not analyzed by Run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := *w
	second.reg = newRegistry()
	secondErr := make(chan error, 1)
	go func() { secondErr <- second.Run(context.Background()) }()
	select {
	case err := <-secondErr:
		if err != nil {
			t.Fatalf("second Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Run did not return while the lock was held")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	fa := &fakeAnalyzer{err: errors.New("gpu busy")}
	w, videos := newTestWorker(t, fa)
	w.MaxAttempts = 10
	w.circuit.threshold = 2
	w.circuit.cooldown = time.Hour
	ctx := context.Background()
	enqueue(t, w, videos, true)
	enqueue(t, w, videos, true)
	third := enqueue(t, w, videos, true)

	for i := 0; i < 2; i++ {
		if claimed, err := w.ProcessOnce(ctx); err != nil || !claimed {
			t.Fatalf("attempt %d: claimed=%v err=%v", i, claimed, err)
		}
	}
	if state, _ := db.GetKV(ctx, w.DB, KeyCircuitState); state != "open" {
		t.Fatalf("circuit state = %q, want open", state)
	}
	if claimed, _ := w.ProcessOnce(ctx); claimed {
		t.Fatal("claimed while circuit open")
	}
	if got := mustGet(t, w, third.ID); got.Attempts != 0 {
		t.Fatalf("third upload attempts = %d", got.Attempts)
	}

	// Cooldown elapsed: one half-open attempt that succeeds closes the circuit.
	_ = db.SetKV(ctx, w.DB, KeyCircuitOpenUntil, time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))
	fa.mu.Lock()
	fa.err = nil
	fa.mu.Unlock()
	if claimed, err := w.ProcessOnce(ctx); err != nil || !claimed {
		t.Fatalf("half-open attempt: claimed=%v err=%v", claimed, err)
	}
	if state, _ := db.GetKV(ctx, w.DB, KeyCircuitState); state != "closed" {
		t.Fatalf("circuit state = %q, want closed", state)
	}
}

func TestCircuitHalfOpenAdmitsOneClaim(t *testing.T) {
	fa := &fakeAnalyzer{block: true, started: make(chan string, 4)}
	w, videos := newTestWorker(t, fa)
	w.Concurrency = 2
	w.circuit.threshold = 1
	w.circuit.cooldown = time.Hour
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		enqueue(t, w, videos, true)
	}
	_ = db.SetKV(ctx, w.DB, KeyCircuitState, circuitOpen)
	_ = db.SetKV(ctx, w.DB, KeyCircuitOpenUntil, time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))

	admitted := 0
	for i := 0; i < 4; i++ {
		if ok, _ := w.circuit.allow(ctx); ok {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("half-open admitted %d of 4 claim attempts, want 1", admitted)
	}

	// The half-open state above belongs to no running trial; Run starts by reopening it.
	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(runCtx) }()
	select {
	case <-fa.started:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("no trial analysis started")
	}
	// Both slots poll every 10ms; only the trial may be running.
	time.Sleep(150 * time.Millisecond)
	if n := fa.Calls(); n != 1 {
		cancel()
		t.Fatalf("analyses started while half-open = %d, want 1", n)
	}
	if state, _ := db.GetKV(ctx, w.DB, KeyCircuitState); state != circuitHalfOpen {
		t.Fatalf("circuit state during trial = %q", state)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	// An interrupted trial proves nothing, so the circuit is open again.
	if state, _ := db.GetKV(ctx, w.DB, KeyCircuitState); state != circuitOpen {
		t.Fatalf("circuit state after interrupted trial = %q, want open", state)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		base     time.Duration
		attempts int
		want     time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 0, time.Second},
		{0, 1, 30 * time.Second},
		{time.Minute, 10, time.Hour},
		{time.Minute, 200, time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(tt.base, tt.attempts); got != tt.want {
			t.Errorf("Backoff(%s, %d) = %s, want %s", tt.base, tt.attempts, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	canceled := false
	if n := r.add("a", func() { canceled = true }); n != 1 {
		t.Fatalf("add = %d", n)
	}
	if r.cancel("missing") {
		t.Error("cancel(missing) = true")
	}
	if !r.cancel("a") || !canceled {
		t.Error("cancel(a) did not run the cancel func")
	}
	if n := r.remove("a"); n != 0 {
		t.Errorf("remove = %d", n)
	}
}
