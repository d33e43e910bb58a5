package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/telemetry"
)

// Outcome labels recorded in metrics and logs.
const (
	OutcomeDone        = "done"
	OutcomeFailed      = "failed"
	OutcomeRetry       = "retry"
	OutcomeCanceled    = "canceled"
	OutcomeInterrupted = "interrupted"
)

const (
	maxBackoff = time.Hour
	// tempMaxAge is how old an upload temp file must be before cleanup removes it.
	tempMaxAge   = time.Hour
	tempInterval = time.Hour
)

// cancelPollInterval is how often a running analysis checks whether its record
// was canceled by another process.
var cancelPollInterval = time.Second

// Worker claims pending uploads and runs the analyzer on them.
type Worker struct {
	Repo         *history.Repo
	DB           *sql.DB
	Analyzer     Analyzer
	Videos       *media.Store
	ReferenceDir string
	DataDir      string

	Interval    time.Duration
	BackoffBase time.Duration
	MaxAttempts int
	Concurrency int

	// CleanupStores have stale temp files removed periodically. Videos is always included.
	CleanupStores []*media.Store

	circuit *circuit
	reg     *registry
	logger  *slog.Logger
}

// NewWorker builds a worker from cfg.
func NewWorker(database *sql.DB, cfg *config.Config, a Analyzer, videos *media.Store) *Worker {
	logger := slog.Default().With(slog.String("component", "analysis_worker"))
	return &Worker{
		Repo:         history.New(database),
		DB:           database,
		Analyzer:     a,
		Videos:       videos,
		ReferenceDir: cfg.ReferenceDir,
		DataDir:      cfg.DataDir,
		Interval:     cfg.AnalyzeInterval,
		BackoffBase:  cfg.AnalyzeBackoffBase,
		MaxAttempts:  cfg.AnalyzeMaxAttempts,
		Concurrency:  cfg.MaxConcurrentAnalyses,
		circuit: &circuit{
			db:        database,
			threshold: cfg.CircuitFailureThreshold,
			cooldown:  cfg.CircuitOpenCooldown,
			logger:    logger,
		},
		reg:    newRegistry(),
		logger: logger,
	}
}

// Run processes the queue until ctx is canceled. When another process holds
// the worker lock for DataDir, Run logs it and returns nil so that process
// keeps serving HTTP only.
func (w *Worker) Run(ctx context.Context) error {
	lock, ok, err := TryLock(w.DataDir)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Warn("another worker holds the lock; analysis disabled in this process", slog.String("lock", lock.Path()))
		return nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			w.logger.Warn("failed to release worker lock", slog.Any("err", err))
		}
	}()

	if n, err := w.Repo.ResetRunning(ctx); err != nil {
		return fmt.Errorf("reset running uploads: %w", err)
	} else if n > 0 {
		w.logger.Info("requeued uploads left running by a previous process", slog.Int64("count", n))
	}
	w.circuit.release(ctx)
	w.cleanupTemp()

	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	w.logger.Info("analysis worker starting", slog.Int("concurrency", n), slog.Duration("interval", interval))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot, interval)
		}(i)
	}

	ticker := time.NewTicker(tempInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.logger.Info("analysis worker stopped")
			return nil
		case <-ticker.C:
			w.cleanupTemp()
		}
	}
}

func (w *Worker) loop(ctx context.Context, slot int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// Drain the queue before waiting for the next tick.
		for {
			claimed, err := w.ProcessOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("process once", slog.Any("err", err), slog.Int("slot", slot))
			}
			if !claimed || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims at most one due upload and analyzes it. It reports
// whether a record was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	w.refreshQueueDepth(ctx)
	ok, trial := w.circuit.allow(ctx)
	if !ok {
		w.logger.Debug("circuit open; skipping processing cycle")
		return false, nil
	}
	if trial {
		defer w.circuit.release(context.WithoutCancel(ctx))
	}
	u, err := w.Repo.ClaimNext(ctx, time.Now())
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}
	w.process(ctx, u)
	return true, nil
}

// CancelAnalysis stops the in-flight analysis of id and reports whether one was running.
func (w *Worker) CancelAnalysis(id string) bool {
	ok := w.reg.cancel(id)
	if ok {
		w.logger.Info("analysis cancel requested", slog.String("upload_id", id))
	}
	return ok
}

// ActiveAnalyses lists the upload ids being analyzed right now.
func (w *Worker) ActiveAnalyses() []string { return w.reg.active() }

func (w *Worker) process(ctx context.Context, u *history.Upload) {
	logger := w.logger.With(slog.String("upload_id", u.ID), slog.Int("attempt", u.Attempts))
	ctx, span := telemetry.StartSpan(ctx, "analysis", "analyze", telemetry.UploadIDAttr(u.ID))
	defer span.End()

	// Writes after the analyzer returns must land even during shutdown.
	wctx := context.WithoutCancel(ctx)

	path, err := w.Videos.Resolve(u.FileName)
	if err != nil {
		w.finishFailed(wctx, logger, u, fmt.Errorf("%w: %v", ErrInputMissing, err), 0)
		telemetry.RecordError(span, err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	telemetry.SetActiveAnalyses(w.reg.add(u.ID, cancel))
	defer func() { telemetry.SetActiveAnalyses(w.reg.remove(u.ID)) }()

	stopWatch := w.watchCanceled(runCtx, u.ID, cancel)
	defer stopWatch()

	telemetry.AnalysisStarted()
	logger.Info("analysis started", slog.String("file", u.FileName))
	start := time.Now()
	res, err := w.Analyzer.Analyze(runCtx, path, w.ReferenceDir)
	dur := time.Since(start)

	switch {
	case err == nil:
		if err := w.Repo.Complete(wctx, u.ID, res); err != nil {
			if errors.Is(err, history.ErrConflict) {
				logger.Info("analysis finished after the record was canceled; result dropped")
				telemetry.AnalysisFinished(OutcomeCanceled, dur)
				return
			}
			logger.Error("failed to store analysis result", slog.Any("err", err))
			telemetry.RecordError(span, err)
			return
		}
		w.circuit.success(wctx)
		updateMovingAvg(wctx, w.DB, KeyAvgAnalysisMS, float64(dur.Milliseconds()))
		_ = db.SetKV(wctx, w.DB, KeyLastFinished, time.Now().UTC().Format(time.RFC3339))
		telemetry.AnalysisFinished(OutcomeDone, dur)
		telemetry.SetSpanSuccess(span)
		logger.Info("analysis complete", slog.Duration("duration", dur))

	case ctx.Err() != nil:
		// Shutdown: give the attempt back to the queue.
		if _, err := w.Repo.Fail(wctx, u.ID, "interrupted by shutdown", time.Now()); err != nil && !errors.Is(err, history.ErrConflict) {
			logger.Warn("failed to requeue interrupted analysis", slog.Any("err", err))
		}
		telemetry.AnalysisFinished(OutcomeInterrupted, dur)
		logger.Info("analysis interrupted by shutdown")

	case runCtx.Err() != nil:
		if _, err := w.Repo.Cancel(wctx, u.ID); err != nil && !errors.Is(err, history.ErrConflict) {
			logger.Warn("failed to mark analysis canceled", slog.Any("err", err))
		}
		telemetry.AnalysisFinished(OutcomeCanceled, dur)
		logger.Info("analysis canceled", slog.Duration("duration", dur))

	default:
		telemetry.RecordError(span, err)
		w.finishFailed(wctx, logger, u, err, dur)
	}
}

// finishFailed records a failed attempt: fatal errors and exhausted attempts
// end in failed, everything else goes back to pending after a backoff.
func (w *Worker) finishFailed(ctx context.Context, logger *slog.Logger, u *history.Upload, cause error, dur time.Duration) {
	class := ClassifyError(cause)
	final := class == ErrorClassFatal || (w.MaxAttempts > 0 && u.Attempts >= w.MaxAttempts)
	var retryAt time.Time
	if !final {
		retryAt = time.Now().Add(Backoff(w.BackoffBase, u.Attempts))
	}
	status, err := w.Repo.Fail(ctx, u.ID, cause.Error(), retryAt)
	if err != nil && !errors.Is(err, history.ErrConflict) {
		logger.Error("failed to record analysis failure", slog.Any("err", err))
	}
	if class == ErrorClassRetryable {
		w.circuit.failure(ctx)
	}
	if final {
		telemetry.AnalysisFinished(OutcomeFailed, dur)
		logger.Error("analysis failed", slog.Any("err", cause), slog.String("class", class.String()), slog.String("status", string(status)))
		return
	}
	telemetry.AnalysisFinished(OutcomeRetry, dur)
	logger.Warn("analysis failed; will retry", slog.Any("err", cause), slog.Time("retry_at", retryAt))
}

// watchCanceled cancels the run when the record is canceled in the database,
// which is how a cancel issued by another process reaches this worker.
func (w *Worker) watchCanceled(ctx context.Context, id string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(cancelPollInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				u, err := w.Repo.Get(ctx, id)
				if err == nil && u.Status == history.StatusCanceled {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) refreshQueueDepth(ctx context.Context) {
	counts, err := w.Repo.CountByStatus(ctx)
	if err != nil {
		return
	}
	telemetry.SetQueueDepth(counts[history.StatusPending])
}

func (w *Worker) cleanupTemp() {
	stores := append([]*media.Store{w.Videos}, w.CleanupStores...)
	for _, s := range stores {
		if s == nil {
			continue
		}
		n, err := s.CleanupTemp(tempMaxAge)
		if err != nil {
			w.logger.Warn("temp cleanup failed", slog.String("dir", s.Dir()), slog.Any("err", err))
			continue
		}
		if n > 0 {
			w.logger.Info("removed stale temp files", slog.String("dir", s.Dir()), slog.Int("count", n))
		}
	}
}

// Backoff returns base doubled for every attempt after the first, capped at an hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
