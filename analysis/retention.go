package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/telemetry"
)

// RetentionPolicy defines which uploaded videos are removed from disk.
// The history record stays; only the file goes and the record is marked purged.
type RetentionPolicy struct {
	// KeepDays: videos uploaded within this many days are kept (0 = disabled)
	KeepDays int
	// KeepPerUser: the N most recent videos of every user are kept (0 = disabled)
	KeepPerUser int
	// DryRun: log what would be removed without touching files or records
	DryRun bool
	// Interval: how often the job runs
	Interval time.Duration
}

// Enabled reports whether any retention rule is configured.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepPerUser > 0 }

// LoadRetentionPolicy loads retention policy configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_PER_USER"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepPerUser = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// RetentionReport summarizes one cleanup cycle.
type RetentionReport struct {
	Checked  int
	Retained int
	// Purged lists the upload ids whose video was removed, or would be in a dry run.
	Purged []string
	Failed int
	DryRun bool
}

// StartRetentionJob runs the cleanup immediately and then every policy.Interval
// until ctx is canceled. It returns at once when no rule is configured.
func StartRetentionJob(ctx context.Context, repo *history.Repo, videos *media.Store, policy RetentionPolicy) {
	logger := slog.Default().With(slog.String("component", "retention"))
	if !policy.Enabled() {
		logger.Info("retention job disabled (no policy configured)")
		return
	}
	logger.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_per_user", policy.KeepPerUser),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if _, err := RunRetention(ctx, repo, videos, policy); err != nil {
		logger.Warn("retention cleanup failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := RunRetention(ctx, repo, videos, policy); err != nil {
				logger.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// retentionListed runs after the candidate list is read. Tests use it to
// change records behind the pass.
var retentionListed = func(context.Context, []history.Upload) {}

// RunRetention performs a single cleanup cycle. A video is kept when it is
// newer than KeepDays, among the KeepPerUser most recent of its user, or its
// record is still pending or running. Everything else with a file is purged.
func RunRetention(ctx context.Context, repo *history.Repo, videos *media.Store, policy RetentionPolicy) (RetentionReport, error) {
	report := RetentionReport{DryRun: policy.DryRun}
	if !policy.Enabled() {
		return report, nil
	}
	logger := slog.Default().With(slog.String("component", "retention_cleanup"), slog.Bool("dry_run", policy.DryRun))

	uploads, err := repo.ListWithFiles(ctx)
	if err != nil {
		return report, fmt.Errorf("list uploads with files: %w", err)
	}
	report.Checked = len(uploads)
	retentionListed(ctx, uploads)

	var cutoff time.Time
	if policy.KeepDays > 0 {
		cutoff = time.Now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	perUser := map[string]int{}
	for _, u := range uploads {
		// uploads are newest first, so the per-user counter sees the latest ones first.
		perUser[u.UserID]++
		keep := u.Status == history.StatusPending || u.Status == history.StatusRunning
		if policy.KeepDays > 0 && !u.UploadedAt.Before(cutoff) {
			keep = true
		}
		if policy.KeepPerUser > 0 && perUser[u.UserID] <= policy.KeepPerUser {
			keep = true
		}
		if keep {
			report.Retained++
			continue
		}

		l := logger.With(slog.String("upload_id", u.ID), slog.String("file", u.FileName), slog.Time("uploaded_at", u.UploadedAt))
		if policy.DryRun {
			l.Info("would purge video (dry run)")
			report.Purged = append(report.Purged, u.ID)
			continue
		}
		// The snapshot may be stale: the record could have been requeued
		// since. Claim the purge in the database first and only then delete.
		claimed, err := repo.ClaimPurge(ctx, u.ID, time.Now())
		if err != nil {
			l.Warn("failed to mark upload purged", slog.Any("err", err))
			report.Failed++
			continue
		}
		if !claimed {
			l.Info("upload changed since listing; video kept")
			report.Retained++
			continue
		}
		if err := videos.Remove(u.FileName); err != nil {
			l.Warn("failed to delete video", slog.Any("err", err))
			if uerr := repo.UnmarkPurged(ctx, u.ID); uerr != nil {
				l.Warn("failed to clear purge mark", slog.Any("err", uerr))
			}
			report.Failed++
			continue
		}
		telemetry.Purged()
		report.Purged = append(report.Purged, u.ID)
		l.Info("purged video")
	}

	logger.Info("retention cleanup complete",
		slog.Int("checked", report.Checked),
		slog.Int("retained", report.Retained),
		slog.Int("purged", len(report.Purged)),
		slog.Int("failed", report.Failed))
	return report, nil
}
