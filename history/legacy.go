package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LegacyRecord is one element of the JSON array the previous version kept on disk.
type LegacyRecord struct {
	UploadTime string `json:"uploadTime"`
	FileName   string `json:"fileName"`
	FileSize   string `json:"fileSize"`
	UserID     string `json:"userId"`
}

// ImportOptions controls ImportLegacy.
type ImportOptions struct {
	// UploadDir is used to stat files for missing sizes and unparseable times.
	UploadDir string
	// Location interprets upload times that carry no zone. Defaults to time.Local.
	Location *time.Location
	// Requeue imports records as pending so they get analyzed; otherwise they are done.
	Requeue bool
	// DryRun parses and reports without writing.
	DryRun bool
}

// ImportReport summarizes an import.
type ImportReport struct {
	Imported int
	Skipped  int
	Invalid  int
}

// legacyTimeLayouts covers Date.prototype.toLocaleString output for the
// en-US and ko-KR locales plus ISO strings.
var legacyTimeLayouts = []string{
	"1/2/2006, 3:04:05 PM",
	"2006. 1. 2. 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// localeSpaces maps the no-break spaces newer ICU data puts into
// toLocaleString output (U+202F before AM/PM) to ASCII spaces.
var localeSpaces = strings.NewReplacer("\u202f", " ", "\u00a0", " ")

// ParseLegacyTime parses an uploadTime value. ko-KR strings use 오전/오후 for AM/PM.
func ParseLegacyTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(localeSpaces.Replace(s))
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	normalized := s
	pm := false
	switch {
	case strings.Contains(s, "오후"):
		pm = true
		normalized = strings.Replace(s, "오후", "", 1)
	case strings.Contains(s, "오전"):
		normalized = strings.Replace(s, "오전", "", 1)
	}
	if normalized != s {
		normalized = strings.Join(strings.Fields(normalized), " ")
		t, err := time.ParseInLocation("2006. 1. 2. 3:04:05", normalized, loc)
		if err != nil {
			return time.Time{}, false
		}
		if pm && t.Hour() < 12 {
			t = t.Add(12 * time.Hour)
		} else if !pm && t.Hour() == 12 {
			t = t.Add(-12 * time.Hour)
		}
		return t, true
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseLegacySize converts a "12.34 KB" label back to bytes.
func ParseLegacySize(s string) (int64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "KB"))
	if s == "" {
		return 0, false
	}
	kb, err := strconv.ParseFloat(s, 64)
	if err != nil || kb < 0 {
		return 0, false
	}
	return int64(kb*1024 + 0.5), true
}

// ImportLegacy reads a legacy JSON array from r and inserts its records.
// Records whose file name is already stored are skipped, so the import can be rerun.
func (r *Repo) ImportLegacy(ctx context.Context, in io.Reader, opts ImportOptions) (ImportReport, error) {
	var report ImportReport
	var records []LegacyRecord
	if err := json.NewDecoder(in).Decode(&records); err != nil {
		return report, fmt.Errorf("decode legacy history: %w", err)
	}
	logger := slog.Default().With(slog.String("component", "legacy_import"), slog.Bool("dry_run", opts.DryRun))
	status := StatusDone
	if opts.Requeue {
		status = StatusPending
	}
	now := time.Now().UTC()

	for i, rec := range records {
		if rec.FileName == "" || rec.UserID == "" || filepath.Base(rec.FileName) != rec.FileName {
			logger.Warn("skipping invalid legacy record", slog.Int("index", i), slog.String("file_name", rec.FileName))
			report.Invalid++
			continue
		}
		if _, err := r.GetByFileName(ctx, rec.FileName); err == nil {
			report.Skipped++
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return report, err
		}

		var info os.FileInfo
		if opts.UploadDir != "" {
			info, _ = os.Stat(filepath.Join(opts.UploadDir, rec.FileName))
		}
		uploaded, ok := ParseLegacyTime(rec.UploadTime, opts.Location)
		if !ok {
			if info != nil {
				uploaded = info.ModTime()
			} else {
				// Keep file order stable when several records fall back to now.
				uploaded = now.Add(time.Duration(i) * time.Millisecond)
			}
		}
		size, ok := ParseLegacySize(rec.FileSize)
		if !ok && info != nil {
			size = info.Size()
		}

		u := &Upload{
			UserID:       rec.UserID,
			FileName:     rec.FileName,
			OriginalName: rec.FileName,
			SizeBytes:    size,
			UploadedAt:   uploaded.UTC(),
			Status:       status,
		}
		if status == StatusDone {
			u.ResultSummary = "imported from legacy history"
			fin := u.UploadedAt
			u.FinishedAt = &fin
		}
		if !opts.DryRun {
			if err := r.Insert(ctx, u); err != nil {
				return report, fmt.Errorf("import %s: %w", rec.FileName, err)
			}
		}
		report.Imported++
	}
	logger.Info("legacy history import finished",
		slog.Int("imported", report.Imported),
		slog.Int("skipped", report.Skipped),
		slog.Int("invalid", report.Invalid))
	return report, nil
}
