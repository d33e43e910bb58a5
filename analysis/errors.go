package analysis

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
)

var (
	// ErrInputMissing means the stored video is gone (purged or never written).
	ErrInputMissing = errors.New("video file missing")
	// ErrUnsupportedInput means the analyzer rejected the video.
	ErrUnsupportedInput = errors.New("analyzer rejected input")
	// ErrAnalyzerTimeout means the analyzer exceeded ANALYZER_TIMEOUT.
	ErrAnalyzerTimeout = errors.New("analyzer timed out")
	// ErrEmptyOutput means the analyzer exited cleanly without printing a result.
	ErrEmptyOutput = errors.New("analyzer produced no output")
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the run should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the run should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassCanceled indicates the run was stopped on purpose.
	ErrorClassCanceled
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ClassifyError sorts analyzer errors into retryable and fatal.
//
// Fatal: the video is missing or rejected, the analyzer executable cannot be
// found or run, or the output mentions an unreadable or unsupported input.
// Canceled: context cancellation.
// Everything else, including timeouts and crashes, is retried.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorClassCanceled
	case errors.Is(err, ErrAnalyzerTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	case errors.Is(err, ErrInputMissing),
		errors.Is(err, ErrUnsupportedInput),
		errors.Is(err, exec.ErrNotFound),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return ErrorClassFatal
	}

	lower := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"unsupported codec",
		"unsupported format",
		"invalid data found when processing input",
		"moov atom not found",
		"could not open video",
		"no reference images",
		"exec format error",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	// Default: unknown errors are treated as retryable to avoid giving up too early
	return ErrorClassRetryable
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyError(err) == ErrorClassFatal
}
