// Package analysis runs the bowling form comparison for queued uploads.
//
// The comparison itself is an external program (ANALYZER_CMD) invoked once
// per video; when none is configured a stub stands in so the queue, status
// pages and API can be exercised end to end.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/history"
)

// Analyzer compares one uploaded video against the reference images in referenceDir.
type Analyzer interface {
	Analyze(ctx context.Context, videoPath, referenceDir string) (history.Result, error)
}

// ExitCodeUnsupported is the exit status an analyzer uses to reject its input.
// Such failures are not retried.
const ExitCodeUnsupported = 2

// stderrTail bounds how much analyzer stderr is kept for error messages.
const stderrTail = 2048

// New returns the analyzer selected by cfg: a ScriptAnalyzer when
// ANALYZER_CMD is set, the stub otherwise.
func New(cfg *config.Config) (Analyzer, error) {
	if strings.TrimSpace(cfg.AnalyzerCmd) == "" {
		return &StubAnalyzer{Delay: cfg.AnalyzerStubDelay}, nil
	}
	return NewScriptAnalyzer(cfg.AnalyzerCmd, cfg.AnalyzerTimeout)
}

// ScriptAnalyzer runs an external command as
//
//	<command...> --video <path> --references <dir>
//
// and reads its stdout as the result. A JSON object with "summary" and an
// optional numeric "score" is parsed; any other output becomes the summary.
type ScriptAnalyzer struct {
	Command []string
	Timeout time.Duration
}

// NewScriptAnalyzer splits cmdline on whitespace. Arguments containing spaces are not supported.
func NewScriptAnalyzer(cmdline string, timeout time.Duration) (*ScriptAnalyzer, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, errors.New("empty analyzer command")
	}
	return &ScriptAnalyzer{Command: fields, Timeout: timeout}, nil
}

func (a *ScriptAnalyzer) Analyze(ctx context.Context, videoPath, referenceDir string) (history.Result, error) {
	if err := checkInput(videoPath); err != nil {
		return history.Result{}, err
	}
	runCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, a.Command[1:]...), "--video", videoPath, "--references", referenceDir)
	cmd := exec.CommandContext(runCtx, a.Command[0], args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// Children of a killed analyzer may hold the output pipes open.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return history.Result{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return history.Result{}, fmt.Errorf("%w after %s", ErrAnalyzerTimeout, a.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitCodeUnsupported {
			return history.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedInput, msg)
		}
		if msg != "" {
			return history.Result{}, fmt.Errorf("analyzer %s: %w: %s", a.Command[0], err, msg)
		}
		return history.Result{}, fmt.Errorf("analyzer %s: %w", a.Command[0], err)
	}
	return ParseOutput(stdout.Bytes())
}

// ParseOutput turns analyzer stdout into a Result.
func ParseOutput(out []byte) (history.Result, error) {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return history.Result{}, ErrEmptyOutput
	}
	if strings.HasPrefix(text, "{") {
		var parsed struct {
			Summary string   `json:"summary"`
			Score   *float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(text), &parsed); err == nil && (parsed.Summary != "" || parsed.Score != nil) {
			return history.Result{Summary: parsed.Summary, Score: parsed.Score, Raw: text}, nil
		}
	}
	return history.Result{Summary: text, Raw: text}, nil
}

// StubAnalyzer waits Delay and reports a placeholder result.
type StubAnalyzer struct {
	Delay time.Duration
}

// StubSummary is the result text the stub reports.
const StubSummary = "분석이 완료되었습니다."

func (a *StubAnalyzer) Analyze(ctx context.Context, videoPath, referenceDir string) (history.Result, error) {
	if err := checkInput(videoPath); err != nil {
		return history.Result{}, err
	}
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return history.Result{}, ctx.Err()
		case <-t.C:
		}
	}
	return history.Result{Summary: StubSummary, Raw: `{"stub":true}`}, nil
}

func checkInput(videoPath string) error {
	info, err := os.Stat(videoPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrInputMissing, videoPath)
	}
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrUnsupportedInput, videoPath)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
