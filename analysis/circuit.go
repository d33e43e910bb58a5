package analysis

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/telemetry"
)

// kv keys holding breaker state, shared with the status endpoint.
const (
	KeyCircuitState     = "circuit_state"
	KeyCircuitFailures  = "circuit_failures"
	KeyCircuitOpenUntil = "circuit_open_until"
	KeyLastFinished     = "analysis_last_finished"
	KeyAvgAnalysisMS    = "avg_analysis_ms"
)

// circuit pauses claiming after repeated retryable analyzer failures, so a
// broken analyzer install does not burn through every record's attempts.
type circuit struct {
	db        *sql.DB
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

// Breaker states stored under KeyCircuitState. An absent key means closed.
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half-open"
)

// allow reports whether the worker may claim. Once an open circuit's cooldown
// has elapsed exactly one caller wins the move to half-open and gets trial set;
// everyone else waits until that trial closes or reopens the circuit.
func (c *circuit) allow(ctx context.Context) (ok, trial bool) {
	if c.threshold <= 0 {
		return true, false
	}
	state, err := db.GetKV(ctx, c.db, KeyCircuitState)
	if err != nil {
		return false, false
	}
	switch state {
	case "", circuitClosed:
		return true, false
	case circuitHalfOpen:
		return false, false
	}
	until, _ := db.GetKV(ctx, c.db, KeyCircuitOpenUntil)
	if t, err := time.Parse(time.RFC3339, until); err == nil && time.Now().Before(t) {
		return false, false
	}
	won, err := db.SwapKV(ctx, c.db, KeyCircuitState, circuitOpen, circuitHalfOpen)
	if err != nil || !won {
		return false, false
	}
	c.logger.Info("circuit half-open; admitting one analysis")
	return true, true
}

// release returns a half-open circuit to open without extending the cooldown,
// for trials that ended without a verdict (nothing to claim, a fatal input
// error, a cancel) or were cut short by a restart.
func (c *circuit) release(ctx context.Context) {
	if c.threshold <= 0 {
		return
	}
	if ok, _ := db.SwapKV(ctx, c.db, KeyCircuitState, circuitHalfOpen, circuitOpen); ok {
		c.logger.Debug("half-open trial inconclusive; circuit open again")
	}
}

func (c *circuit) failure(ctx context.Context) {
	if c.threshold <= 0 {
		return
	}
	val, _ := db.GetKV(ctx, c.db, KeyCircuitFailures)
	fails, _ := strconv.Atoi(val)
	fails++
	_ = db.SetKV(ctx, c.db, KeyCircuitFailures, strconv.Itoa(fails))
	state, _ := db.GetKV(ctx, c.db, KeyCircuitState)
	if fails >= c.threshold || state == circuitHalfOpen {
		until := time.Now().Add(c.cooldown).UTC().Format(time.RFC3339)
		_ = db.SetKV(ctx, c.db, KeyCircuitState, circuitOpen)
		_ = db.SetKV(ctx, c.db, KeyCircuitOpenUntil, until)
		telemetry.UpdateCircuitGauge(true)
		c.logger.Warn("circuit opened", slog.Int("failures", fails), slog.String("until", until))
	}
}

func (c *circuit) success(ctx context.Context) {
	if c.threshold <= 0 {
		return
	}
	_ = db.SetKV(ctx, c.db, KeyCircuitFailures, "0")
	_ = db.SetKV(ctx, c.db, KeyCircuitState, circuitClosed)
	_ = db.DeleteKV(ctx, c.db, KeyCircuitOpenUntil)
	telemetry.UpdateCircuitGauge(false)
}

// updateMovingAvg maintains a simple exponential moving average (EMA) stored in kv.
// alpha = 0.2 (new contributes 20%). Values stored as integer milliseconds.
func updateMovingAvg(ctx context.Context, database *sql.DB, key string, newVal float64) {
	const alpha = 0.2
	existing, _ := db.GetKV(ctx, database, key)
	ema := newVal
	if old, err := strconv.ParseFloat(existing, 64); err == nil {
		ema = alpha*newVal + (1-alpha)*old
	}
	_ = db.SetKV(ctx, database, key, strconv.FormatFloat(ema, 'f', 0, 64))
}
