// Package history stores upload records and drives their analysis queue.
//
// Each record starts as pending, is claimed by the worker (running) and ends
// done, failed or canceled. Failed attempts can be requeued with a later
// next_attempt_at. All timestamps are persisted as unix milliseconds.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/media"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("upload not found")
	// ErrConflict is returned when a state transition is not allowed from the record's current status.
	ErrConflict = errors.New("upload state does not allow this operation")
)

// Status is the analysis state of an upload.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Statuses lists every status in queue order.
var Statuses = []Status{StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCanceled}

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Upload is one uploaded video and its analysis outcome.
type Upload struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	FileName      string     `json:"fileName"`
	OriginalName  string     `json:"originalName"`
	ContentType   string     `json:"contentType"`
	SizeBytes     int64      `json:"sizeBytes"`
	UploadedAt    time.Time  `json:"uploadedAt"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	Priority      int        `json:"priority"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	ResultSummary string     `json:"resultSummary,omitempty"`
	ResultScore   *float64   `json:"resultScore,omitempty"`
	ResultRaw     string     `json:"resultRaw,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	PurgedAt      *time.Time `json:"purgedAt,omitempty"`
	PublishedURL  string     `json:"publishedUrl,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// SizeLabel is the size as shown on history pages.
func (u *Upload) SizeLabel() string { return media.SizeLabel(u.SizeBytes) }

// Purged reports whether retention removed the video file.
func (u *Upload) Purged() bool { return u.PurgedAt != nil }

// Result is the outcome of a successful analysis.
type Result struct {
	Summary string
	Score   *float64
	Raw     string
}

// Repo reads and writes upload records.
type Repo struct {
	db *sql.DB
}

// New returns a Repo over database.
func New(database *sql.DB) *Repo {
	return &Repo{db: database}
}

const uploadColumns = `id, user_id, file_name, original_name, content_type, size_bytes, uploaded_at,
	status, attempts, priority, next_attempt_at, result_summary, result_score, result_raw,
	analysis_error, started_at, finished_at, purged_at, published_url, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*Upload, error) {
	var (
		u                           Upload
		status                      string
		uploadedAt, nextAt, updated int64
		score                       sql.NullFloat64
		started, finished, purged   sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.UserID, &u.FileName, &u.OriginalName, &u.ContentType, &u.SizeBytes, &uploadedAt,
		&status, &u.Attempts, &u.Priority, &nextAt, &u.ResultSummary, &score, &u.ResultRaw,
		&u.Error, &started, &finished, &purged, &u.PublishedURL, &updated)
	if err != nil {
		return nil, err
	}
	u.Status = Status(status)
	u.UploadedAt = db.FromMillis(uploadedAt)
	u.NextAttemptAt = db.FromMillis(nextAt)
	u.UpdatedAt = db.FromMillis(updated)
	if score.Valid {
		v := score.Float64
		u.ResultScore = &v
	}
	u.StartedAt = db.FromNullMillis(started)
	u.FinishedAt = db.FromNullMillis(finished)
	u.PurgedAt = db.FromNullMillis(purged)
	return &u, nil
}

func (r *Repo) query(ctx context.Context, q string, args ...any) ([]Upload, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return db.ToMillis(*t)
}

// Insert stores u. Missing ID, UploadedAt and Status are filled in
// (a new UUID, now, pending) and written back to u.
func (r *Repo) Insert(ctx context.Context, u *Upload) error {
	if strings.TrimSpace(u.UserID) == "" {
		return errors.New("user id is required")
	}
	if u.FileName == "" {
		return errors.New("file name is required")
	}
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = now
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	u.UpdatedAt = now
	var score any
	if u.ResultScore != nil {
		score = *u.ResultScore
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO uploads (`+uploadColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		u.ID, u.UserID, u.FileName, u.OriginalName, u.ContentType, u.SizeBytes, db.ToMillis(u.UploadedAt),
		string(u.Status), u.Attempts, u.Priority, db.ToMillis(u.NextAttemptAt), u.ResultSummary, score, u.ResultRaw,
		u.Error, nullMillis(u.StartedAt), nullMillis(u.FinishedAt), nullMillis(u.PurgedAt), u.PublishedURL, db.ToMillis(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// Get returns the record with id.
func (r *Repo) Get(ctx context.Context, id string) (*Upload, error) {
	u, err := scanUpload(r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetByFileName returns the record whose stored file is name.
func (r *Repo) GetByFileName(ctx context.Context, name string) (*Upload, error) {
	u, err := scanUpload(r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE file_name=$1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// ListByUser returns the uploads whose user id equals userID exactly, oldest first.
func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Upload, error) {
	return r.query(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE user_id=$1 ORDER BY uploaded_at ASC, id ASC`, userID)
}

// ListRecent returns uploads newest first.
func (r *Repo) ListRecent(ctx context.Context, limit, offset int) ([]Upload, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.query(ctx, `SELECT `+uploadColumns+` FROM uploads ORDER BY uploaded_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
}

// CountByStatus returns the number of records per status. Every status is present in the map.
func (r *Repo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM uploads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// ClaimNext moves the highest-priority, oldest due pending record to running
// and returns it, or returns nil when nothing is due. The status check in the
// UPDATE makes the claim safe against a concurrent claimer.
func (r *Repo) ClaimNext(ctx context.Context, now time.Time) (*Upload, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := r.db.QueryRowContext(ctx, `SELECT id FROM uploads
			WHERE status=$1 AND next_attempt_at <= $2
			ORDER BY priority DESC, uploaded_at ASC, id ASC LIMIT 1`,
			string(StatusPending), db.ToMillis(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select next upload: %w", err)
		}
		ms := db.ToMillis(now)
		res, err := r.db.ExecContext(ctx, `UPDATE uploads
			SET status=$1, attempts=attempts+1, started_at=$2, finished_at=NULL, updated_at=$2
			WHERE id=$3 AND status=$4`,
			string(StatusRunning), ms, id, string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("claim upload: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.Get(ctx, id)
		}
	}
	return nil, nil
}

// transition applies set to id when its status is one of from. It returns
// ErrNotFound for a missing id and ErrConflict for a disallowed status.
func (r *Repo) transition(ctx context.Context, id string, from []Status, set string, args ...any) error {
	return r.transitionIf(ctx, id, from, "", set, args...)
}

// transitionIf is transition with an extra WHERE condition, checked in the
// same statement. A record failing cond yields ErrConflict.
func (r *Repo) transitionIf(ctx context.Context, id string, from []Status, cond, set string, args ...any) error {
	placeholders := make([]string, len(from))
	params := append([]any{}, args...)
	params = append(params, id)
	idArg := len(params)
	for i, s := range from {
		params = append(params, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(params))
	}
	q := fmt.Sprintf(`UPDATE uploads SET %s WHERE id=$%d AND status IN (%s)`, set, idArg, strings.Join(placeholders, ","))
	if cond != "" {
		q += " AND " + cond
	}
	res, err := r.db.ExecContext(ctx, q, params...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// Complete records a successful analysis of a running record.
func (r *Repo) Complete(ctx context.Context, id string, res Result) error {
	now := db.ToMillis(time.Now())
	var score any
	if res.Score != nil {
		score = *res.Score
	}
	return r.transition(ctx, id, []Status{StatusRunning},
		`status=$1, result_summary=$2, result_score=$3, result_raw=$4, analysis_error='', finished_at=$5, updated_at=$5`,
		string(StatusDone), res.Summary, score, res.Raw, now)
}

// Fail records a failed attempt of a running record. A non-zero retryAt puts
// the record back to pending, due at retryAt; a zero retryAt marks it failed.
func (r *Repo) Fail(ctx context.Context, id, cause string, retryAt time.Time) (Status, error) {
	now := db.ToMillis(time.Now())
	if !retryAt.IsZero() {
		err := r.transition(ctx, id, []Status{StatusRunning},
			`status=$1, analysis_error=$2, next_attempt_at=$3, updated_at=$4`,
			string(StatusPending), cause, db.ToMillis(retryAt), now)
		return StatusPending, err
	}
	err := r.transition(ctx, id, []Status{StatusRunning},
		`status=$1, analysis_error=$2, finished_at=$3, updated_at=$3`,
		string(StatusFailed), cause, now)
	return StatusFailed, err
}

// Cancel marks a pending or running record canceled and returns the status it had.
// Finished records yield ErrConflict.
func (r *Repo) Cancel(ctx context.Context, id string) (Status, error) {
	u, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if u.Status.Finished() {
		return u.Status, ErrConflict
	}
	now := db.ToMillis(time.Now())
	err = r.transition(ctx, id, []Status{u.Status},
		`status=$1, analysis_error=$2, finished_at=$3, updated_at=$3`,
		string(StatusCanceled), "canceled", now)
	return u.Status, err
}

// Requeue puts a finished record back to pending with a fresh attempt budget.
// Records whose video was purged cannot be requeued.
func (r *Repo) Requeue(ctx context.Context, id string) error {
	u, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.Purged() {
		return ErrConflict
	}
	return r.transitionIf(ctx, id, []Status{StatusDone, StatusFailed, StatusCanceled}, `purged_at IS NULL`,
		`status=$1, attempts=0, next_attempt_at=0, analysis_error='', started_at=NULL, finished_at=NULL, updated_at=$2`,
		string(StatusPending), db.ToMillis(time.Now()))
}

// SetPriority changes the queue priority. Higher values are claimed first.
func (r *Repo) SetPriority(ctx context.Context, id string, priority int) error {
	return r.update(ctx, id, `priority=$1, updated_at=$2`, priority, db.ToMillis(time.Now()))
}

// MarkPurged records that the video file was removed at t.
func (r *Repo) MarkPurged(ctx context.Context, id string, t time.Time) error {
	return r.update(ctx, id, `purged_at=$1, updated_at=$2`, db.ToMillis(t), db.ToMillis(time.Now()))
}

// ClaimPurge marks a finished record purged at t and reports whether this call
// did so. Pending, running and already purged records are left alone, so a
// caller may delete the video only after ClaimPurge returns true.
func (r *Repo) ClaimPurge(ctx context.Context, id string, t time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE uploads SET purged_at=$1, updated_at=$2
		WHERE id=$3 AND purged_at IS NULL AND status NOT IN ($4, $5)`,
		db.ToMillis(t), db.ToMillis(time.Now()), id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UnmarkPurged clears purged_at after a video could not be deleted.
func (r *Repo) UnmarkPurged(ctx context.Context, id string) error {
	return r.update(ctx, id, `purged_at=NULL, updated_at=$1`, db.ToMillis(time.Now()))
}

// SetPublishedURL stores the URL the video was published to.
func (r *Repo) SetPublishedURL(ctx context.Context, id, url string) error {
	return r.update(ctx, id, `published_url=$1, updated_at=$2`, url, db.ToMillis(time.Now()))
}

func (r *Repo) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id)
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE uploads SET %s WHERE id=$%d`, set, len(args)), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunning returns running records to pending. It is called at worker
// start, when no analysis can be in flight for this data directory.
func (r *Repo) ResetRunning(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE uploads SET status=$1, updated_at=$2 WHERE status=$3`,
		string(StatusPending), db.ToMillis(time.Now()), string(StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListWithFiles returns every record whose video has not been purged, newest first.
func (r *Repo) ListWithFiles(ctx context.Context) ([]Upload, error) {
	return r.query(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE purged_at IS NULL ORDER BY uploaded_at DESC, id DESC`)
}
