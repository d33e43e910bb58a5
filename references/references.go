// Package references records the admin-supplied reference images the
// analyzer compares uploads against. Files live in a media.Store; this
// package keeps their metadata in reference_images.
package references

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/media"
)

// ErrNotFound is returned when no reference image has the requested id.
var ErrNotFound = errors.New("reference image not found")

// Image is one reference_images row.
type Image struct {
	ID           string    `json:"id"`
	FileName     string    `json:"fileName"`
	OriginalName string    `json:"originalName"`
	Label        string    `json:"label"`
	SizeBytes    int64     `json:"sizeBytes"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Repo stores reference image metadata and removes files with their rows.
type Repo struct {
	db    *sql.DB
	files *media.Store
}

func New(database *sql.DB, files *media.Store) *Repo {
	return &Repo{db: database, files: files}
}

// Files is the store holding the image files.
func (r *Repo) Files() *media.Store { return r.files }

// Insert records an image already written to the store.
func (r *Repo) Insert(ctx context.Context, img *Image) error {
	if img.FileName == "" {
		return errors.New("file name is required")
	}
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.UploadedAt.IsZero() {
		img.UploadedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO reference_images (id, file_name, original_name, label, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		img.ID, img.FileName, img.OriginalName, img.Label, img.SizeBytes, db.ToMillis(img.UploadedAt))
	if err != nil {
		return fmt.Errorf("insert reference image: %w", err)
	}
	return nil
}

// List returns every reference image, newest first.
func (r *Repo) List(ctx context.Context) ([]Image, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, file_name, original_name, label, size_bytes, uploaded_at
		FROM reference_images ORDER BY uploaded_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Image
	for rows.Next() {
		var (
			img Image
			at  int64
		)
		if err := rows.Scan(&img.ID, &img.FileName, &img.OriginalName, &img.Label, &img.SizeBytes, &at); err != nil {
			return nil, err
		}
		img.UploadedAt = db.FromMillis(at)
		out = append(out, img)
	}
	return out, rows.Err()
}

// Get returns the image with id.
func (r *Repo) Get(ctx context.Context, id string) (*Image, error) {
	var (
		img = Image{ID: id}
		at  int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT file_name, original_name, label, size_bytes, uploaded_at
		FROM reference_images WHERE id=$1`, id).
		Scan(&img.FileName, &img.OriginalName, &img.Label, &img.SizeBytes, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	img.UploadedAt = db.FromMillis(at)
	return &img, nil
}

// Delete removes the row and its file. A file already gone is not an error.
func (r *Repo) Delete(ctx context.Context, id string) error {
	img, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reference_images WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete reference image: %w", err)
	}
	if err := r.files.Remove(img.FileName); err != nil {
		return fmt.Errorf("remove %s: %w", img.FileName, err)
	}
	return nil
}

// Count returns the number of reference images.
func (r *Repo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reference_images`).Scan(&n)
	return n, err
}
