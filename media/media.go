// Package media validates uploaded files and owns the on-disk directories
// for uploaded videos and admin reference images.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedType is returned when a file's MIME type or extension is not accepted.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge is returned when a file exceeds the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrInvalidName is returned for names that could escape the store directory.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNotFound is returned when a stored file does not exist.
	ErrNotFound = errors.New("file not found")
)

// Filter accepts a file when both its MIME type and its lower-cased extension
// match Pattern.
type Filter struct {
	Pattern *regexp.Regexp
	// Aliases are extra MIME types accepted as-is.
	Aliases []string
}

var (
	// Videos accepts mp4, avi and mpeg uploads.
	Videos = Filter{
		Pattern: regexp.MustCompile(`mp4|avi|mpeg`),
		Aliases: []string{"video/x-msvideo", "video/msvideo"},
	}
	// Images accepts reference stills.
	Images = Filter{Pattern: regexp.MustCompile(`jpeg|jpg|png`)}
)

// Accept reports whether a file with the given MIME type and original name passes.
func (f Filter) Accept(contentType, originalName string) bool {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" || !f.Pattern.MatchString(ext) {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if f.Pattern.MatchString(ct) {
		return true
	}
	for _, a := range f.Aliases {
		if ct == a {
			return true
		}
	}
	return false
}

// Describe lists the accepted pattern for error messages.
func (f Filter) Describe() string { return f.Pattern.String() }

// SizeLabel renders a byte count the way history pages show it: kilobytes with two decimals.
func SizeLabel(bytes int64) string {
	return fmt.Sprintf("%.2f KB", float64(bytes)/1024)
}

// tempDirName holds in-flight uploads. It sits inside the store so the final
// rename stays on one filesystem, but apart from the files other programs read.
const tempDirName = ".tmp"

// Store is a flat directory of files named by StoredName.
type Store struct {
	dir string
}

// NewStore creates dir and its temp subdirectory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// TempDir returns the directory in-flight uploads are written to.
func (s *Store) TempDir() string { return filepath.Join(s.dir, tempDirName) }

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

// StoredName returns a fresh UUID name carrying the lower-cased extension of originalName.
func StoredName(originalName string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
}

// Save streams r into a new file named by StoredName(originalName). Data is
// written to a temp file first and renamed into place, so a failed or
// oversized upload never leaves a partial file under its final name.
// maxBytes <= 0 disables the limit.
func (s *Store) Save(r io.Reader, originalName string, maxBytes int64) (name string, size int64, err error) {
	if err := os.MkdirAll(s.TempDir(), 0o755); err != nil {
		return "", 0, fmt.Errorf("create temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.TempDir(), "upload-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	size, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if maxBytes > 0 && size > maxBytes {
		return "", 0, ErrTooLarge
	}

	name = StoredName(originalName)
	if err = os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return "", 0, fmt.Errorf("rename upload: %w", err)
	}
	return name, size, nil
}

// Resolve maps a stored name to its path inside the store. It rejects
// anything that is not a plain base name.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) ||
		strings.Contains(name, "..") || filepath.Base(name) != name {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Open returns the stored file for reading, or ErrNotFound.
func (s *Store) Open(name string) (*os.File, fs.FileInfo, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Stat returns file info for a stored name, or ErrNotFound.
func (s *Store) Stat(name string) (fs.FileInfo, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return info, err
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (s *Store) Remove(name string) error {
	path, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CleanupTemp removes temp files older than olderThan and returns how many
// were removed. Both the temp subdirectory and .tmp files left in the store
// itself by older versions are swept.
func (s *Store) CleanupTemp(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, dir := range []string{s.TempDir(), s.dir} {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
