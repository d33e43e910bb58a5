package analysis

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created in the data directory by the process running the worker.
const LockFileName = "worker.lock"

// TryLock takes the exclusive worker lock for dataDir without blocking.
// ok is false when another process already holds it.
func TryLock(dataDir string) (lock *flock.Flock, ok bool, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create data dir: %w", err)
	}
	lock = flock.New(filepath.Join(dataDir, LockFileName))
	ok, err = lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	return lock, ok, nil
}
