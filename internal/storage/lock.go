package storage

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/starford/folio/internal/apperr"
)

// LockFileName is the database lock file kept at the store root.
const LockFileName = "db.lock"

// acquireDBLock takes an exclusive lock for writers and a shared lock for
// read-only opens. Contention fails fast with apperr.ErrLocked.
func acquireDBLock(root string, readOnly bool) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(root, LockFileName))

	var (
		ok  bool
		err error
	)
	if readOnly {
		ok, err = fl.TryRLock()
	} else {
		ok, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lock %s: %w", fl.Path(), err)
	}
	if !ok {
		mode := "writing"
		if readOnly {
			mode = "reading"
		}
		return nil, fmt.Errorf("storage: lock for %s: %w", mode, apperr.ErrLocked)
	}
	return fl, nil
}
