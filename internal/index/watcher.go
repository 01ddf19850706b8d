package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

const rescanDelay = 200 * time.Millisecond

// refresher is implemented by sources that cache head pointers.
type refresher interface {
	Refresh(id models.NoteID)
}

// Watch follows the notes namespace with fsnotify and enqueues notes whose
// version files are written by cooperating processes. Commits made through
// the local chain arrive here too and collapse in the queue.
//
// New note directories are added to the watch list as they appear. Because a
// directory may receive files before its watch is registered, each new
// directory schedules a short debounced rescan.
func (e *Engine) Watch(ctx context.Context, notesDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(notesDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(notesDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if _, perr := models.ParseNoteID(ent.Name()); perr == nil && ent.IsDir() {
			if err := w.Add(filepath.Join(notesDir, ent.Name())); err != nil {
				e.logger.Warn("watcher: add dir failed",
					slog.String("note", ent.Name()),
					slog.String("error", err.Error()))
			}
		}
	}
	e.logger.Info("watcher: started", slog.String("root", notesDir))

	var (
		rescanTimer *time.Timer
		rescanCh    <-chan time.Time
		fresh       = make(map[models.NoteID]struct{})
	)
	scheduleRescan := func() {
		if rescanTimer == nil {
			rescanTimer = time.NewTimer(rescanDelay)
			rescanCh = rescanTimer.C
		} else {
			rescanTimer.Reset(rescanDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if rescanTimer != nil {
				rescanTimer.Stop()
			}
			e.logger.Info("watcher: stopped")
			return nil

		case <-rescanCh:
			for id := range fresh {
				e.Enqueue(id)
			}
			clear(fresh)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			dir, name := filepath.Split(ev.Name)
			dir = filepath.Clean(dir)

			// A new note directory directly under the namespace.
			if dir == filepath.Clean(notesDir) {
				id, perr := models.ParseNoteID(name)
				if perr != nil || ev.Op&fsnotify.Create == 0 {
					continue
				}
				if info, statErr := os.Stat(ev.Name); statErr != nil || !info.IsDir() {
					continue
				}
				if addErr := w.Add(ev.Name); addErr != nil {
					e.logger.Warn("watcher: add new dir failed",
						slog.String("path", ev.Name),
						slog.String("error", addErr.Error()))
				}
				fresh[id] = struct{}{}
				scheduleRescan()
				continue
			}

			// A version file inside a note directory.
			if _, isVersion := storage.ParseVersionFileName(name); !isVersion {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			id, perr := models.ParseNoteID(filepath.Base(dir))
			if perr != nil {
				continue
			}
			e.logger.Debug("watcher: version observed",
				slog.String("note", string(id)),
				slog.String("file", name))
			if r, ok := e.src.(refresher); ok {
				r.Refresh(id)
			}
			e.Enqueue(id)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
