// Package storage persists note versions as one file per version and is the
// sole source of truth of the database.
package storage

import (
	"context"
	"iter"

	"github.com/starford/folio/internal/models"
)

// UpdateFunc derives the next draft from the current head. Returning false
// skips the write. It runs under the note's write lock and must not write to
// the same note.
type UpdateFunc func(head models.Version) (models.Draft, bool, error)

// Provider is the interface the version chain builds on.
type Provider interface {
	// Create allocates a fresh note and writes its first version.
	Create(ctx context.Context, d models.Draft) (models.Version, error)
	// Append writes a new version on top of the current head.
	Append(ctx context.Context, id models.NoteID, d models.Draft) (models.Version, error)
	// AppendAt appends only if the head is still parent; otherwise apperr.ErrWriteConflict.
	AppendAt(ctx context.Context, id models.NoteID, parent models.VersionID, d models.Draft) (models.Version, error)
	// Update performs a read-modify-write of the head under the note's lock.
	Update(ctx context.Context, id models.NoteID, fn UpdateFunc) (models.Version, bool, error)
	// GetVersion reads one version; apperr.ErrNotFound when absent.
	GetVersion(ctx context.Context, id models.NoteID, v models.VersionID) (models.Version, error)
	// GetLatestVersion reads the head; apperr.ErrNotFound when absent.
	GetLatestVersion(ctx context.Context, id models.NoteID) (models.Version, error)
	// ListNoteIDs scans the notes namespace lazily.
	ListNoteIDs(ctx context.Context) iter.Seq2[models.NoteID, error]
	// Reconstruct rebuilds every derived head pointer from the version files.
	Reconstruct(ctx context.Context) (*Report, error)
	// Refresh drops any cached head pointer so the next read rescans the note.
	Refresh(id models.NoteID)
}

// Verify *Store satisfies Provider at compile time.
var _ Provider = (*Store)(nil)
