package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoteNotFound is returned by MarkNotified for an unknown note.
	ErrNoteNotFound = errors.New("note not found")
	// ErrCorruptStore means the persisted notes can't be decoded.
	ErrCorruptStore = errors.New("corrupt note store")
)

// Store is the single source of truth for notes of all users. Every method is
// atomic with respect to every other method.
type Store interface {
	// List returns notes of the user in insertion order.
	List(ctx context.Context, usr int64) ([]Note, error)
	// Append persists a new note at the end of the user's list. The returned
	// note carries the assigned ID.
	Append(ctx context.Context, usr int64, n Note) (Note, error)
	// MarkNotified marks the note as delivered.
	MarkNotified(ctx context.Context, usr int64, id string) error
	// ScanDue returns all undelivered notes with remind time not after now.
	ScanDue(ctx context.Context, now time.Time) ([]DueNote, error)
	Close() error
}

// Open chooses the storage backend: PostgreSQL when connStr is set, the JSON
// file at path otherwise.
func Open(ctx context.Context, path, connStr string) (Store, error) {
	if connStr != "" {
		return NewPgStore(ctx, connStr)
	}
	return OpenFileStore(path)
}
