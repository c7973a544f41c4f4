package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// tempFilePrefix is the prefix of temporary files used for atomic writes.
	tempFilePrefix = "notes-tmp-"

	filePerm = 0o600
	dirPerm  = 0o755
)

// noteRecord is the persisted form of a note.
type noteRecord struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RemindAt    string `json:"remind_at"`
	Notified    bool   `json:"notified"`
}

// FileStore keeps all notes in one JSON file: an object that maps user IDs to
// lists of notes. Every operation reads the whole file and every mutation
// rewrites it, all under one mutex, so nothing is cached between calls.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// OpenFileStore checks that the file at path is readable and well-formed. A
// missing file is an empty store; a corrupt one is an error.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, errors.Wrap(err, "failed creating store directory")
	}

	s := &FileStore{path: path}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns notes of the user in insertion order
func (s *FileStore) List(ctx context.Context, usr int64) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := s.load()
	if err != nil {
		return nil, err
	}

	return notes[usr], nil
}

// Append adds the note at the end of the user's list
func (s *FileStore) Append(ctx context.Context, usr int64, n Note) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := s.load()
	if err != nil {
		return Note{}, err
	}

	n.ID = uuid.NewString()
	notes[usr] = append(notes[usr], n)

	if err := s.save(notes); err != nil {
		return Note{}, errors.Wrap(err, "failed to add note")
	}
	return n, nil
}

// MarkNotified sets the notified flag of the note
func (s *FileStore) MarkNotified(ctx context.Context, usr int64, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := s.load()
	if err != nil {
		return err
	}

	userNotes := notes[usr]
	for i := range userNotes {
		if userNotes[i].ID != id {
			continue
		}

		if userNotes[i].Notified {
			return nil
		}

		userNotes[i].Notified = true
		if err := s.save(notes); err != nil {
			return errors.Wrap(err, "failed to mark note as notified")
		}
		return nil
	}

	return errors.Wrapf(ErrNoteNotFound, "user %d, note %s", usr, id)
}

// ScanDue returns due notes of all users ordered by user ID
func (s *FileStore) ScanDue(ctx context.Context, now time.Time) ([]DueNote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := s.load()
	if err != nil {
		return nil, err
	}

	users := make([]int64, 0, len(notes))
	for usr := range notes {
		users = append(users, usr)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var due []DueNote
	for _, usr := range users {
		for _, n := range notes[usr] {
			if n.Due(now) {
				due = append(due, DueNote{Usr: usr, Note: n})
			}
		}
	}

	return due, nil
}

func (s *FileStore) Close() error {
	return nil
}

// load reads the whole store. The caller must hold s.mu.
func (s *FileStore) load() (map[int64][]Note, error) {
	notes := make(map[int64][]Note)

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return notes, nil
	case err != nil:
		return nil, errors.Wrapf(err, "failed reading %s", s.path)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return notes, nil
	}

	var raw map[string][]noteRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrCorruptStore, "%s: %v", s.path, err)
	}

	for key, records := range raw {
		usr, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptStore, "%s: bad user ID %q", s.path, key)
		}

		userNotes := make([]Note, 0, len(records))
		for i, r := range records {
			at, err := time.ParseInLocation(RemindAtLayout, r.RemindAt, time.Local)
			if err != nil {
				return nil, errors.Wrapf(ErrCorruptStore, "%s: user %d, note %d: %v", s.path, usr, i, err)
			}

			id := r.ID
			if id == "" {
				id = positionalID(usr, i)
			}

			userNotes = append(userNotes, Note{
				ID:          id,
				Title:       r.Title,
				Description: r.Description,
				RemindAt:    at,
				Notified:    r.Notified,
			})
		}
		notes[usr] = userNotes
	}

	return notes, nil
}

// save rewrites the whole store. The caller must hold s.mu.
func (s *FileStore) save(notes map[int64][]Note) error {
	raw := make(map[string][]noteRecord, len(notes))
	for usr, userNotes := range notes {
		records := make([]noteRecord, 0, len(userNotes))
		for _, n := range userNotes {
			records = append(records, noteRecord{
				ID:          n.ID,
				Title:       n.Title,
				Description: n.Description,
				RemindAt:    FormatRemindAt(n.RemindAt),
				Notified:    n.Notified,
			})
		}
		raw[strconv.FormatInt(usr, 10)] = records
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed encoding notes")
	}

	return writeFileAtomic(s.path, data, filePerm)
}

// positionalID names notes stored without an ID. Notes are never removed or
// reordered, so the position keeps the ID stable.
func positionalID(usr int64, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d/%d", usr, i))).String()
}

// writeFileAtomic replaces filename with data so that readers see either the
// old or the new content, never a partial write.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(filename), tempFilePrefix+"*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return errors.Wrap(err, "failed to chmod temp file")
	}
	if _, err = tmp.Write(data); err != nil {
		return errors.Wrap(err, "failed writing notes")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed syncing notes")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}

	return errors.Wrapf(os.Rename(tmpName, filename), "failed replacing %s", filename)
}
