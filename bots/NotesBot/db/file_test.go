package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	at, err := ParseRemindAt(s)
	require.NoError(t, err)
	return at
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	return s, path
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s, path := newFileStore(t)

	notes, err := s.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, notes)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "reading must not create the file")
}

func TestFileStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	n, err := s.Append(ctx, 42, Note{Title: "Pay rent", Description: "due today", RemindAt: mustParse(t, "2099-01-01 09:00")})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Notified)

	_, err = s.Append(ctx, 42, Note{Title: "Call mom", RemindAt: mustParse(t, "2099-01-02 10:30")})
	require.NoError(t, err)

	notes, err := s.List(ctx, 42)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "Pay rent", notes[0].Title)
	assert.Equal(t, "due today", notes[0].Description)
	assert.Equal(t, "2099-01-01 09:00", FormatRemindAt(notes[0].RemindAt))
	assert.Equal(t, n.ID, notes[0].ID)
	assert.Equal(t, "Call mom", notes[1].Title)

	other, err := s.List(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t)

	n, err := s.Append(ctx, 1, Note{Title: "a", Description: "b", RemindAt: mustParse(t, "2030-05-06 07:08")})
	require.NoError(t, err)
	require.NoError(t, s.MarkNotified(ctx, 1, n.ID))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	notes, err := reopened.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, n.ID, notes[0].ID)
	assert.True(t, notes[0].Notified)
}

func TestFileStore_FileLayout(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t)

	_, err := s.Append(ctx, 5, Note{Title: "t", Description: "d", RemindAt: mustParse(t, "2031-12-31 23:59")})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"5": [`)
	assert.Contains(t, string(data), `"remind_at": "2031-12-31 23:59"`)
	assert.Contains(t, string(data), `"notified": false`)
}

func TestFileStore_WritesLeaveNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, 1, Note{Title: "t", RemindAt: mustParse(t, "2031-12-31 23:59")})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "db.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerm), info.Mode().Perm())
}

func TestFileStore_LegacyFileWithoutIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	legacy := `{
  "100": [
    {"title": "old", "description": "one", "remind_at": "2020-01-01 10:00", "notified": false},
    {"title": "older", "description": "two", "remind_at": "2020-01-01 11:00", "notified": true}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := OpenFileStore(path)
	require.NoError(t, err)

	due, err := s.ScanDue(ctx, mustParse(t, "2021-01-01 00:00"))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(100), due[0].Usr)
	assert.Equal(t, "old", due[0].Note.Title)

	// the ID handed out by ScanDue must be accepted by MarkNotified
	require.NoError(t, s.MarkNotified(ctx, 100, due[0].Note.ID))

	due, err = s.ScanDue(ctx, mustParse(t, "2021-01-01 00:00"))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestFileStore_CorruptFileIsFatal(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"1": [`,
		"bad user":      `{"bob": []}`,
		"bad remind at": `{"1": [{"title": "x", "description": "y", "remind_at": "tomorrow", "notified": false}]}`,
		"wrong shape":   `["a", "b"]`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := OpenFileStore(path)
			require.Error(t, err)
			assert.Equal(t, ErrCorruptStore, errors.Cause(err))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, content, string(data), "corrupt store must be left untouched")
		})
	}
}

func TestFileStore_EmptyFileIsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := OpenFileStore(path)
	require.NoError(t, err)

	notes, err := s.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestFileStore_MarkNotified(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	n, err := s.Append(ctx, 1, Note{Title: "x", RemindAt: mustParse(t, "2000-01-01 00:00")})
	require.NoError(t, err)

	require.NoError(t, s.MarkNotified(ctx, 1, n.ID))
	// marking twice is harmless and keeps the flag set
	require.NoError(t, s.MarkNotified(ctx, 1, n.ID))

	notes, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.True(t, notes[0].Notified)

	err = s.MarkNotified(ctx, 1, "no-such-note")
	assert.Equal(t, ErrNoteNotFound, errors.Cause(err))

	err = s.MarkNotified(ctx, 2, n.ID)
	assert.Equal(t, ErrNoteNotFound, errors.Cause(err), "notes of another user can't be marked")
}

func TestFileStore_ScanDue(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)
	now := mustParse(t, "2025-06-01 12:00")

	past, err := s.Append(ctx, 2, Note{Title: "past", RemindAt: mustParse(t, "2025-06-01 11:00")})
	require.NoError(t, err)
	_, err = s.Append(ctx, 2, Note{Title: "future", RemindAt: mustParse(t, "2025-06-01 12:01")})
	require.NoError(t, err)
	exact, err := s.Append(ctx, 1, Note{Title: "exact", RemindAt: now})
	require.NoError(t, err)
	done, err := s.Append(ctx, 1, Note{Title: "done", RemindAt: mustParse(t, "2025-01-01 00:00")})
	require.NoError(t, err)
	require.NoError(t, s.MarkNotified(ctx, 1, done.ID))

	due, err := s.ScanDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, DueNote{Usr: 1, Note: exact}, due[0])
	assert.Equal(t, int64(2), due[1].Usr)
	assert.Equal(t, past.ID, due[1].Note.ID)
}

func TestFileStore_ConcurrentAppendsAndMarks(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t)

	const users = 4
	const perUser = 25

	seed := make([]Note, users)
	for u := 0; u < users; u++ {
		n, err := s.Append(ctx, int64(u), Note{Title: "seed", RemindAt: mustParse(t, "2000-01-01 00:00")})
		require.NoError(t, err)
		seed[u] = n
	}

	future := mustParse(t, "2099-01-01 00:00")

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(2)
		go func(usr int64) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				_, err := s.Append(ctx, usr, Note{Title: fmt.Sprintf("n%d", i), RemindAt: future})
				assert.NoError(t, err)
			}
		}(int64(u))
		go func(usr int64, id string) {
			defer wg.Done()
			assert.NoError(t, s.MarkNotified(ctx, usr, id))
		}(int64(u), seed[u].ID)
	}
	wg.Wait()

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	for u := 0; u < users; u++ {
		notes, err := reopened.List(ctx, int64(u))
		require.NoError(t, err)
		assert.Len(t, notes, perUser+1)
		assert.True(t, notes[0].Notified, "mark of user %d was lost", u)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	s, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, 1, Note{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	notes, err := s.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
