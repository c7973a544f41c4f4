package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
)

/**
DB tables:
- notes:
	- note_id: text - note identity
	- user_id: bigint - note owner
	- seq: bigserial - insertion order
	- title: text - note title
	- description: text - note description
	- remind_at: timestamptz - when to remind
	- notified: boolean - reminder was sent
	- created_on: timestamptz - when the note was added

Indexes:
- notes:
	- note_id - primary key
	- (user_id, seq) - listing
	- remind_at where not notified - due scan
*/

var (
	repeatableReadIsoLevel = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	clk                    = clock.New()
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS notes (
	note_id     text PRIMARY KEY,
	user_id     bigint NOT NULL,
	seq         bigserial NOT NULL,
	title       text NOT NULL,
	description text NOT NULL,
	remind_at   timestamptz NOT NULL,
	notified    boolean NOT NULL DEFAULT FALSE,
	created_on  timestamptz NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS notes_user_idx ON notes (user_id, seq)`,
	`CREATE INDEX IF NOT EXISTS notes_due_idx ON notes (remind_at) WHERE NOT notified`,
}

// pgxIface is the part of *pgxpool.Pool the store uses.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PgStore keeps notes in PostgreSQL. Each operation is a single statement, so
// the database provides the atomicity the file store gets from its mutex.
type PgStore struct {
	conn pgxIface
}

// NewPgStore connects to PostgreSQL and creates the schema if needed.
// Connection string should look like postgresql://localhost:5432/notes?user=admn&password=passwd
func NewPgStore(ctx context.Context, connStr string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	s, err := newPgStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPgStore(ctx context.Context, conn pgxIface) (*PgStore, error) {
	if err := conn.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	s := &PgStore{conn: conn}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, repeatableReadIsoLevel)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit")
	}
	return nil
}

// List returns notes of the user in insertion order
func (s *PgStore) List(ctx context.Context, usr int64) ([]Note, error) {
	rows, err := s.conn.Query(ctx, `SELECT note_id, title, description, remind_at, notified
FROM notes
WHERE user_id=$1
ORDER BY seq ASC`, usr)
	if err != nil {
		return nil, errors.Wrap(err, "failed querying notes")
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Description, &n.RemindAt, &n.Notified); err != nil {
			return nil, errors.Wrap(err, "failed scanning note")
		}
		n.RemindAt = n.RemindAt.In(time.Local)
		notes = append(notes, n)
	}

	return notes, errors.Wrap(rows.Err(), "failed reading notes")
}

// Append inserts new note at the end of the user's list
func (s *PgStore) Append(ctx context.Context, usr int64, n Note) (Note, error) {
	n.ID = uuid.NewString()
	if _, err := s.conn.Exec(ctx, `INSERT INTO notes(note_id, user_id, title, description, remind_at, notified, created_on)
VALUES($1, $2, $3, $4, $5, $6, $7)`, n.ID, usr, n.Title, n.Description, n.RemindAt, n.Notified, clk.Now().UTC()); err != nil {
		return Note{}, errors.Wrap(err, "failed to add note")
	}

	return n, nil
}

// MarkNotified sets the notified flag of the note
func (s *PgStore) MarkNotified(ctx context.Context, usr int64, id string) error {
	tag, err := s.conn.Exec(ctx, `UPDATE notes SET notified=TRUE
WHERE user_id=$1 AND note_id=$2`, usr, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark note as notified")
	}

	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNoteNotFound, "user %d, note %s", usr, id)
	}
	return nil
}

// ScanDue returns due notes of all users ordered by user ID
func (s *PgStore) ScanDue(ctx context.Context, now time.Time) ([]DueNote, error) {
	rows, err := s.conn.Query(ctx, `SELECT user_id, note_id, title, description, remind_at, notified
FROM notes
WHERE NOT notified AND remind_at<=$1
ORDER BY user_id ASC, seq ASC`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed querying due notes")
	}
	defer rows.Close()

	var due []DueNote
	for rows.Next() {
		var d DueNote
		n := &d.Note
		if err := rows.Scan(&d.Usr, &n.ID, &n.Title, &n.Description, &n.RemindAt, &n.Notified); err != nil {
			return nil, errors.Wrap(err, "failed scanning due note")
		}
		n.RemindAt = n.RemindAt.In(time.Local)
		due = append(due, d)
	}

	return due, errors.Wrap(rows.Err(), "failed reading due notes")
}

func (s *PgStore) Close() error {
	s.conn.Close()
	return nil
}
