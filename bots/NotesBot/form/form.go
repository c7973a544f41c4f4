package form

import (
	"context"
	"strings"
	"sync"

	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/db"
	"github.com/pkg/errors"
)

// Stage of the note form of a user
type Stage int

const (
	StageIdle Stage = iota
	StageAwaitingTitle
	StageAwaitingDescription
	StageAwaitingTime
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAwaitingTitle:
		return "awaiting title"
	case StageAwaitingDescription:
		return "awaiting description"
	case StageAwaitingTime:
		return "awaiting time"
	}
	return "unknown"
}

// Outcome tells the caller what to answer to the user. The machine never
// produces text itself.
type Outcome int

const (
	// OutcomeIgnored means the text wasn't consumed because no form is active.
	OutcomeIgnored Outcome = iota
	OutcomeAskTitle
	OutcomeAskDescription
	OutcomeAskTime
	// OutcomeBadTime means the time didn't parse; the form still waits for it.
	OutcomeBadTime
	// OutcomeSaved means the note was persisted; Result.Note carries it.
	OutcomeSaved
)

// Result of a single event
type Result struct {
	Outcome Outcome
	Note    db.Note
}

// Appender is the part of the store the form needs to save a note.
type Appender interface {
	Append(ctx context.Context, usr int64, n db.Note) (db.Note, error)
}

type draft struct {
	title       string
	description string
}

type session struct {
	mu    sync.Mutex
	stage Stage
	draft draft
}

func (s *session) reset(stage Stage) {
	s.stage = stage
	s.draft = draft{}
}

// Machine keeps a form session per user. Events of one user are serialized by
// the user's session lock, events of different users don't block each other.
type Machine struct {
	store Appender

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewMachine(store Appender) *Machine {
	return &Machine{
		store:    store,
		sessions: make(map[int64]*session),
	}
}

// Sessions are never removed: an abandoned one is just reset to idle, so a
// session pointer fetched by one goroutine never goes stale.
func (m *Machine) session(usr int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[usr]
	if !ok {
		s = &session{stage: StageIdle}
		m.sessions[usr] = s
	}
	return s
}

// Start drops whatever the user was filling in.
func (m *Machine) Start(usr int64) {
	s := m.session(usr)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset(StageIdle)
}

// New starts a fresh form, discarding any unfinished one.
func (m *Machine) New(usr int64) Result {
	s := m.session(usr)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset(StageAwaitingTitle)
	return Result{Outcome: OutcomeAskTitle}
}

// Stage returns the current stage of the user's form
func (m *Machine) Stage(usr int64) Stage {
	s := m.session(usr)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stage
}

// Active reports whether the user is in the middle of a form.
func (m *Machine) Active(usr int64) bool {
	return m.Stage(usr) != StageIdle
}

// Handle feeds a plain text message to the user's form. An error is returned
// only when the note couldn't be saved; the form then keeps waiting for the
// time so the user can resend it.
func (m *Machine) Handle(ctx context.Context, usr int64, txt string) (Result, error) {
	s := m.session(usr)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.stage {
	case StageAwaitingTitle:
		if isBlank(txt) {
			return Result{Outcome: OutcomeAskTitle}, nil
		}
		s.draft.title = txt
		s.stage = StageAwaitingDescription
		return Result{Outcome: OutcomeAskDescription}, nil

	case StageAwaitingDescription:
		if isBlank(txt) {
			return Result{Outcome: OutcomeAskDescription}, nil
		}
		s.draft.description = txt
		s.stage = StageAwaitingTime
		return Result{Outcome: OutcomeAskTime}, nil

	case StageAwaitingTime:
		at, err := db.ParseRemindAt(txt)
		if err != nil {
			return Result{Outcome: OutcomeBadTime}, nil
		}

		d := s.draft
		s.reset(StageIdle)

		n, err := m.store.Append(ctx, usr, db.Note{
			Title:       d.title,
			Description: d.description,
			RemindAt:    at,
		})
		if err != nil {
			s.stage = StageAwaitingTime
			s.draft = d
			return Result{Outcome: OutcomeAskTime}, errors.Wrap(err, "failed saving note")
		}
		return Result{Outcome: OutcomeSaved, Note: n}, nil
	}

	return Result{Outcome: OutcomeIgnored}, nil
}

func isBlank(txt string) bool {
	return strings.TrimSpace(txt) == ""
}
