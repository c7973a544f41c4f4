package reminder

import (
	"context"
	"time"

	"github.com/Lilia2288/tg-notes-bot/bots/NotesBot/db"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultInterval between two scans of the store
const DefaultInterval = 60 * time.Second

// Store is the part of the note store the reminder works with.
type Store interface {
	ScanDue(ctx context.Context, now time.Time) ([]db.DueNote, error)
	MarkNotified(ctx context.Context, usr int64, id string) error
}

// Sender delivers a reminder to the user. A nil error means the user got it.
type Sender interface {
	SendReminder(ctx context.Context, usr int64, n db.Note) error
}

// Manager periodically scans the store and delivers due reminders. A note is
// marked as notified only after it was sent, so a crash between the two steps
// makes the note to be sent once more on the next start.
type Manager struct {
	store    Store
	sender   Sender
	logger   *zap.SugaredLogger
	interval time.Duration
	clk      clock.Clock
}

func NewManager(s Store, sender Sender, l *zap.SugaredLogger, interval time.Duration, clk clock.Clock) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		store:    s,
		sender:   sender,
		logger:   l,
		interval: interval,
		clk:      clk,
	}
}

// Run wakes up right away to catch up on reminders missed while the bot was
// down and then every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Infow("reminder started", "interval", m.interval)

	for {
		n, err := m.Wake(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Errorw("failed scanning due notes", "err", err)
		}
		if n > 0 {
			m.logger.Infof("%d reminder(s) delivered", n)
		}

		t := m.clk.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			m.logger.Info("reminder stopped")
			return nil
		case <-t.C:
		}
	}
}

// Wake delivers every note that is due at the moment and returns how many of
// them were delivered and marked. Failed notes are left for the next wake.
func (m *Manager) Wake(ctx context.Context) (int, error) {
	due, err := m.store.ScanDue(ctx, m.clk.Now())
	if err != nil {
		return 0, errors.Wrap(err, "failed getting due notes")
	}

	delivered := 0
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		l := m.logger.With("usr", d.Usr, "note", d.Note.ID)

		if err := m.sender.SendReminder(ctx, d.Usr, d.Note); err != nil {
			l.Warnw("failed sending reminder; will retry", "err", err)
			continue
		}

		// the user already got it; shutting down mustn't cause a resend
		if err := m.store.MarkNotified(context.WithoutCancel(ctx), d.Usr, d.Note.ID); err != nil {
			l.Errorw("failed marking note as notified; the reminder may be sent again", "err", err)
			continue
		}

		delivered++
	}

	return delivered, nil
}
