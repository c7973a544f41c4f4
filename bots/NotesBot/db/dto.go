package db

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// RemindAtLayout is the only accepted textual form of a reminder time. It's
// used both for user input and for the persisted store.
const RemindAtLayout = "2006-01-02 15:04"

var remindAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}$`)

var errUnknownFormat = errors.New("unknown format")

// Note is a single reminder of a user.
type Note struct {
	ID          string    // note identity within the store
	Title       string    // note title
	Description string    // note description
	RemindAt    time.Time // when to remind, minute resolution, local clock
	Notified    bool      // reminder was delivered; never goes back to false
}

// Due reports whether the reminder has to be sent at the moment now.
func (n *Note) Due(now time.Time) bool {
	return !n.Notified && !n.RemindAt.After(now)
}

// DueNote is a note that has to be delivered to its owner.
type DueNote struct {
	Usr  int64
	Note Note
}

// ParseRemindAt parses text in the YYYY-MM-DD HH:MM format in the local time
// zone. Zero-padded fields are required and the date must exist in the
// calendar.
func ParseRemindAt(txt string) (time.Time, error) {
	if !remindAtPattern.MatchString(txt) {
		return time.Time{}, errUnknownFormat
	}

	t, err := time.ParseInLocation(RemindAtLayout, txt, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid date or time")
	}
	return t, nil
}

// FormatRemindAt is the inverse of ParseRemindAt.
func FormatRemindAt(t time.Time) string {
	return t.In(time.Local).Format(RemindAtLayout)
}
