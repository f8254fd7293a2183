// Package timeline keeps the ordered, deduplicated message history of one
// chat room. Three producers feed it: the snapshot sent on every handshake,
// live pushes appended at the tail, and pages of older history inserted at
// the head in answer to a pagination request.
//
// A Log is not safe for concurrent use; the session loop owns it.
package timeline

import (
	"errors"

	"github.com/AmirhsFar/Chat-Service/internal/models"
	"github.com/google/uuid"
)

// ErrStaleCursor is returned by PrependOlder when the page does not answer
// the request currently outstanding.
var ErrStaleCursor = errors.New("timeline: page does not match outstanding request")

// Entry is a message plus a local key that stays stable for the life of the
// log, so a UI can key rows even for join notices, which have no id.
type Entry struct {
	Key     string
	Message models.Message
}

type Log struct {
	entries []Entry
	ids     map[string]struct{}

	cursor      string
	outstanding bool
	exhausted   bool
}

func New() *Log {
	return &Log{ids: make(map[string]struct{})}
}

// Seed replaces the log with a snapshot given oldest-first and resets
// pagination. Duplicate ids inside the snapshot keep their first occurrence.
func (l *Log) Seed(messages []models.Message) {
	l.entries = make([]Entry, 0, len(messages))
	l.ids = make(map[string]struct{}, len(messages))
	l.cursor, l.outstanding, l.exhausted = "", false, false

	for _, m := range messages {
		m.Origin = models.OriginSnapshot
		if l.known(m.ID) {
			continue
		}
		l.entries = append(l.entries, l.entry(m))
	}
}

// AppendLive adds a message at the tail. A message whose id is already in
// the log is dropped; join notices are always appended. It reports whether
// anything was added.
func (l *Log) AppendLive(m models.Message) bool {
	if m.Origin != models.OriginJoin {
		m.Origin = models.OriginLive
	}
	if l.known(m.ID) {
		return false
	}
	l.entries = append(l.entries, l.entry(m))
	return true
}

// BeginOlder starts a pagination request and returns its cursor, the id of
// the oldest real message. It returns false when a request is already
// outstanding, when there is no real message to page back from, or once
// history is exhausted.
func (l *Log) BeginOlder() (string, bool) {
	if l.outstanding || l.exhausted {
		return "", false
	}
	oldest := l.oldestID()
	if oldest == "" {
		return "", false
	}
	l.cursor, l.outstanding = oldest, true
	return oldest, true
}

// CancelOlder forgets the outstanding request, if any. A page arriving for
// it afterwards is stale.
func (l *Log) CancelOlder() {
	l.cursor, l.outstanding = "", false
}

// Outstanding returns the cursor of the request in flight.
func (l *Log) Outstanding() (string, bool) {
	return l.cursor, l.outstanding
}

// PrependOlder inserts a page of older messages, given oldest-first, at the
// head and completes the outstanding request. Messages already present are
// skipped. An empty page marks history as exhausted. It returns the number
// of messages inserted.
func (l *Log) PrependOlder(cursor string, messages []models.Message) (int, error) {
	if !l.outstanding || cursor != l.cursor {
		return 0, ErrStaleCursor
	}
	l.cursor, l.outstanding = "", false

	if len(messages) == 0 {
		l.exhausted = true
		return 0, nil
	}

	page := make([]Entry, 0, len(messages))
	for _, m := range messages {
		m.Origin = models.OriginPage
		if l.known(m.ID) {
			continue
		}
		page = append(page, l.entry(m))
	}
	l.entries = append(page, l.entries...)
	return len(page), nil
}

func (l *Log) Exhausted() bool { return l.exhausted }

func (l *Log) Len() int { return len(l.entries) }

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Messages returns a copy of the messages, oldest first.
func (l *Log) Messages() []models.Message {
	out := make([]models.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Message
	}
	return out
}

// known reports whether id is already present, recording it if not.
// Empty ids are never known.
func (l *Log) known(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := l.ids[id]; ok {
		return true
	}
	l.ids[id] = struct{}{}
	return false
}

func (l *Log) entry(m models.Message) Entry {
	return Entry{Key: uuid.NewString(), Message: m}
}

func (l *Log) oldestID() string {
	for _, e := range l.entries {
		if e.Message.ID != "" {
			return e.Message.ID
		}
	}
	return ""
}
