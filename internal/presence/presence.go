// Package presence tracks who is looking at the document: online status,
// cursor, viewport, typing state. The manager is owned by a single task;
// consumers only ever see snapshots.
//
// Status is a pure function of silence: up to 5s of quiet is Online, 5-30s
// is Away, past 30s the entry is evicted with a UserLeft event. Memory is
// additionally bounded by an LRU capacity; whether pressure eviction of a
// still-connected user is acceptable is deployment policy, so the capacity
// is configurable and zero disables it.
package presence

import (
	"sort"
	"time"

	"github.com/coedit/syncpad/internal/viewport"
)

// Status is a user's liveness classification.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const (
	// AwayAfter is the silence needed before Online degrades to Away.
	AwayAfter = 5 * time.Second
	// EvictAfter is the silence needed before an entry is dropped.
	EvictAfter = 30 * time.Second
	// DefaultCapacity bounds tracked entries under many-user documents.
	DefaultCapacity = 1000
	// TickInterval is the recommended cadence for calling Tick.
	TickInterval = time.Second
)

// Cursor is a document coordinate.
type Cursor struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Entry is one user's tracked presence.
type Entry struct {
	UserID          string
	Status          Status
	LastActive      time.Time
	Cursor          *Cursor
	Viewport        *viewport.Rect
	IsTyping        bool
	ResolutionLevel int
}

// Delta is a partial presence update; nil fields leave the tracked value
// unchanged. An all-nil delta is a liveness ping.
type Delta struct {
	Cursor          *Cursor
	Viewport        *viewport.Rect
	Typing          *bool
	ResolutionLevel *int
}

// EventKind discriminates manager events.
type EventKind string

const (
	// EventUserLeft fires on any eviction, whether by silence or by
	// capacity pressure.
	EventUserLeft EventKind = "user_left"
)

// Event is emitted by Tick and Update when the tracked population shrinks.
type Event struct {
	Kind   EventKind
	UserID string
}

// Manager owns the presence table. Not safe for concurrent use; it is
// owned by the session loop and updated via messages.
type Manager struct {
	entries map[string]*Entry
	// recency holds user ids, most recently updated last; index 0 is the
	// LRU eviction candidate.
	recency  []string
	capacity int
	now      func() time.Time
}

// NewManager returns a manager with the given capacity; capacity 0 means
// unconditional retention, negative picks the default.
func NewManager(capacity int, now func() time.Time) *Manager {
	if capacity < 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		entries:  make(map[string]*Entry),
		capacity: capacity,
		now:      now,
	}
}

// Update merges a partial update into the user's entry, creating it on
// first contact. Any update makes the user Online and bumps LastActive.
// Returns UserLeft events caused by capacity pressure.
func (m *Manager) Update(userID string, d Delta) []Event {
	e, ok := m.entries[userID]
	if !ok {
		e = &Entry{UserID: userID}
		m.entries[userID] = e
	}
	e.Status = StatusOnline
	e.LastActive = m.now()
	if d.Cursor != nil {
		c := *d.Cursor
		e.Cursor = &c
	}
	if d.Viewport != nil {
		v := *d.Viewport
		e.Viewport = &v
	}
	if d.Typing != nil {
		e.IsTyping = *d.Typing
	}
	if d.ResolutionLevel != nil {
		e.ResolutionLevel = *d.ResolutionLevel
	}
	m.touch(userID)

	var events []Event
	for m.capacity > 0 && len(m.entries) > m.capacity {
		victim := m.recency[0]
		m.evict(victim)
		events = append(events, Event{Kind: EventUserLeft, UserID: victim})
	}
	return events
}

// Tick recomputes every status from the current silence and evicts
// entries past the terminal threshold, emitting a UserLeft per eviction.
// Call it once per TickInterval.
func (m *Manager) Tick() []Event {
	now := m.now()
	var events []Event
	var gone []string

	for id, e := range m.entries {
		silence := now.Sub(e.LastActive)
		switch {
		case silence > EvictAfter:
			gone = append(gone, id)
		case silence > AwayAfter:
			e.Status = StatusAway
			e.IsTyping = false
		default:
			e.Status = StatusOnline
		}
	}

	sort.Strings(gone) // deterministic event order
	for _, id := range gone {
		m.evict(id)
		events = append(events, Event{Kind: EventUserLeft, UserID: id})
	}
	return events
}

// Snapshot returns copies of all entries, sorted by user id.
func (m *Manager) Snapshot() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		c := *e
		if e.Cursor != nil {
			cur := *e.Cursor
			c.Cursor = &cur
		}
		if e.Viewport != nil {
			v := *e.Viewport
			c.Viewport = &v
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the tracked entry count.
func (m *Manager) Len() int {
	return len(m.entries)
}

func (m *Manager) touch(userID string) {
	for i, id := range m.recency {
		if id == userID {
			m.recency = append(m.recency[:i], m.recency[i+1:]...)
			break
		}
	}
	m.recency = append(m.recency, userID)
}

func (m *Manager) evict(userID string) {
	delete(m.entries, userID)
	for i, id := range m.recency {
		if id == userID {
			m.recency = append(m.recency[:i], m.recency[i+1:]...)
			break
		}
	}
}
