package fieldtalk

import (
	"sync"
)

// Timeline is the in-memory view state for one open ticket screen: the
// chronological message list plus the pending AI suggestion. Entries are keyed
// by message_sid so that a provisional bubble and its confirmed row (arriving
// via REST or realtime) reconcile in O(1) without changing visual position.
//
// The timeline is view state only; durable writes go through the Store.
type Timeline struct {
	mu       sync.Mutex
	ticketID int64
	order    []string            // sids in display order
	entries  map[string]*Message // keyed by sid
	byID     map[int64]string    // authoritative id -> sid

	suggestion         string
	suggestionExpected bool
}

// NewTimeline creates an empty timeline for a ticket.
func NewTimeline(ticketID int64) *Timeline {
	return &Timeline{
		ticketID: ticketID,
		entries:  make(map[string]*Message),
		byID:     make(map[int64]string),
	}
}

// TicketID returns the ticket this timeline displays.
func (tl *Timeline) TicketID() int64 {
	return tl.ticketID
}

// Apply inserts the message, or replaces the existing entry with the same SID
// in place. Replacement preserves the entry's position, so a provisional
// bubble does not jump when its confirmation arrives.
func (tl *Timeline) Apply(m *Message) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	cp := *m
	if existing, ok := tl.entries[m.SID]; ok {
		if cp.ID <= 0 && existing.ID > 0 {
			cp.ID = existing.ID
		}
		if existing.ID > 0 && existing.ID != cp.ID {
			delete(tl.byID, existing.ID)
		}
	} else {
		tl.order = append(tl.order, m.SID)
	}
	tl.entries[m.SID] = &cp
	if cp.ID > 0 {
		tl.byID[cp.ID] = cp.SID
	}
}

// Remove drops the entry with the given SID. Removing an absent SID is a
// no-op, so the send pipeline and the router can both discard the same
// provisional entry.
func (tl *Timeline) Remove(sid string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	m, ok := tl.entries[sid]
	if !ok {
		return
	}
	delete(tl.entries, sid)
	if m.ID > 0 {
		delete(tl.byID, m.ID)
	}
	for i, s := range tl.order {
		if s == sid {
			tl.order = append(tl.order[:i], tl.order[i+1:]...)
			break
		}
	}
}

// UpdateStatus applies a delivery-status change by authoritative id. Unknown
// ids are dropped: the creating event has not arrived yet.
func (tl *Timeline) UpdateStatus(id int64, status DeliveryStatus) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	sid, ok := tl.byID[id]
	if !ok {
		return false
	}
	tl.entries[sid].Status = status
	return true
}

// Contains reports whether an entry with the given SID is present.
func (tl *Timeline) Contains(sid string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, ok := tl.entries[sid]
	return ok
}

// Messages returns a snapshot of the timeline in display order.
func (tl *Timeline) Messages() []Message {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	out := make([]Message, 0, len(tl.order))
	for _, sid := range tl.order {
		out = append(out, *tl.entries[sid])
	}
	return out
}

// Len returns the number of entries.
func (tl *Timeline) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.order)
}

// ── Suggestion surface ───────────────────────────────────

// SetSuggestion surfaces a pending AI suggestion to the view and clears the
// expected flag.
func (tl *Timeline) SetSuggestion(text string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.suggestion = text
	tl.suggestionExpected = false
}

// Suggestion returns the pending suggestion text, if any.
func (tl *Timeline) Suggestion() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.suggestion
}

// ClearSuggestion removes the pending suggestion from the view.
func (tl *Timeline) ClearSuggestion() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.suggestion = ""
}

// SetSuggestionExpected flags that a customer message arrived and the
// suggestion engine is expected to produce a whisper for it.
func (tl *Timeline) SetSuggestionExpected(v bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.suggestionExpected = v
}

// SuggestionExpected reports whether a whisper is expected but not yet
// arrived.
func (tl *Timeline) SuggestionExpected() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.suggestionExpected
}
