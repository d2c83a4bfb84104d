package fieldtalk

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Store contract
// ============================================================================

// Store is the durable local cache of tickets, messages and customers. All
// three producers of message state (backfill, realtime router, send pipeline)
// route their writes through the same contract, so correctness never depends
// on arrival order between them, only on UpsertMessage's identity invariant:
// exactly one row per message_sid, with the authoritative id preserved once
// assigned.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// UpsertMessage inserts the message if its SID is absent, otherwise
	// updates the existing row in place. An authoritative id already present
	// on the row is never overwritten with zero.
	UpsertMessage(m *Message) error
	// CreateMessage inserts a message whose identity is already known.
	CreateMessage(m *Message) error
	// UpdateMessage applies a patch to a message by authoritative id. An
	// unknown id is not an error: it returns (false, nil) and writes nothing.
	UpdateMessage(id int64, patch MessagePatch) (bool, error)
	// MessageBySID returns the message with the given SID, or nil.
	MessageBySID(sid string) (*Message, error)
	// MessagesByTicket returns all cached messages for a ticket in
	// chronological order.
	MessagesByTicket(ticketID int64) ([]*Message, error)

	// UpsertTicket inserts or updates a ticket row. A non-nil ResolvedAt on
	// the existing row is never cleared or moved.
	UpsertTicket(t *Ticket) error
	// TicketByNumber returns the ticket with the given human-facing number,
	// or nil.
	TicketByNumber(number string) (*Ticket, error)
	// TicketDetail returns a ticket by id with its customer and resolver,
	// or nil.
	TicketDetail(id int64) (*TicketDetail, error)
	// ResolveTicket sets resolvedAt. Idempotent: an already-resolved ticket
	// is left untouched, and resolvedAt never moves.
	ResolveTicket(ticketID int64, at time.Time) error

	PutCustomer(c *Customer) error
	PutAgent(a *Agent) error

	// LastUnusedSuggestion returns the pending AI suggestion for a customer,
	// or nil. At most one unused suggestion exists per customer.
	LastUnusedSuggestion(customerID int64) (*Message, error)
	// MarkSuggestionUsed transitions the customer's pending suggestion to
	// used. Returns false if there was none; marking twice is a no-op the
	// second time.
	MarkSuggestionUsed(customerID int64) (bool, error)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store, used in tests and as the
// cache for short-lived sessions.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string]*Message // keyed by SID
	byID      map[int64]string    // authoritative id -> SID
	tickets   map[int64]*Ticket
	customers map[int64]*Customer
	agents    map[int64]*Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]*Message),
		byID:      make(map[int64]string),
		tickets:   make(map[int64]*Ticket),
		customers: make(map[int64]*Customer),
		agents:    make(map[int64]*Agent),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) UpsertMessage(m *Message) error {
	if m.SID == "" {
		return fmt.Errorf("store: upsert: empty message_sid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if existing, ok := s.messages[m.SID]; ok {
		if cp.ID <= 0 && existing.ID > 0 {
			cp.ID = existing.ID
		}
		// The used flag is terminal; a racing upsert never clears it.
		if existing.Used {
			cp.Used = true
		}
	}
	s.messages[m.SID] = &cp
	if cp.ID > 0 {
		s.byID[cp.ID] = cp.SID
	}
	return nil
}

func (s *MemoryStore) CreateMessage(m *Message) error {
	return s.UpsertMessage(m)
}

func (s *MemoryStore) UpdateMessage(id int64, patch MessagePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	m := s.messages[sid]
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.Used != nil && *patch.Used {
		m.Used = true
	}
	return true, nil
}

func (s *MemoryStore) MessageBySID(sid string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[sid]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) MessagesByTicket(ticketID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Message
	for _, m := range s.messages {
		if m.TicketID == ticketID {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ── Tickets ──────────────────────────────────────────────

func (s *MemoryStore) UpsertTicket(t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if existing, ok := s.tickets[t.ID]; ok && existing.ResolvedAt != nil {
		cp.ResolvedAt = existing.ResolvedAt
		if cp.ResolverID == nil {
			cp.ResolverID = existing.ResolverID
		}
	}
	s.tickets[t.ID] = &cp
	return nil
}

func (s *MemoryStore) TicketByNumber(number string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickets {
		if t.Number == number {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) TicketDetail(id int64) (*TicketDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, nil
	}
	detail := &TicketDetail{Ticket: *t}
	if c, ok := s.customers[t.CustomerID]; ok {
		cp := *c
		detail.Customer = &cp
	}
	if t.ResolverID != nil {
		if a, ok := s.agents[*t.ResolverID]; ok {
			cp := *a
			detail.Resolver = &cp
		}
	}
	return detail, nil
}

func (s *MemoryStore) ResolveTicket(ticketID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return fmt.Errorf("store: resolve: ticket %d not found", ticketID)
	}
	if t.ResolvedAt != nil {
		return nil
	}
	resolved := at
	t.ResolvedAt = &resolved
	return nil
}

// ── Customers and agents ─────────────────────────────────

func (s *MemoryStore) PutCustomer(c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *MemoryStore) PutAgent(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

// ── AI suggestions ───────────────────────────────────────

func (s *MemoryStore) LastUnusedSuggestion(customerID int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Message
	for _, m := range s.messages {
		if m.Source != SourceSuggestion || m.Used || m.CustomerID != customerID {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) MarkSuggestionUsed(customerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Message
	for _, m := range s.messages {
		if m.Source != SourceSuggestion || m.Used || m.CustomerID != customerID {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return false, nil
	}
	latest.Used = true
	return true, nil
}
