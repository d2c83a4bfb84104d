package fieldtalk

import (
	"path/filepath"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

// eachStore runs the test against both Store implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func mustUpsert(t *testing.T, s Store, m *Message) {
	t.Helper()
	if err := s.UpsertMessage(m); err != nil {
		t.Fatalf("upsert %q: %v", m.SID, err)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		m := &Message{
			ID: 7, SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "hello", Source: SourceCustomer, Status: StatusSent,
			CreatedAt: baseTime,
		}
		mustUpsert(t, s, m)
		mustUpsert(t, s, m)

		msgs, err := s.MessagesByTicket(1)
		if err != nil {
			t.Fatalf("messages by ticket: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 row after double upsert, got %d", len(msgs))
		}
		if msgs[0].ID != 7 || msgs[0].Body != "hello" {
			t.Errorf("unexpected row: %+v", msgs[0])
		}
	})
}

func TestUpsertMessagePreservesAuthoritativeID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		mustUpsert(t, s, &Message{
			ID: 42, SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "first", Source: SourceAgent, Status: StatusSent, CreatedAt: baseTime,
		})

		// A later write without the authoritative id must not clear it.
		mustUpsert(t, s, &Message{
			SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "updated", Source: SourceAgent, Status: StatusDelivered, CreatedAt: baseTime,
		})

		got, err := s.MessageBySID("sid-1")
		if err != nil {
			t.Fatalf("message by sid: %v", err)
		}
		if got == nil {
			t.Fatal("row missing")
		}
		if got.ID != 42 {
			t.Errorf("authoritative id lost: got %d, want 42", got.ID)
		}
		if got.Body != "updated" || got.Status != StatusDelivered {
			t.Errorf("update not applied: %+v", got)
		}
	})
}

func TestUpsertMessageAssignsIDLater(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		mustUpsert(t, s, &Message{
			SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "hi", Source: SourceAgent, Status: StatusPending, CreatedAt: baseTime,
		})
		mustUpsert(t, s, &Message{
			ID: 9, SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "hi", Source: SourceAgent, Status: StatusSent, CreatedAt: baseTime,
		})

		got, _ := s.MessageBySID("sid-1")
		if got.ID != 9 {
			t.Errorf("got id %d, want 9", got.ID)
		}

		// The id is now addressable for direct updates.
		status := StatusRead
		ok, err := s.UpdateMessage(9, MessagePatch{Status: &status})
		if err != nil || !ok {
			t.Fatalf("update by id: ok=%v err=%v", ok, err)
		}
		got, _ = s.MessageBySID("sid-1")
		if got.Status != StatusRead {
			t.Errorf("status not updated: %s", got.Status)
		}
	})
}

func TestUpdateMessageUnknownID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		status := StatusRead
		ok, err := s.UpdateMessage(12345, MessagePatch{Status: &status})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("update of unknown id must report false")
		}
		// No row is fabricated.
		msgs, _ := s.MessagesByTicket(1)
		if len(msgs) != 0 {
			t.Errorf("expected empty store, got %d rows", len(msgs))
		}
	})
}

func TestUpdateMessageNonPositiveID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		// A cached row that has not received its authoritative id yet must
		// not be reachable through an id of 0.
		mustUpsert(t, s, &Message{
			SID: "sid-1", TicketID: 1, CustomerID: 2,
			Body: "hi", Source: SourceAgent, Status: StatusPending, CreatedAt: baseTime,
		})

		status := StatusRead
		for _, id := range []int64{0, -1} {
			ok, err := s.UpdateMessage(id, MessagePatch{Status: &status})
			if err != nil {
				t.Fatalf("update id %d: %v", id, err)
			}
			if ok {
				t.Errorf("update by id %d matched a row", id)
			}
		}

		got, _ := s.MessageBySID("sid-1")
		if got.Status != StatusPending {
			t.Errorf("unconfirmed row modified: %s", got.Status)
		}
	})
}

func TestMessagesByTicketChronological(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		mustUpsert(t, s, &Message{ID: 2, SID: "b", TicketID: 1, CustomerID: 2, Body: "second", Source: SourceAgent, Status: StatusSent, CreatedAt: baseTime.Add(time.Minute)})
		mustUpsert(t, s, &Message{ID: 1, SID: "a", TicketID: 1, CustomerID: 2, Body: "first", Source: SourceCustomer, Status: StatusSent, CreatedAt: baseTime})
		mustUpsert(t, s, &Message{ID: 3, SID: "c", TicketID: 99, CustomerID: 2, Body: "other ticket", Source: SourceCustomer, Status: StatusSent, CreatedAt: baseTime})

		msgs, err := s.MessagesByTicket(1)
		if err != nil {
			t.Fatalf("messages by ticket: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(msgs))
		}
		if msgs[0].SID != "a" || msgs[1].SID != "b" {
			t.Errorf("wrong order: %s, %s", msgs[0].SID, msgs[1].SID)
		}
	})
}

func TestResolveTicketMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.UpsertTicket(&Ticket{ID: 1, Number: "T-100", CustomerID: 2, CreatedAt: baseTime}); err != nil {
			t.Fatalf("upsert ticket: %v", err)
		}

		first := baseTime.Add(time.Hour)
		if err := s.ResolveTicket(1, first); err != nil {
			t.Fatalf("resolve: %v", err)
		}

		// Resolving again, with a later timestamp, must not move resolvedAt.
		if err := s.ResolveTicket(1, first.Add(time.Hour)); err != nil {
			t.Fatalf("second resolve: %v", err)
		}

		detail, err := s.TicketDetail(1)
		if err != nil {
			t.Fatalf("ticket detail: %v", err)
		}
		if detail.ResolvedAt == nil || !detail.ResolvedAt.Equal(first) {
			t.Errorf("resolvedAt = %v, want %v", detail.ResolvedAt, first)
		}
		if detail.Status() != TicketResolved {
			t.Errorf("status = %s, want resolved", detail.Status())
		}
	})
}

func TestUpsertTicketPreservesResolution(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		resolved := baseTime.Add(time.Hour)
		resolver := int64(5)
		if err := s.UpsertTicket(&Ticket{ID: 1, Number: "T-100", CustomerID: 2, ResolverID: &resolver, CreatedAt: baseTime, ResolvedAt: &resolved}); err != nil {
			t.Fatalf("upsert ticket: %v", err)
		}

		// A refresh from a stale source without resolution data must not
		// reopen the ticket.
		if err := s.UpsertTicket(&Ticket{ID: 1, Number: "T-100", CustomerID: 2, CreatedAt: baseTime}); err != nil {
			t.Fatalf("second upsert: %v", err)
		}

		got, err := s.TicketByNumber("T-100")
		if err != nil {
			t.Fatalf("ticket by number: %v", err)
		}
		if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
			t.Errorf("resolvedAt = %v, want %v", got.ResolvedAt, resolved)
		}
		if got.ResolverID == nil || *got.ResolverID != 5 {
			t.Errorf("resolverID = %v, want 5", got.ResolverID)
		}
	})
}

func TestTicketDetailWithUsers(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		resolver := int64(5)
		resolved := baseTime.Add(time.Hour)
		if err := s.UpsertTicket(&Ticket{ID: 1, Number: "T-100", CustomerID: 2, ResolverID: &resolver, CreatedAt: baseTime, ResolvedAt: &resolved}); err != nil {
			t.Fatalf("upsert ticket: %v", err)
		}
		if err := s.PutCustomer(&Customer{ID: 2, Name: "Amara", Phone: "+2547000"}); err != nil {
			t.Fatalf("put customer: %v", err)
		}
		if err := s.PutAgent(&Agent{ID: 5, Name: "Joseph"}); err != nil {
			t.Fatalf("put agent: %v", err)
		}

		detail, err := s.TicketDetail(1)
		if err != nil {
			t.Fatalf("ticket detail: %v", err)
		}
		if detail.Customer == nil || detail.Customer.Name != "Amara" {
			t.Errorf("customer = %+v", detail.Customer)
		}
		if detail.Resolver == nil || detail.Resolver.Name != "Joseph" {
			t.Errorf("resolver = %+v", detail.Resolver)
		}

		missing, err := s.TicketDetail(404)
		if err != nil {
			t.Fatalf("missing ticket: %v", err)
		}
		if missing != nil {
			t.Errorf("expected nil for unknown ticket, got %+v", missing)
		}
	})
}

func TestSuggestionSingleUse(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		mustUpsert(t, s, &Message{
			ID: 11, SID: "w-1", TicketID: 1, CustomerID: 2,
			Body: "Try rotating the crop.", Source: SourceSuggestion,
			Status: StatusDelivered, CreatedAt: baseTime,
		})

		got, err := s.LastUnusedSuggestion(2)
		if err != nil {
			t.Fatalf("last unused: %v", err)
		}
		if got == nil || got.SID != "w-1" {
			t.Fatalf("expected pending suggestion, got %+v", got)
		}

		ok, err := s.MarkSuggestionUsed(2)
		if err != nil || !ok {
			t.Fatalf("first mark: ok=%v err=%v", ok, err)
		}

		// Terminal and idempotent: a second mark claims nothing.
		ok, err = s.MarkSuggestionUsed(2)
		if err != nil {
			t.Fatalf("second mark: %v", err)
		}
		if ok {
			t.Error("suggestion marked used twice")
		}

		got, _ = s.LastUnusedSuggestion(2)
		if got != nil {
			t.Errorf("suggestion still pending after use: %+v", got)
		}
	})
}

func TestSuggestionUsedSurvivesUpsert(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		m := &Message{
			ID: 11, SID: "w-1", TicketID: 1, CustomerID: 2,
			Body: "Try rotating the crop.", Source: SourceSuggestion,
			Status: StatusDelivered, CreatedAt: baseTime,
		}
		mustUpsert(t, s, m)
		if _, err := s.MarkSuggestionUsed(2); err != nil {
			t.Fatalf("mark: %v", err)
		}

		// A stale duplicate of the original event must not reset the flag.
		mustUpsert(t, s, m)

		got, _ := s.MessageBySID("w-1")
		if !got.Used {
			t.Error("used flag reset by re-upsert")
		}
	})
}
