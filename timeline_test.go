package fieldtalk

import (
	"testing"
	"time"
)

func TestTimelineReplacePreservesPosition(t *testing.T) {
	tl := NewTimeline(1)
	now := time.Now().UTC()

	tl.Apply(&Message{ID: 1, SID: "a", TicketID: 1, Body: "first", CreatedAt: now})
	tl.Apply(&Message{ID: -1, SID: "b", TicketID: 1, Body: "pending", Status: StatusPending, CreatedAt: now})
	tl.Apply(&Message{ID: 2, SID: "c", TicketID: 1, Body: "third", CreatedAt: now})

	// Confirmation for the middle bubble: same sid, authoritative id.
	tl.Apply(&Message{ID: 50, SID: "b", TicketID: 1, Body: "pending", Status: StatusSent, CreatedAt: now})

	msgs := tl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(msgs))
	}
	if msgs[1].SID != "b" {
		t.Errorf("confirmed bubble moved: order %v", []string{msgs[0].SID, msgs[1].SID, msgs[2].SID})
	}
	if msgs[1].ID != 50 || msgs[1].Status != StatusSent {
		t.Errorf("confirmation not applied: %+v", msgs[1])
	}
}

func TestTimelineReplaceKeepsAuthoritativeID(t *testing.T) {
	tl := NewTimeline(1)
	now := time.Now().UTC()

	tl.Apply(&Message{ID: 50, SID: "a", TicketID: 1, Body: "msg", CreatedAt: now})
	// A write without the id (e.g. a cache refresh) must not lose it.
	tl.Apply(&Message{SID: "a", TicketID: 1, Body: "msg", CreatedAt: now})

	msgs := tl.Messages()
	if msgs[0].ID != 50 {
		t.Errorf("id lost on replace: %+v", msgs[0])
	}
	if !tl.UpdateStatus(50, StatusRead) {
		t.Error("id no longer addressable after replace")
	}
}

func TestTimelineRemoveIdempotent(t *testing.T) {
	tl := NewTimeline(1)
	now := time.Now().UTC()

	tl.Apply(&Message{ID: -1, SID: "a", TicketID: 1, Status: StatusPending, CreatedAt: now})
	tl.Remove("a")
	tl.Remove("a") // removing an absent entry is a no-op
	tl.Remove("never-existed")

	if tl.Len() != 0 {
		t.Errorf("expected empty timeline, got %d entries", tl.Len())
	}
}

func TestTimelineUpdateStatusUnknownID(t *testing.T) {
	tl := NewTimeline(1)
	if tl.UpdateStatus(999, StatusRead) {
		t.Error("status update for unknown id must report false")
	}
}

func TestTimelineSuggestion(t *testing.T) {
	tl := NewTimeline(1)

	tl.SetSuggestionExpected(true)
	if !tl.SuggestionExpected() {
		t.Fatal("expected flag not set")
	}

	tl.SetSuggestion("Recommend drip irrigation.")
	if tl.Suggestion() != "Recommend drip irrigation." {
		t.Errorf("suggestion = %q", tl.Suggestion())
	}
	if tl.SuggestionExpected() {
		t.Error("expected flag must clear once the whisper arrives")
	}

	tl.ClearSuggestion()
	if tl.Suggestion() != "" {
		t.Error("suggestion not cleared")
	}
}
