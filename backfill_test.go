package fieldtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// writeOK writes a successful API envelope.
func writeOK(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	json.NewEncoder(w).Encode(Result{OK: true, Data: data})
}

// writeAPIError writes a failed API envelope.
func writeAPIError(w http.ResponseWriter, code, msg string) {
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: msg}})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func msgAt(id int64, sid string, ts time.Time) *Message {
	return &Message{
		ID: id, SID: sid, TicketID: 1, CustomerID: 2,
		Body: "m-" + sid, Source: SourceCustomer, Status: StatusSent, CreatedAt: ts,
	}
}

func TestLoadInitialEmptyTicket(t *testing.T) {
	store := NewMemoryStore()
	b := NewBackfill(nil, store) // no network involved

	created := baseTime
	page, err := b.LoadInitial(1, created)
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(page.Messages))
	}
	if !page.OldestTimestamp.Equal(created) {
		t.Errorf("oldest = %v, want ticket creation time %v", page.OldestTimestamp, created)
	}
}

func TestLoadInitialReturnsCacheChronologically(t *testing.T) {
	store := NewMemoryStore()
	mustUpsert(t, store, msgAt(2, "b", baseTime.Add(time.Minute)))
	mustUpsert(t, store, msgAt(1, "a", baseTime))

	b := NewBackfill(nil, store)
	page, err := b.LoadInitial(1, baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].SID != "a" {
		t.Fatalf("unexpected page: %+v", page.Messages)
	}
	if !page.OldestTimestamp.Equal(baseTime) {
		t.Errorf("oldest = %v, want oldest cached %v", page.OldestTimestamp, baseTime)
	}
}

func TestLoadOlderExhaustedCursorIsNoop(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeOK(t, w, []*Message{})
	})
	b := NewBackfill(client, NewMemoryStore())

	page, err := b.LoadOlder(context.Background(), 1, 2, nil, 30)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if len(page.Messages) != 0 || page.NewCursor != nil {
		t.Errorf("expected empty no-op page, got %+v", page)
	}
	if hits.Load() != 0 {
		t.Error("exhausted cursor must not hit the network")
	}
}

func TestLoadOlderAdvancesCursor(t *testing.T) {
	older := []*Message{
		msgAt(2, "b", baseTime.Add(-time.Minute)),
		msgAt(1, "a", baseTime.Add(-2*time.Minute)),
	}
	var gotBefore string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBefore = r.URL.Query().Get("before")
		if r.URL.Query().Get("ticket") != "1" {
			writeAPIError(w, "BAD_REQUEST", "wrong ticket")
			return
		}
		writeOK(t, w, older)
	})
	store := NewMemoryStore()
	b := NewBackfill(client, store)

	cursor := baseTime
	page, err := b.LoadOlder(context.Background(), 1, 2, &cursor, 30)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	if gotBefore != baseTime.UTC().Format(time.RFC3339Nano) {
		t.Errorf("before param = %q", gotBefore)
	}

	// Cursor moves backward to the oldest fetched timestamp.
	want := baseTime.Add(-2 * time.Minute)
	if page.NewCursor == nil || !page.NewCursor.Equal(want) {
		t.Errorf("newCursor = %v, want %v", page.NewCursor, want)
	}

	// Page is merged into the cache.
	cached, _ := store.MessagesByTicket(1)
	if len(cached) != 2 {
		t.Errorf("expected 2 cached rows, got %d", len(cached))
	}
}

func TestLoadOlderEmptyPageExhausts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, []*Message{})
	})
	b := NewBackfill(client, NewMemoryStore())

	cursor := baseTime
	page, err := b.LoadOlder(context.Background(), 1, 2, &cursor, 30)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if page.NewCursor != nil {
		t.Errorf("expected exhausted cursor, got %v", page.NewCursor)
	}
}

func TestLoadOlderFailureLeavesStateUntouched(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, "UNAVAILABLE", "backend down")
	})
	store := NewMemoryStore()
	b := NewBackfill(client, store)

	cursor := baseTime
	_, err := b.LoadOlder(context.Background(), 1, 2, &cursor, 30)
	if err == nil {
		t.Fatal("expected error")
	}

	cached, _ := store.MessagesByTicket(1)
	if len(cached) != 0 {
		t.Errorf("failed fetch wrote %d rows", len(cached))
	}
}

func TestLoadOlderIdempotentMerge(t *testing.T) {
	older := []*Message{msgAt(1, "a", baseTime.Add(-time.Minute))}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, older)
	})
	store := NewMemoryStore()
	b := NewBackfill(client, store)

	cursor := baseTime
	for i := 0; i < 2; i++ {
		if _, err := b.LoadOlder(context.Background(), 1, 2, &cursor, 30); err != nil {
			t.Fatalf("load older #%d: %v", i+1, err)
		}
	}

	cached, _ := store.MessagesByTicket(1)
	if len(cached) != 1 {
		t.Errorf("duplicate merge produced %d rows", len(cached))
	}
}

func TestSyncNewerCountsOnlyUnknown(t *testing.T) {
	newest := baseTime
	server := []*Message{
		msgAt(10, "known", newest.Add(time.Minute)),
		msgAt(11, "fresh", newest.Add(2*time.Minute)),
	}
	var gotAfter string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAfter = r.URL.Query().Get("after")
		writeOK(t, w, server)
	})
	store := NewMemoryStore()
	mustUpsert(t, store, msgAt(9, "old", newest))
	mustUpsert(t, store, msgAt(10, "known", newest.Add(time.Minute)))

	b := NewBackfill(client, store)
	count, err := b.SyncNewer(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("sync newer: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (only previously unknown rows)", count)
	}

	// The catch-up asks for messages strictly newer than the newest cached.
	want := newest.Add(time.Minute).UTC().Format(time.RFC3339Nano)
	if gotAfter != want {
		t.Errorf("after param = %q, want %q", gotAfter, want)
	}
}

func TestSyncNewerEmptyCacheFetchesAll(t *testing.T) {
	var gotAfter string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAfter = r.URL.Query().Get("after")
		writeOK(t, w, []*Message{msgAt(1, "a", baseTime)})
	})
	store := NewMemoryStore()

	b := NewBackfill(client, store)
	count, err := b.SyncNewer(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("sync newer: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	// An empty cache asks from the beginning of time.
	if want := (time.Time{}).UTC().Format(time.RFC3339Nano); gotAfter != want {
		t.Errorf("after param = %q, want %q", gotAfter, want)
	}
}

func TestSyncNewerDiscoversPendingSuggestion(t *testing.T) {
	whisper := &Message{
		ID: 20, SID: "w-1", TicketID: 1, CustomerID: 2,
		Body: "Suggest resistant seed variety.", Source: SourceSuggestion,
		Status: StatusDelivered, CreatedAt: baseTime.Add(time.Minute),
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, []*Message{whisper})
	})
	store := NewMemoryStore()

	b := NewBackfill(client, store)
	if _, err := b.SyncNewer(context.Background(), 1, 2); err != nil {
		t.Fatalf("sync newer: %v", err)
	}

	got, err := store.LastUnusedSuggestion(2)
	if err != nil {
		t.Fatalf("last unused: %v", err)
	}
	if got == nil || got.SID != "w-1" {
		t.Errorf("suggestion not discovered: %+v", got)
	}
}

func TestClientUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.ListTickets(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "UNAUTHORIZED" {
		t.Errorf("code = %s", apiErr.Code)
	}
}
