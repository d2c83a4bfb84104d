package fieldtalk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultPageSize is the number of messages fetched per backfill page.
const DefaultPageSize = 30

// Backfill loads message history from the REST backend into the local store:
// the cached set on ticket open, older pages on demand, and a one-shot
// catch-up for messages newer than the newest cached one. Any network failure
// leaves the cursor and the cache untouched; the caller retries by calling the
// same operation again.
type Backfill struct {
	api   *Client
	store Store
	group singleflight.Group
}

// NewBackfill creates a backfill service over the given API client and store.
func NewBackfill(api *Client, store Store) *Backfill {
	return &Backfill{api: api, store: store}
}

// InitialPage is the result of LoadInitial: everything currently cached for
// the ticket, chronological, plus the starting backfill cursor.
type InitialPage struct {
	Messages        []*Message
	OldestTimestamp time.Time
}

// OlderPage is the result of LoadOlder. NewCursor is nil once history is
// exhausted; no further backfill is attempted after that.
type OlderPage struct {
	Messages  []*Message
	NewCursor *time.Time
}

// LoadInitial returns the cached messages for a ticket in chronological order
// and the initial cursor: the oldest cached timestamp, or the ticket's
// creation time when nothing is cached yet.
func (b *Backfill) LoadInitial(ticketID int64, ticketCreatedAt time.Time) (*InitialPage, error) {
	msgs, err := b.store.MessagesByTicket(ticketID)
	if err != nil {
		return nil, fmt.Errorf("backfill: load initial: %w", err)
	}

	oldest := ticketCreatedAt
	if len(msgs) > 0 {
		oldest = msgs[0].CreatedAt
	}
	return &InitialPage{Messages: msgs, OldestTimestamp: oldest}, nil
}

// LoadOlder fetches one page of messages strictly older than cursor and merges
// it into the store. A nil cursor means history is already exhausted: the call
// is a no-op returning an empty page. An empty page from the server exhausts
// the cursor without error. The cursor only advances after a successful merge,
// so already-cached ranges are never re-requested.
func (b *Backfill) LoadOlder(ctx context.Context, ticketID, customerID int64, cursor *time.Time, pageSize int) (*OlderPage, error) {
	if cursor == nil {
		return &OlderPage{}, nil
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	msgs, err := b.api.MessagesBefore(ctx, ticketID, customerID, *cursor, pageSize)
	if err != nil {
		return nil, fmt.Errorf("backfill: load older: %w", err)
	}
	if len(msgs) == 0 {
		return &OlderPage{}, nil
	}

	oldest := msgs[0].CreatedAt
	for _, m := range msgs {
		if err := b.store.UpsertMessage(m); err != nil {
			return nil, fmt.Errorf("backfill: merge older: %w", err)
		}
		if m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}

	newCursor := oldest
	return &OlderPage{Messages: msgs, NewCursor: &newCursor}, nil
}

// SyncNewer fetches messages strictly newer than the newest cached message for
// the ticket, merges them, and returns how many were previously unknown. It is
// the catch-up path after opening a ticket or regaining the realtime
// connection, and also discovers an AI suggestion generated while the client
// was away. Concurrent calls for the same ticket collapse into one request.
func (b *Backfill) SyncNewer(ctx context.Context, ticketID, customerID int64) (int, error) {
	v, err, _ := b.group.Do(strconv.FormatInt(ticketID, 10), func() (interface{}, error) {
		return b.syncNewer(ctx, ticketID, customerID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *Backfill) syncNewer(ctx context.Context, ticketID, customerID int64) (int, error) {
	cached, err := b.store.MessagesByTicket(ticketID)
	if err != nil {
		return 0, fmt.Errorf("backfill: sync newer: %w", err)
	}
	var newest time.Time
	if len(cached) > 0 {
		newest = cached[len(cached)-1].CreatedAt
	}

	msgs, err := b.api.MessagesAfter(ctx, ticketID, customerID, newest)
	if err != nil {
		return 0, fmt.Errorf("backfill: sync newer: %w", err)
	}

	count := 0
	for _, m := range msgs {
		existing, err := b.store.MessageBySID(m.SID)
		if err != nil {
			return count, fmt.Errorf("backfill: sync newer: %w", err)
		}
		if err := b.store.UpsertMessage(m); err != nil {
			return count, fmt.Errorf("backfill: merge newer: %w", err)
		}
		if existing == nil {
			count++
		}
	}
	return count, nil
}
