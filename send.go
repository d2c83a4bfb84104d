package fieldtalk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sender is the optimistic send pipeline. A provisional bubble appears in the
// timeline before the network round-trip completes, carrying a
// client-generated message_sid that the server adopts as the message's stable
// identity; confirmation then arrives via the REST response, a racing realtime
// event, or both, and all paths converge on one row keyed by that sid.
type Sender struct {
	api     *Client
	store   Store
	tempSeq atomic.Int64
}

// NewSender creates a send pipeline over the given API client and store.
func NewSender(api *Client, store Store) *Sender {
	return &Sender{api: api, store: store}
}

// Send posts an agent message to a ticket.
//
// A provisional entry (negative temporary id, status pending) is applied to
// the timeline immediately and only there, never to the durable store, which
// holds server-confirmed rows only. On failure the provisional entry is
// removed and the error surfaced for a user-facing retry; nothing durable is
// written. On success the confirmed row is upserted and replaces the
// provisional bubble in place; if the realtime event for the same sid won the
// race, the event-sourced row is kept and the REST response discarded.
//
// If an AI suggestion was pending for the customer when the send started, it
// is marked used exactly once, and only after the send succeeds.
//
// The caller's context governs the REST call. Leaving the ticket screen must
// not cancel it: pass a context that survives navigation, since aborting a
// send leaves the remote state ambiguous.
func (s *Sender) Send(ctx context.Context, tl *Timeline, ticketID, customerID int64, body string) (*Message, error) {
	sid := uuid.NewString()
	provisional := &Message{
		ID:         -s.tempSeq.Add(1),
		SID:        sid,
		TicketID:   ticketID,
		CustomerID: customerID,
		Body:       body,
		Source:     SourceAgent,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	tl.Apply(provisional)

	suggestion, err := s.store.LastUnusedSuggestion(customerID)
	if err != nil {
		tl.Remove(sid)
		return nil, fmt.Errorf("send: %w", err)
	}

	confirmed, err := s.api.SendMessage(ctx, &SendRequest{
		TicketID:   ticketID,
		CustomerID: customerID,
		SID:        sid,
		Body:       body,
	})
	if err != nil {
		tl.Remove(sid)
		return nil, fmt.Errorf("send: %w", err)
	}

	// The realtime event for this send may have been applied already. If the
	// store holds an authoritative row for the sid, that row wins and the
	// provisional entry is discarded (removal of an absent entry is a no-op).
	// The send itself succeeded, so a store failure past this point still
	// confirms the bubble in the view; only the durable write is reported.
	existing, err := s.store.MessageBySID(confirmed.SID)
	if err != nil {
		s.confirmView(tl, sid, confirmed)
		return confirmed, fmt.Errorf("send: %w", err)
	}
	if existing != nil && existing.ID > 0 {
		if confirmed.SID != sid {
			tl.Remove(sid)
		}
		confirmed = existing
	} else {
		if err := s.store.UpsertMessage(confirmed); err != nil {
			s.confirmView(tl, sid, confirmed)
			return confirmed, fmt.Errorf("send: persist: %w", err)
		}
		s.confirmView(tl, sid, confirmed)
	}

	if suggestion != nil {
		if _, err := s.store.MarkSuggestionUsed(customerID); err != nil {
			return confirmed, fmt.Errorf("send: mark suggestion: %w", err)
		}
		tl.ClearSuggestion()
	}
	return confirmed, nil
}

// confirmView replaces the provisional bubble with the confirmed message,
// covering the case where the server assigned a different sid than the one
// requested.
func (s *Sender) confirmView(tl *Timeline, sid string, confirmed *Message) {
	if confirmed.SID != sid {
		tl.Remove(sid)
	}
	tl.Apply(confirmed)
}
