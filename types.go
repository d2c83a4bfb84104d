package fieldtalk

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Domain Types
// ============================================================================

// TicketStatus is the open/resolved state of a ticket. It is derived from
// ResolvedAt and never stored independently.
type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketResolved TicketStatus = "resolved"
)

// Ticket is one support conversation between a customer and the agents.
type Ticket struct {
	ID         int64      `json:"id"`
	Number     string     `json:"number"`
	CustomerID int64      `json:"customerId"`
	ResolverID *int64     `json:"resolverId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Status derives the ticket status from ResolvedAt.
func (t *Ticket) Status() TicketStatus {
	if t.ResolvedAt != nil {
		return TicketResolved
	}
	return TicketOpen
}

// Customer is the farmer on the other side of a ticket.
type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Agent is a support agent. Tickets reference an agent as resolver once closed.
type Agent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TicketDetail is a ticket together with its customer and (if resolved) the
// resolving agent.
type TicketDetail struct {
	Ticket
	Customer *Customer `json:"customer,omitempty"`
	Resolver *Agent    `json:"resolver,omitempty"`
}

// MessageSource identifies who produced a message.
type MessageSource string

const (
	SourceCustomer   MessageSource = "CUSTOMER"
	SourceAgent      MessageSource = "AGENT"
	SourceSuggestion MessageSource = "AI_SUGGESTION"
)

// DeliveryStatus is the delivery state of a message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one chat entry. ID is the server-assigned numeric identifier and
// is authoritative once set; it stays 0 (or a negative provisional value in
// view state) until the server confirms. SID is the stable message_sid used to
// match a message across its provisional, REST-confirmed and realtime-pushed
// representations.
type Message struct {
	ID         int64          `json:"id"`
	SID        string         `json:"message_sid"`
	TicketID   int64          `json:"ticketId"`
	CustomerID int64          `json:"customerId"`
	Body       string         `json:"body"`
	Source     MessageSource  `json:"source"`
	Status     DeliveryStatus `json:"status"`
	Used       bool           `json:"used,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Provisional reports whether the message has not yet received its
// authoritative server id.
func (m *Message) Provisional() bool {
	return m.ID <= 0
}

// MessagePatch is a partial update applied to a message whose identity is
// already known. Nil fields are left unchanged.
type MessagePatch struct {
	Status *DeliveryStatus
	Used   *bool
}

// ============================================================================
// Realtime Event Types
// ============================================================================

// Envelope is the wire format for all realtime traffic, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Realtime event type names.
const (
	EventMessageCreated = "message_created"
	EventMessageStatus  = "message_status_updated"
	EventTicketResolved = "ticket_resolved"
	EventWhisperCreated = "whisper_created"
)

// MessageCreatedEvent is pushed when a message is created server-side.
type MessageCreatedEvent struct {
	MessageID  int64         `json:"message_id"`
	SID        string        `json:"message_sid"`
	TicketID   int64         `json:"ticket_id"`
	CustomerID int64         `json:"customer_id"`
	Source     MessageSource `json:"source"`
	Body       string        `json:"body"`
	TS         time.Time     `json:"ts"`
}

// MessageStatusEvent is pushed when a message's delivery status changes.
type MessageStatusEvent struct {
	MessageID int64          `json:"message_id"`
	TicketID  int64          `json:"ticket_id"`
	Status    DeliveryStatus `json:"status"`
}

// TicketResolvedEvent is pushed when a ticket is closed.
type TicketResolvedEvent struct {
	TicketID   int64     `json:"ticket_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// WhisperEvent is pushed when the suggestion engine produces a candidate reply
// for a customer message.
type WhisperEvent struct {
	MessageID      int64     `json:"message_id"`
	SID            string    `json:"message_sid"`
	TicketID       int64     `json:"ticket_id"`
	CustomerID     int64     `json:"customer_id"`
	SuggestionText string    `json:"suggestion_text"`
	TS             time.Time `json:"ts"`
}

// ============================================================================
// REST Types
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// SendRequest is the body of POST /api/messages. SID carries the
// client-generated message_sid; the server adopts it as the message's stable
// identity so that the REST response and the realtime event for the same send
// can be matched.
type SendRequest struct {
	TicketID   int64  `json:"ticketId"`
	CustomerID int64  `json:"customerId"`
	SID        string `json:"message_sid"`
	Body       string `json:"body"`
}
