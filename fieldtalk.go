// Package fieldtalk is the local-first synchronization core of the field-agent
// support messenger. It keeps a persisted cache of tickets and messages
// consistent with the REST backend, the realtime push channel, and speculative
// local writes made before server confirmation.
//
// Example:
//
//	client := fieldtalk.NewClient("agent-token")
//	store, _ := fieldtalk.NewSQLiteStore("fieldtalk.db")
//
//	backfill := fieldtalk.NewBackfill(client, store)
//	router := fieldtalk.NewRouter(store)
//	conn := fieldtalk.NewConn(client, router, &fieldtalk.ConnConfig{Token: "agent-token"})
//
//	tl := fieldtalk.NewTimeline(ticket.ID)
//	router.Subscribe(ticket.ID, ticket.CustomerID, tl)
//	initial, _ := backfill.LoadInitial(ticket.ID, ticket.CreatedAt)
//
//	sender := fieldtalk.NewSender(client, store)
//	sender.Send(ctx, tl, ticket.ID, ticket.CustomerID, "Hello!")
package fieldtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.agrimsg.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. It is a thin transport: the sync services
// (Backfill, Sender) own all local state.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new API client authenticated with the agent's token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Session expiry is propagated as-is for the auth layer to handle; the
	// sync core never retries this class.
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &APIError{Code: "UNAUTHORIZED", Message: "session expired or invalid token"}
	}

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// resultErr converts a non-OK envelope into an error.
func resultErr(r *Result, fallback string) error {
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: fallback}
}

// ============================================================================
// Ticket endpoints
// ============================================================================

// ListTickets returns the agent's tickets.
func (c *Client) ListTickets(ctx context.Context) ([]*Ticket, error) {
	res, err := c.do(ctx, "GET", "/api/tickets", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to list tickets")
	}
	var tickets []*Ticket
	if err := res.Decode(&tickets); err != nil {
		return nil, fmt.Errorf("failed to decode tickets: %w", err)
	}
	return tickets, nil
}

// GetTicket returns one ticket by its human-facing number, with its customer
// and resolver.
func (c *Client) GetTicket(ctx context.Context, number string) (*TicketDetail, error) {
	res, err := c.do(ctx, "GET", "/api/tickets/"+url.PathEscape(number), nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "ticket not found")
	}
	var detail TicketDetail
	if err := res.Decode(&detail); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return &detail, nil
}

// CloseTicket resolves a ticket. The server sets resolvedAt and the resolver.
func (c *Client) CloseTicket(ctx context.Context, ticketID int64) (*Ticket, error) {
	res, err := c.do(ctx, "POST", fmt.Sprintf("/api/tickets/%d/close", ticketID), nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to close ticket")
	}
	var t Ticket
	if err := res.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return &t, nil
}

// ============================================================================
// Message endpoints
// ============================================================================

// MessagesBefore fetches up to limit messages for a ticket strictly older than
// the given cursor, newest first.
func (c *Client) MessagesBefore(ctx context.Context, ticketID, customerID int64, before time.Time, limit int) ([]*Message, error) {
	query := map[string]string{
		"ticket":   strconv.FormatInt(ticketID, 10),
		"customer": strconv.FormatInt(customerID, 10),
		"before":   before.UTC().Format(time.RFC3339Nano),
		"limit":    strconv.Itoa(limit),
	}
	return c.fetchMessages(ctx, query)
}

// MessagesAfter fetches all messages for a ticket strictly newer than the
// given timestamp, oldest first. A zero time fetches the full history.
func (c *Client) MessagesAfter(ctx context.Context, ticketID, customerID int64, after time.Time) ([]*Message, error) {
	query := map[string]string{
		"ticket":   strconv.FormatInt(ticketID, 10),
		"customer": strconv.FormatInt(customerID, 10),
		"after":    after.UTC().Format(time.RFC3339Nano),
	}
	return c.fetchMessages(ctx, query)
}

func (c *Client) fetchMessages(ctx context.Context, query map[string]string) ([]*Message, error) {
	res, err := c.do(ctx, "GET", "/api/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch messages")
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a new agent message. The response carries the
// authoritative id and echoes the message_sid from the request.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	res, err := c.do(ctx, "POST", "/api/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to send message")
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
