package fieldtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Router
// ============================================================================

// Router applies server-pushed events to the local store and to the active
// ticket's timeline. At most one ticket is subscribed at a time, tied to the
// screen being viewed; events for any other ticket are ignored without cache
// writes. Events are applied in delivery order; the backend is the single
// source of ordering truth, and interleaving with backfill writes is safe
// because both paths converge on the store's upsert contract.
type Router struct {
	mu         sync.Mutex
	store      Store
	ticketID   int64 // 0 = nothing subscribed
	customerID int64
	timeline   *Timeline
}

// NewRouter creates a router over the given store.
func NewRouter(store Store) *Router {
	return &Router{store: store}
}

// Subscribe routes events for the given ticket into the timeline. Entering a
// ticket screen subscribes; any previous subscription is replaced.
func (r *Router) Subscribe(ticketID, customerID int64, tl *Timeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticketID = ticketID
	r.customerID = customerID
	r.timeline = tl
}

// Unsubscribe stops routing for the given ticket. Unsubscribing a ticket that
// is not subscribed is a no-op.
func (r *Router) Unsubscribe(ticketID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticketID != ticketID {
		return
	}
	r.ticketID = 0
	r.customerID = 0
	r.timeline = nil
}

// Active returns the currently subscribed ticket and customer, if any.
func (r *Router) Active() (ticketID, customerID int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticketID, r.customerID, r.ticketID != 0
}

func (r *Router) view() (int64, *Timeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticketID, r.timeline
}

// Handle applies one realtime envelope. Unknown event types and events for
// other tickets are dropped silently; malformed payloads are reported.
func (r *Router) Handle(env Envelope) error {
	switch env.Type {
	case EventMessageCreated:
		var ev MessageCreatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("router: %s: %w", env.Type, err)
		}
		return r.handleMessageCreated(&ev)

	case EventMessageStatus:
		var ev MessageStatusEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("router: %s: %w", env.Type, err)
		}
		return r.handleMessageStatus(&ev)

	case EventTicketResolved:
		var ev TicketResolvedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("router: %s: %w", env.Type, err)
		}
		return r.handleTicketResolved(&ev)

	case EventWhisperCreated:
		var ev WhisperEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("router: %s: %w", env.Type, err)
		}
		return r.handleWhisper(&ev)
	}
	return nil
}

func (r *Router) handleMessageCreated(ev *MessageCreatedEvent) error {
	active, tl := r.view()
	if ev.TicketID != active {
		return nil
	}

	m := &Message{
		ID:         ev.MessageID,
		SID:        ev.SID,
		TicketID:   ev.TicketID,
		CustomerID: ev.CustomerID,
		Body:       ev.Body,
		Source:     ev.Source,
		Status:     StatusSent,
		CreatedAt:  ev.TS,
	}
	if err := r.store.UpsertMessage(m); err != nil {
		return fmt.Errorf("router: message_created: %w", err)
	}
	if tl != nil {
		tl.Apply(m)
		// Suggestion generation is asynchronous; the whisper arrives later
		// as its own event.
		if ev.Source == SourceCustomer {
			tl.SetSuggestionExpected(true)
		}
	}
	return nil
}

func (r *Router) handleMessageStatus(ev *MessageStatusEvent) error {
	active, tl := r.view()
	if ev.TicketID != active {
		return nil
	}

	// Best-effort by id: if the creating event has not arrived yet the
	// update is dropped, and the eventual message_created carries the
	// current status anyway.
	status := ev.Status
	if _, err := r.store.UpdateMessage(ev.MessageID, MessagePatch{Status: &status}); err != nil {
		return fmt.Errorf("router: message_status_updated: %w", err)
	}
	if tl != nil {
		tl.UpdateStatus(ev.MessageID, ev.Status)
	}
	return nil
}

func (r *Router) handleTicketResolved(ev *TicketResolvedEvent) error {
	active, _ := r.view()
	if ev.TicketID != active {
		return nil
	}
	// Idempotent: an already-set resolvedAt never moves, and a ticket the
	// cache has not seen yet is simply skipped.
	if err := r.store.ResolveTicket(ev.TicketID, ev.ResolvedAt); err != nil {
		return nil
	}
	return nil
}

func (r *Router) handleWhisper(ev *WhisperEvent) error {
	active, tl := r.view()
	if ev.TicketID != active {
		return nil
	}

	m := &Message{
		ID:         ev.MessageID,
		SID:        ev.SID,
		TicketID:   ev.TicketID,
		CustomerID: ev.CustomerID,
		Body:       ev.SuggestionText,
		Source:     SourceSuggestion,
		Status:     StatusDelivered,
		CreatedAt:  ev.TS,
	}
	if err := r.store.UpsertMessage(m); err != nil {
		return fmt.Errorf("router: whisper_created: %w", err)
	}
	if tl != nil {
		tl.SetSuggestion(ev.SuggestionText)
	}
	return nil
}

// ============================================================================
// Connection configuration
// ============================================================================

// ConnConfig configures the realtime connection.
type ConnConfig struct {
	Token string
	// AutoReconnect keeps the connection alive across drops. The client
	// retries indefinitely: after MaxReconnectAttempts consecutive failures
	// it enters the error state, then resumes retrying at the maximum delay.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnState represents the realtime connection state. It is process-wide,
// owned by Conn and observed (never mutated) by everything else.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateError        ConnState = "error"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// exhausted reports whether the attempt budget is spent; the caller then
// surfaces the error state, resets, and keeps retrying at the max delay.
func (r *reconnector) exhausted() bool {
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// CatchUpFunc is called after the connection (re-)enters the connected state,
// with the active subscription, since events missed while disconnected are not
// retransmitted. Wire it to Backfill.SyncNewer.
type CatchUpFunc func(ticketID, customerID int64)

// Conn owns the lifecycle of the realtime websocket connection: connect,
// drop, backoff and retry, independent of device online/offline status.
// Incoming events are handed to the Router in delivery order.
type Conn struct {
	baseURL string
	config  *ConnConfig
	router  *Router

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	intentionalClose bool
	reconnecting     bool // a reconnectLoop is running; at most one at a time
	cancelFn         context.CancelFunc
	recon            *reconnector

	obsMu   sync.RWMutex
	onState []func(ConnState)
	catchUp CatchUpFunc
}

// NewConn creates a realtime connection bound to the API client's host. Call
// Connect to establish it.
func NewConn(client *Client, router *Router, config *ConnConfig) *Conn {
	cfg := *config
	cfg.defaults()
	return &Conn{
		baseURL: client.BaseURL(),
		config:  &cfg,
		router:  router,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers an observer for connection state transitions, e.g.
// a passive status banner. Observers run on their own goroutines.
func (c *Conn) OnStateChange(h func(ConnState)) {
	c.obsMu.Lock()
	c.onState = append(c.onState, h)
	c.obsMu.Unlock()
}

// OnCatchUp registers the catch-up hook fired on every (re-)connect.
func (c *Conn) OnCatchUp(f CatchUpFunc) {
	c.obsMu.Lock()
	c.catchUp = f
	c.obsMu.Unlock()
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed {
		return
	}
	c.obsMu.RLock()
	handlers := append([]func(ConnState){}, c.onState...)
	c.obsMu.RUnlock()
	for _, h := range handlers {
		go h(s)
	}
}

func (c *Conn) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + c.config.Token
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops. Connecting while connected is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		c.setState(prev)
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	// Cleared before the new read loop starts, so a drop on the fresh socket
	// can spawn its own reconnect loop.
	c.reconnecting = false
	c.mu.Unlock()
	c.recon.markConnected()
	c.setState(StateConnected)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx)
	go c.heartbeatLoop(connCtx)

	// Re-subscribe the active ticket and catch up on missed events.
	if ticketID, customerID, ok := c.router.Active(); ok {
		if err := c.sendSubscribe(ctx, "subscribe", ticketID); err != nil {
			// The control write failed, so the fresh socket cannot be
			// trusted. Force close it instead of returning an error: the
			// connection is already live with its loops running, and the
			// read loop noticing the broken socket is the one path that
			// tears it down and reconnects cleanly.
			ws.Close(websocket.StatusGoingAway, "subscribe failed")
			return nil
		}
		c.obsMu.RLock()
		catchUp := c.catchUp
		c.obsMu.RUnlock()
		if catchUp != nil {
			go catchUp(ticketID, customerID)
		}
	}
	return nil
}

// Disconnect gracefully closes the connection without triggering reconnect.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe joins the per-ticket event channel and routes events into the
// timeline. Safe to call while disconnected: the subscription is replayed on
// connect.
func (c *Conn) Subscribe(ctx context.Context, ticketID, customerID int64, tl *Timeline) error {
	c.router.Subscribe(ticketID, customerID, tl)
	if c.State() != StateConnected {
		return nil
	}
	return c.sendSubscribe(ctx, "subscribe", ticketID)
}

// Unsubscribe leaves the per-ticket channel. In-flight REST sends are not
// affected: they always run to completion or explicit failure.
func (c *Conn) Unsubscribe(ctx context.Context, ticketID int64) error {
	c.router.Unsubscribe(ticketID)
	if c.State() != StateConnected {
		return nil
	}
	return c.sendSubscribe(ctx, "unsubscribe", ticketID)
}

func (c *Conn) sendSubscribe(ctx context.Context, kind string, ticketID int64) error {
	payload, _ := json.Marshal(map[string]int64{"ticket_id": ticketID})
	return c.send(ctx, &Envelope{Type: kind, Payload: payload})
}

func (c *Conn) send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.ws = nil
			c.mu.Unlock()
			if intentional {
				return
			}

			c.setState(StateDisconnected)
			if c.config.AutoReconnect {
				c.mu.Lock()
				spawn := !c.reconnecting
				if spawn {
					c.reconnecting = true
				}
				c.mu.Unlock()
				if spawn {
					go c.reconnectLoop()
				}
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		// Delivery order is preserved: events are applied inline, one at a
		// time, before the next read.
		_ = c.router.Handle(env)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()
			if ws == nil || c.State() != StateConnected {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force-close; the read loop notices and reconnects.
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop retries until connected or intentionally closed. After the
// attempt budget is spent it surfaces the error state, resets, and keeps
// going at the maximum delay. At most one loop runs at a time, guarded by
// the reconnecting flag.
func (c *Conn) reconnectLoop() {
	for {
		c.mu.Lock()
		intentional := c.intentionalClose
		if intentional {
			c.reconnecting = false
		}
		c.mu.Unlock()
		if intentional {
			return
		}

		var delay time.Duration
		if c.recon.exhausted() {
			c.setState(StateError)
			c.recon.reset()
			delay = c.config.ReconnectMaxDelay
		} else {
			c.setState(StateReconnecting)
			delay = c.recon.nextDelay()
		}
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			// Connect cleared the reconnecting flag before starting the new
			// read loop; this loop is done.
			return
		}
	}
}
