package fieldtalk

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite, for caches that must survive a
// process restart. Timestamps are stored as unix nanoseconds so that range
// comparisons in SQL match Go time ordering exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// Single writer; the services call the store from multiple goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id          INTEGER PRIMARY KEY,
			number      TEXT NOT NULL,
			customer_id INTEGER NOT NULL,
			resolver_id INTEGER,
			created_at  INTEGER NOT NULL,
			resolved_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS messages (
			sid         TEXT PRIMARY KEY,
			id          INTEGER NOT NULL DEFAULT 0,
			ticket_id   INTEGER NOT NULL,
			customer_id INTEGER NOT NULL,
			body        TEXT NOT NULL,
			source      TEXT NOT NULL,
			status      TEXT NOT NULL,
			used        INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS customers (
			id    INTEGER PRIMARY KEY,
			name  TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS agents (
			id   INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_number ON tickets(number);
		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(id) WHERE id > 0;
		CREATE INDEX IF NOT EXISTS idx_messages_suggestion ON messages(customer_id, source, used);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// ── Messages ─────────────────────────────────────────────

func (s *SQLiteStore) UpsertMessage(m *Message) error {
	if m.SID == "" {
		return fmt.Errorf("store: upsert: empty message_sid")
	}
	id := m.ID
	if id < 0 {
		id = 0 // provisional view ids are never persisted
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (sid, id, ticket_id, customer_id, body, source, status, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sid) DO UPDATE SET
			id = CASE WHEN messages.id > 0 THEN messages.id ELSE excluded.id END,
			body = excluded.body,
			source = excluded.source,
			status = excluded.status,
			used = CASE WHEN messages.used = 1 THEN 1 ELSE excluded.used END,
			created_at = excluded.created_at
	`, m.SID, id, m.TicketID, m.CustomerID, m.Body, string(m.Source), string(m.Status),
		boolToInt(m.Used), m.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateMessage(m *Message) error {
	return s.UpsertMessage(m)
}

func (s *SQLiteStore) UpdateMessage(id int64, patch MessagePatch) (bool, error) {
	// Rows without an authoritative id hold the 0 default in the id column;
	// they are not addressable by id.
	if id <= 0 {
		return false, nil
	}
	query := "UPDATE messages SET sid = sid"
	var args []any
	if patch.Status != nil {
		query += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.Used != nil && *patch.Used {
		query += ", used = 1"
	}
	query += " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("store: update message: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

const messageColumns = "sid, id, ticket_id, customer_id, body, source, status, used, created_at"

func (s *SQLiteStore) MessageBySID(sid string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE sid = ?`, sid)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: message by sid: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) MessagesByTicket(ticketID int64) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE ticket_id = ? ORDER BY created_at, id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("store: messages by ticket: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ── Tickets ──────────────────────────────────────────────

func (s *SQLiteStore) UpsertTicket(t *Ticket) error {
	var resolvedAt *int64
	if t.ResolvedAt != nil {
		v := t.ResolvedAt.UnixNano()
		resolvedAt = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, number, customer_id, resolver_id, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			customer_id = excluded.customer_id,
			resolver_id = COALESCE(tickets.resolver_id, excluded.resolver_id),
			resolved_at = COALESCE(tickets.resolved_at, excluded.resolved_at)
	`, t.ID, t.Number, t.CustomerID, t.ResolverID, t.CreatedAt.UnixNano(), resolvedAt)
	if err != nil {
		return fmt.Errorf("store: upsert ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TicketByNumber(number string) (*Ticket, error) {
	row := s.db.QueryRow(`SELECT id, number, customer_id, resolver_id, created_at, resolved_at FROM tickets WHERE number = ?`, number)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: ticket by number: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) TicketDetail(id int64) (*TicketDetail, error) {
	row := s.db.QueryRow(`SELECT id, number, customer_id, resolver_id, created_at, resolved_at FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: ticket detail: %w", err)
	}

	detail := &TicketDetail{Ticket: *t}

	var c Customer
	err = s.db.QueryRow(`SELECT id, name, phone FROM customers WHERE id = ?`, t.CustomerID).
		Scan(&c.ID, &c.Name, &c.Phone)
	if err == nil {
		detail.Customer = &c
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: ticket customer: %w", err)
	}

	if t.ResolverID != nil {
		var a Agent
		err = s.db.QueryRow(`SELECT id, name FROM agents WHERE id = ?`, *t.ResolverID).
			Scan(&a.ID, &a.Name)
		if err == nil {
			detail.Resolver = &a
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("store: ticket resolver: %w", err)
		}
	}
	return detail, nil
}

func (s *SQLiteStore) ResolveTicket(ticketID int64, at time.Time) error {
	result, err := s.db.Exec(`UPDATE tickets SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		at.UnixNano(), ticketID)
	if err != nil {
		return fmt.Errorf("store: resolve ticket: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	// Either already resolved (fine) or unknown.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE id = ?`, ticketID).Scan(&exists); err != nil {
		return fmt.Errorf("store: resolve ticket: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("store: resolve: ticket %d not found", ticketID)
	}
	return nil
}

// ── Customers and agents ─────────────────────────────────

func (s *SQLiteStore) PutCustomer(c *Customer) error {
	_, err := s.db.Exec(`
		INSERT INTO customers (id, name, phone) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone
	`, c.ID, c.Name, c.Phone)
	if err != nil {
		return fmt.Errorf("store: put customer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("store: put agent: %w", err)
	}
	return nil
}

// ── AI suggestions ───────────────────────────────────────

func (s *SQLiteStore) LastUnusedSuggestion(customerID int64) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE customer_id = ? AND source = ? AND used = 0
		ORDER BY created_at DESC LIMIT 1
	`, customerID, string(SourceSuggestion))
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: last unused suggestion: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) MarkSuggestionUsed(customerID int64) (bool, error) {
	// Single statement so two concurrent marks cannot both claim the row.
	result, err := s.db.Exec(`
		UPDATE messages SET used = 1
		WHERE sid = (
			SELECT sid FROM messages
			WHERE customer_id = ? AND source = ? AND used = 0
			ORDER BY created_at DESC LIMIT 1
		)
	`, customerID, string(SourceSuggestion))
	if err != nil {
		return false, fmt.Errorf("store: mark suggestion used: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ── helpers ──────────────────────────────────────────────

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (*Message, error) {
	var m Message
	var source, status string
	var used int
	var createdAt int64
	err := row.Scan(&m.SID, &m.ID, &m.TicketID, &m.CustomerID, &m.Body, &source, &status, &used, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Source = MessageSource(source)
	m.Status = DeliveryStatus(status)
	m.Used = used == 1
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return &m, nil
}

func scanTicket(row scannable) (*Ticket, error) {
	var t Ticket
	var createdAt int64
	var resolvedAt *int64
	err := row.Scan(&t.ID, &t.Number, &t.CustomerID, &t.ResolverID, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	if resolvedAt != nil {
		v := time.Unix(0, *resolvedAt).UTC()
		t.ResolvedAt = &v
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
