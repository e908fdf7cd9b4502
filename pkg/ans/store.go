package ans

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RecordStore is the key-value contract the registry is defined against.
// Scan visits records in insertion order and stops when fn returns false.
type RecordStore interface {
	Put(agentID string, rec AgentRecord) error
	Get(agentID string) (AgentRecord, bool, error)
	Delete(agentID string) (bool, error)
	Scan(fn func(AgentRecord) bool) error
}

// BindingStore persists successful bindings and answers liveness queries
// for the (initiator, responder, negotiation) triple.
type BindingStore interface {
	SaveBinding(b Binding) error
	LiveBinding(initiatorID, responderID, negotiationID string, now int64) (Binding, bool, error)
}

// MetadataStore is the sqlite-backed durable store: agent records,
// bindings, and the append-only event log.
type MetadataStore struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		registered_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bindings (
		binding_id TEXT PRIMARY KEY,
		negotiation_id TEXT NOT NULL,
		initiator_id TEXT NOT NULL,
		responder_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		established_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bindings_triple ON bindings(initiator_id, responder_id, negotiation_id);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		detail TEXT,
		at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

func (s *MetadataStore) Close() error {
	return s.db.Close()
}

func (s *MetadataStore) Put(agentID string, rec AgentRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", agentID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO agents (agent_id, record, registered_at) VALUES (?, ?, ?)`,
		agentID, string(encoded), time.Now().UnixMilli())
	return err
}

func (s *MetadataStore) Get(agentID string) (AgentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var encoded string
	err := s.db.QueryRow(`SELECT record FROM agents WHERE agent_id = ?`, agentID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
		return AgentRecord{}, false, fmt.Errorf("failed to decode record for %s: %w", agentID, err)
	}
	return rec, true, nil
}

func (s *MetadataStore) Delete(agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MetadataStore) Scan(fn func(AgentRecord) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT record FROM agents ORDER BY rowid`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return err
		}
		var rec AgentRecord
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

func (s *MetadataStore) SaveBinding(b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO bindings (binding_id, negotiation_id, initiator_id, responder_id, session_key, established_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BindingID, b.NegotiationID, b.InitiatorID, b.ResponderID, b.SessionKey, b.EstablishedAt, b.ExpiresAt)
	return err
}

func (s *MetadataStore) LiveBinding(initiatorID, responderID, negotiationID string, now int64) (Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b Binding
	err := s.db.QueryRow(`
		SELECT binding_id, negotiation_id, initiator_id, responder_id, session_key, established_at, expires_at
		FROM bindings
		WHERE initiator_id = ? AND responder_id = ? AND negotiation_id = ? AND expires_at > ?
		LIMIT 1`,
		initiatorID, responderID, negotiationID, now).
		Scan(&b.BindingID, &b.NegotiationID, &b.InitiatorID, &b.ResponderID, &b.SessionKey, &b.EstablishedAt, &b.ExpiresAt)
	if err == sql.ErrNoRows {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

func (s *MetadataStore) ListBindings(limit int) ([]Binding, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT binding_id, negotiation_id, initiator_id, responder_id, session_key, established_at, expires_at
		FROM bindings ORDER BY established_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.BindingID, &b.NegotiationID, &b.InitiatorID, &b.ResponderID, &b.SessionKey, &b.EstablishedAt, &b.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AppendEvent records one audit log entry. Failures are reported but
// callers treat the log as best-effort.
func (s *MetadataStore) AppendEvent(kind, subject, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO events (kind, subject, detail, at) VALUES (?, ?, ?, ?)`,
		kind, subject, detail, time.Now().UnixMilli())
	return err
}

func (s *MetadataStore) ListEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, kind, subject, detail, at FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &detail, &e.At); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryRecordStore is an insertion-ordered in-memory RecordStore used
// by tests and the demo.
type MemoryRecordStore struct {
	mu    sync.RWMutex
	order []string
	items map[string]AgentRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{items: make(map[string]AgentRecord)}
}

func (s *MemoryRecordStore) Put(agentID string, rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[agentID]; !ok {
		s.order = append(s.order, agentID)
	}
	s.items[agentID] = rec
	return nil
}

func (s *MemoryRecordStore) Get(agentID string) (AgentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[agentID]
	return rec, ok, nil
}

func (s *MemoryRecordStore) Delete(agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[agentID]; !ok {
		return false, nil
	}
	delete(s.items, agentID)
	for i, id := range s.order {
		if id == agentID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryRecordStore) Scan(fn func(AgentRecord) bool) error {
	s.mu.RLock()
	snapshot := make([]AgentRecord, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.items[id])
	}
	s.mu.RUnlock()
	for _, rec := range snapshot {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// MemoryBindingStore is the in-memory BindingStore counterpart.
type MemoryBindingStore struct {
	mu    sync.RWMutex
	items []Binding
}

func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{}
}

func (s *MemoryBindingStore) SaveBinding(b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, b)
	return nil
}

func (s *MemoryBindingStore) LiveBinding(initiatorID, responderID, negotiationID string, now int64) (Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.items {
		if b.InitiatorID == initiatorID && b.ResponderID == responderID &&
			b.NegotiationID == negotiationID && b.ExpiresAt > now {
			return b, true, nil
		}
	}
	return Binding{}, false, nil
}
