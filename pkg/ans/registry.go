package ans

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Registry is the durable agent index. All writes are serialized per
// agent id; operations on distinct ids run concurrently.
type Registry struct {
	ca    *CertificateAuthority
	store RecordStore
	locks keyedMutex

	mu       sync.RWMutex
	logEvent EventLogger
}

func NewRegistry(ca *CertificateAuthority, store RecordStore) (*Registry, error) {
	if ca == nil {
		return nil, fmt.Errorf("registry requires a certificate authority")
	}
	if store == nil {
		return nil, fmt.Errorf("registry requires a record store")
	}
	return &Registry{ca: ca, store: store}, nil
}

// SetEventLogger installs an optional audit sink.
func (r *Registry) SetEventLogger(fn EventLogger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logEvent = fn
}

func (r *Registry) event(kind, subject, detail string) {
	r.mu.RLock()
	fn := r.logEvent
	r.mu.RUnlock()
	if fn != nil {
		fn(kind, subject, detail)
	}
}

// Register stores a new agent record. Registration is not an upsert: an
// existing record for the same id fails with ErrDuplicateAgent and is
// left untouched. The certificate must verify and name the agent id.
func (r *Registry) Register(rec AgentRecord) error {
	id := strings.TrimSpace(rec.AgentID)
	if id == "" {
		return fmt.Errorf("%w: agent id cannot be empty", ErrInvalidRequest)
	}
	if rec.Certificate.SubjectID != id {
		return fmt.Errorf("%w: certificate subject %q does not match agent id %q",
			ErrCertificateInvalid, rec.Certificate.SubjectID, id)
	}
	if !r.ca.Verify(rec.Certificate) {
		return fmt.Errorf("%w: certificate for %s failed verification", ErrCertificateInvalid, id)
	}

	unlock := r.locks.lock(id)
	defer unlock()

	if _, exists, err := r.store.Get(id); err != nil {
		return fmt.Errorf("registry read for %s: %w", id, err)
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	rec.AgentID = id
	rec.RegisteredAt = time.Now().UnixMilli()
	if err := r.store.Put(id, rec); err != nil {
		return fmt.Errorf("registry write for %s: %w", id, err)
	}
	r.event(EventAgentRegistered, id, fmt.Sprintf("capabilities=%s", strings.Join(rec.Capabilities, ",")))
	return nil
}

// Deregister removes an agent. Removal of an absent id, including a
// second call for the same id, reports ErrNotFound.
func (r *Registry) Deregister(agentID string) error {
	id := strings.TrimSpace(agentID)
	if id == "" {
		return fmt.Errorf("%w: agent id cannot be empty", ErrInvalidRequest)
	}

	unlock := r.locks.lock(id)
	defer unlock()

	deleted, err := r.store.Delete(id)
	if err != nil {
		return fmt.Errorf("registry delete for %s: %w", id, err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.event(EventAgentDeregistered, id, "")
	return nil
}

func (r *Registry) Lookup(agentID string) (AgentRecord, error) {
	id := strings.TrimSpace(agentID)
	rec, ok, err := r.store.Get(id)
	if err != nil {
		return AgentRecord{}, fmt.Errorf("registry read for %s: %w", id, err)
	}
	if !ok {
		return AgentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// ListByCapability returns agents whose capability descriptions contain
// the query, case-insensitively. Results keep registration order.
func (r *Registry) ListByCapability(capability string) ([]AgentRecord, error) {
	q := strings.ToLower(strings.TrimSpace(capability))
	if q == "" {
		return nil, fmt.Errorf("%w: capability query cannot be empty", ErrInvalidRequest)
	}
	var matches []AgentRecord
	err := r.store.Scan(func(rec AgentRecord) bool {
		for _, cap := range rec.Capabilities {
			if strings.Contains(strings.ToLower(cap), q) {
				matches = append(matches, rec)
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("registry scan: %w", err)
	}
	return matches, nil
}

// keyedMutex serializes work per key without a global lock. Entries are
// dropped once the last holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
