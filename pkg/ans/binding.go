package ans

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/google/uuid"
)

const DefaultBindingTTL = time.Hour

// Identity is the initiator's side of a handshake: its id, private key,
// and the certificate the CA issued for that key.
type Identity struct {
	AgentID     string
	Key         *ecdsa.PrivateKey
	Certificate Certificate
}

// Handshake is the explicit per-negotiation state machine. Bound and
// Failed are terminal; Reason explains a failure, Binding holds the
// artifact on success.
type Handshake struct {
	State         HandshakeState
	InitiatorID   string
	ResponderID   string
	NegotiationID string
	Reason        string
	Binding       *Binding
}

func (h *Handshake) fail(reason string) {
	h.State = StateFailed
	h.Reason = reason
}

// BindingService converts a negotiation winner into a trusted channel.
// At most one handshake may be live per (initiator, responder,
// negotiation) triple; the guard is released on Bound or Failed.
type BindingService struct {
	ca       *CertificateAuthority
	registry *Registry
	store    BindingStore
	ttl      time.Duration

	mu       sync.Mutex
	guards   map[string]struct{}
	logEvent EventLogger
}

func NewBindingService(ca *CertificateAuthority, registry *Registry, store BindingStore) (*BindingService, error) {
	if ca == nil || registry == nil {
		return nil, fmt.Errorf("binding service requires a certificate authority and a registry")
	}
	return &BindingService{
		ca:       ca,
		registry: registry,
		store:    store,
		ttl:      DefaultBindingTTL,
		guards:   make(map[string]struct{}),
	}, nil
}

func (s *BindingService) SetBindingTTL(ttl time.Duration) {
	if ttl > 0 {
		s.mu.Lock()
		s.ttl = ttl
		s.mu.Unlock()
	}
}

func (s *BindingService) SetEventLogger(fn EventLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logEvent = fn
}

func (s *BindingService) event(kind, subject, detail string) {
	s.mu.Lock()
	fn := s.logEvent
	s.mu.Unlock()
	if fn != nil {
		fn(kind, subject, detail)
	}
}

// Bind runs the full handshake for the winning responder. The returned
// Handshake is always inspectable, including on error: callers see the
// exact state the machine terminated in. Failures are terminal for this
// negotiation; retrying requires a new negotiation id.
func (s *BindingService) Bind(ctx context.Context, initiator Identity, responderID, negotiationID string) (*Handshake, error) {
	initiatorID := strings.TrimSpace(initiator.AgentID)
	responderID = strings.TrimSpace(responderID)
	negotiationID = strings.TrimSpace(negotiationID)

	hs := &Handshake{
		State:         StateInitiated,
		InitiatorID:   initiatorID,
		ResponderID:   responderID,
		NegotiationID: negotiationID,
	}
	if initiatorID == "" || responderID == "" || negotiationID == "" {
		hs.fail("initiator, responder and negotiation ids are required")
		return hs, fmt.Errorf("%w: %s", ErrInvalidRequest, hs.Reason)
	}
	if initiator.Key == nil {
		hs.fail("initiator private key is required")
		return hs, fmt.Errorf("%w: %s", ErrInvalidRequest, hs.Reason)
	}

	key := tripleKey(initiatorID, responderID, negotiationID)
	if err := s.acquire(key); err != nil {
		hs.fail("a handshake for this triple is already in progress")
		return hs, err
	}
	defer s.release(key)

	result, err := s.run(ctx, hs, initiator, responderID, negotiationID)
	if err != nil {
		s.event(EventBindingFailed, key, hs.Reason)
		return hs, err
	}
	return result, nil
}

func (s *BindingService) run(ctx context.Context, hs *Handshake, initiator Identity, responderID, negotiationID string) (*Handshake, error) {
	now := time.Now()
	if s.store != nil {
		if live, ok, err := s.store.LiveBinding(hs.InitiatorID, responderID, negotiationID, now.Unix()); err != nil {
			hs.fail(fmt.Sprintf("binding store read failed: %v", err))
			return nil, err
		} else if ok {
			hs.fail(fmt.Sprintf("binding %s is still live for this triple", live.BindingID))
			return nil, fmt.Errorf("%w: negotiation %s", ErrBindingInProgress, negotiationID)
		}
	}
	if err := ctx.Err(); err != nil {
		hs.fail("handshake cancelled")
		return nil, err
	}

	responder, err := s.registry.Lookup(responderID)
	if err != nil {
		hs.fail(fmt.Sprintf("responder lookup failed: %v", err))
		return nil, fmt.Errorf("responder %s: %w", responderID, err)
	}

	hs.State = StateCertificatesExchanged
	if initiator.Certificate.SubjectID != hs.InitiatorID || !s.ca.Verify(initiator.Certificate) {
		hs.fail("initiator certificate failed verification")
		return nil, fmt.Errorf("%w: initiator %s", ErrCertificateRejected, hs.InitiatorID)
	}
	if !s.ca.Verify(responder.Certificate) {
		hs.fail("responder certificate failed verification")
		return nil, fmt.Errorf("%w: responder %s", ErrCertificateRejected, responderID)
	}

	hs.State = StateVerified
	responderPub, err := SubjectPublicKey(responder.Certificate)
	if err != nil {
		hs.fail("responder certificate carries an unusable public key")
		return nil, fmt.Errorf("%w: responder %s", ErrCertificateRejected, responderID)
	}
	sessionKey, err := deriveSessionKey(initiator.Key, responderPub, negotiationID)
	if err != nil {
		hs.fail(fmt.Sprintf("session key derivation failed: %v", err))
		return nil, fmt.Errorf("session key derivation for %s: %w", negotiationID, err)
	}

	b := Binding{
		BindingID:     uuid.NewString(),
		NegotiationID: negotiationID,
		InitiatorID:   hs.InitiatorID,
		ResponderID:   responderID,
		SessionKey:    hex.EncodeToString(sessionKey),
		EstablishedAt: now.Unix(),
		ExpiresAt:     now.Add(s.bindingTTL()).Unix(),
	}
	if s.store != nil {
		if err := s.store.SaveBinding(b); err != nil {
			hs.fail(fmt.Sprintf("binding persist failed: %v", err))
			return nil, fmt.Errorf("binding persist for %s: %w", negotiationID, err)
		}
	}
	hs.Binding = &b
	hs.State = StateBound
	s.event(EventBindingBound, b.BindingID, fmt.Sprintf("%s -> %s (negotiation %s)", hs.InitiatorID, responderID, negotiationID))
	return hs, nil
}

func (s *BindingService) bindingTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

func (s *BindingService) acquire(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.guards[key]; held {
		return fmt.Errorf("%w: %s", ErrBindingInProgress, key)
	}
	s.guards[key] = struct{}{}
	return nil
}

func (s *BindingService) release(key string) {
	s.mu.Lock()
	delete(s.guards, key)
	s.mu.Unlock()
}

func tripleKey(initiatorID, responderID, negotiationID string) string {
	return initiatorID + "|" + responderID + "|" + negotiationID
}

// deriveSessionKey computes the ECDH shared secret over both parties'
// verified keys, salted with the negotiation id so distinct
// negotiations between the same pair get distinct material. Both sides
// derive the same value from their own private key and the peer's
// certificate.
func deriveSessionKey(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey, negotiationID string) ([]byte, error) {
	shared, err := ecies.ImportECDSA(priv).GenerateShared(ecies.ImportECDSAPublic(peerPub), 16, 16)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append(shared, []byte(negotiationID)...))
	return sum[:], nil
}
