package ans

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	rec, _ := registerAgent(t, ca, registry, "translator-1", []string{"translate-text"}, "a2a/1.0")

	got, err := registry.Lookup("translator-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.AgentID != rec.AgentID || got.ProtocolInfo != "a2a/1.0" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.RegisteredAt == 0 {
		t.Fatalf("expected registration timestamp to be set")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	first, kp := registerAgent(t, ca, registry, "translator-1", []string{"translate-text"}, "a2a/1.0")

	cert, err := ca.Issue("translator-1", &kp.key.PublicKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	dup := AgentRecord{
		AgentID:      "translator-1",
		Capabilities: []string{"summarize-text"},
		Certificate:  cert,
	}
	if err := registry.Register(dup); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}

	// The failed attempt must leave the original record untouched.
	got, err := registry.Lookup("translator-1")
	if err != nil {
		t.Fatalf("lookup after duplicate: %v", err)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != first.Capabilities[0] {
		t.Fatalf("record changed by failed registration: %+v", got)
	}
}

func TestRegisterRejectsBadCertificates(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	kp := newKeyPair(t)

	cert, err := ca.Issue("translator-1", &kp.key.PublicKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	mismatched := AgentRecord{AgentID: "translator-2", Capabilities: []string{"x"}, Certificate: cert}
	if err := registry.Register(mismatched); !errors.Is(err, ErrCertificateInvalid) {
		t.Fatalf("expected ErrCertificateInvalid for subject mismatch, got %v", err)
	}

	forged := cert
	forged.NotAfter += 1000
	if err := registry.Register(AgentRecord{AgentID: "translator-1", Capabilities: []string{"x"}, Certificate: forged}); !errors.Is(err, ErrCertificateInvalid) {
		t.Fatalf("expected ErrCertificateInvalid for forged certificate, got %v", err)
	}
}

func TestDeregisterIsNotIdempotent(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	registerAgent(t, ca, registry, "translator-1", []string{"translate-text"}, "")

	if err := registry.Deregister("translator-1"); err != nil {
		t.Fatalf("first deregister: %v", err)
	}
	if err := registry.Deregister("translator-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second deregister, got %v", err)
	}
	if _, err := registry.Lookup("translator-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deregister, got %v", err)
	}
}

func TestListByCapabilitySubstringMatchAndOrder(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	registerAgent(t, ca, registry, "agent-a", []string{"translate-text"}, "")
	registerAgent(t, ca, registry, "agent-b", []string{"summarize-text"}, "")
	registerAgent(t, ca, registry, "agent-c", []string{"Translate-Audio", "translate-text"}, "")

	matches, err := registry.ListByCapability("translate")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	// Insertion order must be stable for equal relevance.
	if matches[0].AgentID != "agent-a" || matches[1].AgentID != "agent-c" {
		t.Fatalf("unexpected order: %s, %s", matches[0].AgentID, matches[1].AgentID)
	}

	if _, err := registry.ListByCapability("  "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty query, got %v", err)
	}
}

func TestConcurrentRegisterSameIDOnlyOneWins(t *testing.T) {
	t.Parallel()

	ca, registry := newTestRegistry(t)
	kp := newKeyPair(t)
	cert, err := ca.Issue("race-agent", &kp.key.PublicKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := AgentRecord{AgentID: "race-agent", Capabilities: []string{"x"}, Certificate: cert}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = registry.Register(rec)
		}(i)
	}
	wg.Wait()

	var wins, dups int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrDuplicateAgent):
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || dups != attempts-1 {
		t.Fatalf("expected exactly one winner, got wins=%d dups=%d", wins, dups)
	}
}
