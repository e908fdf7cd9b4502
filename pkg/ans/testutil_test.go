package ans

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type ecdsaKeyPair struct {
	key *ecdsa.PrivateKey
}

func newKeyPair(t *testing.T) *ecdsaKeyPair {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &ecdsaKeyPair{key: key}
}

func newTestRegistry(t *testing.T) (*CertificateAuthority, *Registry) {
	t.Helper()
	ca := newTestCA(t)
	registry, err := NewRegistry(ca, NewMemoryRecordStore())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return ca, registry
}

func registerAgent(t *testing.T, ca *CertificateAuthority, registry *Registry, agentID string, capabilities []string, protocol string) (AgentRecord, *ecdsaKeyPair) {
	t.Helper()
	kp := newKeyPair(t)
	cert, err := ca.Issue(agentID, &kp.key.PublicKey, time.Hour)
	if err != nil {
		t.Fatalf("issue certificate for %s: %v", agentID, err)
	}
	rec := AgentRecord{
		AgentID:      agentID,
		Capabilities: capabilities,
		Certificate:  cert,
		ProtocolInfo: protocol,
	}
	if err := registry.Register(rec); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
	return rec, kp
}

func floatPtr(v float64) *float64 {
	return &v
}
