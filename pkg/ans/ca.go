package ans

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	caKeyFileName         = "ca.key"
	DefaultCertificateTTL = 365 * 24 * time.Hour
)

// CertificateAuthority issues and verifies identity certificates. The
// signing key is loaded once at construction and never rotated.
type CertificateAuthority struct {
	name string
	key  *ecdsa.PrivateKey
}

func NewCertificateAuthority(name string, key *ecdsa.PrivateKey) (*CertificateAuthority, error) {
	if key == nil {
		return nil, fmt.Errorf("certificate authority requires a signing key")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "ans-root"
	}
	return &CertificateAuthority{name: name, key: key}, nil
}

// LoadOrCreateCAKey loads the authority signing key from the workspace,
// generating and persisting a fresh one on first start.
func LoadOrCreateCAKey(workspace string) (*ecdsa.PrivateKey, error) {
	keyPath := filepath.Join(workspace, caKeyFileName)
	if b, err := os.ReadFile(keyPath); err == nil {
		key, err := crypto.HexToECDSA(strings.TrimSpace(string(b)))
		if err == nil {
			fmt.Printf("[CA] Loaded existing signing key from %s\n", keyPath)
			return key, nil
		}
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	encoded := hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		fmt.Printf("[CA] Warning: could not save signing key to %s: %v\n", keyPath, err)
	} else {
		fmt.Printf("[CA] Generated new signing key, saved to %s\n", keyPath)
	}
	return key, nil
}

func (ca *CertificateAuthority) Name() string {
	return ca.name
}

func (ca *CertificateAuthority) PublicKey() *ecdsa.PublicKey {
	return &ca.key.PublicKey
}

// Issue signs a certificate binding agentID to pub, valid from now for
// ttl (DefaultCertificateTTL when ttl <= 0).
func (ca *CertificateAuthority) Issue(agentID string, pub *ecdsa.PublicKey, ttl time.Duration) (Certificate, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Certificate{}, fmt.Errorf("%w: agent id cannot be empty", ErrInvalidSubject)
	}
	if pub == nil {
		return Certificate{}, fmt.Errorf("%w: missing public key for %s", ErrInvalidSubject, agentID)
	}
	if ttl <= 0 {
		ttl = DefaultCertificateTTL
	}
	now := time.Now().Unix()
	cert := Certificate{
		SubjectID: agentID,
		PublicKey: hex.EncodeToString(crypto.FromECDSAPub(pub)),
		Issuer:    ca.name,
		NotBefore: now,
		NotAfter:  now + int64(ttl/time.Second),
	}
	sig, err := crypto.Sign(certDigest(cert), ca.key)
	if err != nil {
		return Certificate{}, fmt.Errorf("failed to sign certificate for %s: %w", agentID, err)
	}
	cert.Signature = hex.EncodeToString(sig)
	return cert, nil
}

// Verify reports whether cert was signed by this authority and is
// currently inside its validity window. Malformed input yields false,
// never a panic or an error.
func (ca *CertificateAuthority) Verify(cert Certificate) bool {
	return ca.VerifyAt(cert, time.Now())
}

func (ca *CertificateAuthority) VerifyAt(cert Certificate, now time.Time) bool {
	if strings.TrimSpace(cert.SubjectID) == "" {
		return false
	}
	sig, err := hex.DecodeString(cert.Signature)
	if err != nil || len(sig) < 64 {
		return false
	}
	caPub := crypto.FromECDSAPub(&ca.key.PublicKey)
	if !crypto.VerifySignature(caPub, certDigest(cert), sig[:64]) {
		return false
	}
	ts := now.Unix()
	return ts >= cert.NotBefore && ts <= cert.NotAfter
}

// SubjectPublicKey decodes the subject key embedded in a certificate.
func SubjectPublicKey(cert Certificate) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("certificate for %s carries invalid public key hex: %w", cert.SubjectID, err)
	}
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("certificate for %s carries unparseable public key: %w", cert.SubjectID, err)
	}
	return pub, nil
}

// certDigest hashes the signed portion of a certificate. The field
// order is part of the wire contract and must not change.
func certDigest(cert Certificate) []byte {
	payload := fmt.Sprintf("%s|%s|%s|%d|%d",
		cert.SubjectID, cert.PublicKey, cert.Issuer, cert.NotBefore, cert.NotAfter)
	return crypto.Keccak256([]byte(payload))
}
