package ans

const (
	EventAgentRegistered   = "agent_registered"
	EventAgentDeregistered = "agent_deregistered"
	EventScoreIntegrity    = "score_integrity"
	EventBindingBound      = "binding_bound"
	EventBindingFailed     = "binding_failed"
)

// Default requirement weights, applied when a request leaves all three unset.
const (
	DefaultCostWeight     = 0.4
	DefaultQoSWeight      = 0.4
	DefaultProtocolWeight = 0.2
)

// Certificate binds an agent identifier to a secp256k1 public key.
// The signature covers all other fields and verifies under the issuing
// authority's key. Immutable once issued.
type Certificate struct {
	SubjectID string `json:"subjectId"`
	PublicKey string `json:"publicKey"` // hex-encoded uncompressed secp256k1 point
	Issuer    string `json:"issuer"`
	NotBefore int64  `json:"notBefore"` // unix seconds
	NotAfter  int64  `json:"notAfter"`
	Signature string `json:"signature"` // hex-encoded recoverable ECDSA signature
}

// AgentRecord is one registry entry: identity, certificate, and the
// capabilities the agent advertises.
type AgentRecord struct {
	AgentID      string      `json:"agentId"`
	Capabilities []string    `json:"capabilities"`
	Certificate  Certificate `json:"certificate"`
	ProtocolInfo string      `json:"protocolInfo,omitempty"`
	RegisteredAt int64       `json:"registeredAt,omitempty"` // unix millis, set on registration
}

// NegotiationRequirement describes what the requester cares about when
// competing offers are scored. Weights sum is not required to be 1.
type NegotiationRequirement struct {
	SecurityRequirements string  `json:"securityRequirements,omitempty"`
	Protocol             string  `json:"protocol,omitempty"`
	CostWeight           float64 `json:"costWeight,omitempty"`
	QoSWeight            float64 `json:"qosWeight,omitempty"`
	ProtocolWeight       float64 `json:"protocolWeight,omitempty"`
}

func (r NegotiationRequirement) withDefaults() NegotiationRequirement {
	if r.CostWeight == 0 && r.QoSWeight == 0 && r.ProtocolWeight == 0 {
		r.CostWeight = DefaultCostWeight
		r.QoSWeight = DefaultQoSWeight
		r.ProtocolWeight = DefaultProtocolWeight
	}
	return r
}

// CapabilityOffer is one candidate's proposed terms for a requested
// capability. Cost and QoS are optional; absent is not the same as zero.
type CapabilityOffer struct {
	ID                    string   `json:"id"`
	Description           string   `json:"description"`
	Cost                  *float64 `json:"cost,omitempty"`
	QoS                   *float64 `json:"qos,omitempty"` // in [0,1] when present
	ProtocolCompatibility string   `json:"protocolCompatibility,omitempty"`
}

// EvaluatedOffer is a scored CapabilityOffer. Score is clamped to [0,100].
type EvaluatedOffer struct {
	CapabilityOffer
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// HandshakeState tracks the binding state machine. Bound and Failed are
// terminal; every failure path lands in Failed, never partially bound.
type HandshakeState string

const (
	StateInitiated             HandshakeState = "initiated"
	StateCertificatesExchanged HandshakeState = "certificates_exchanged"
	StateVerified              HandshakeState = "verified"
	StateBound                 HandshakeState = "bound"
	StateFailed                HandshakeState = "failed"
)

// Binding is the trusted session artifact produced after mutual
// certificate verification succeeds.
type Binding struct {
	BindingID     string `json:"bindingId"`
	NegotiationID string `json:"negotiationId"`
	InitiatorID   string `json:"initiatorId"`
	ResponderID   string `json:"responderId"`
	SessionKey    string `json:"sessionKey,omitempty"` // hex-encoded key material
	EstablishedAt int64  `json:"establishedAt"`        // unix seconds
	ExpiresAt     int64  `json:"expiresAt"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail,omitempty"`
	At      int64  `json:"at"` // unix millis
}

// EventLogger receives audit events. Implementations must not block.
type EventLogger func(kind, subject, detail string)
