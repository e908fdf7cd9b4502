package ans

import "strings"

// RecordFilter narrows resolver results. A nil filter accepts anything.
type RecordFilter func(AgentRecord) bool

// ProtocolFilter keeps agents whose protocol info contains proto,
// case-insensitively. An empty proto keeps everything.
func ProtocolFilter(proto string) RecordFilter {
	proto = strings.ToLower(strings.TrimSpace(proto))
	return func(rec AgentRecord) bool {
		if proto == "" {
			return true
		}
		return strings.Contains(strings.ToLower(rec.ProtocolInfo), proto)
	}
}

// ValidCertificateFilter keeps agents whose certificate still verifies
// against ca. Records can outlive their certificate window; resolution
// is the natural place to drop them.
func ValidCertificateFilter(ca *CertificateAuthority) RecordFilter {
	return func(rec AgentRecord) bool {
		return ca != nil && ca.Verify(rec.Certificate)
	}
}

// Resolver answers capability queries against the registry. It never
// mutates registry state; "no match" is an empty result, not an error.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

func (r *Resolver) Resolve(query string, filters ...RecordFilter) ([]AgentRecord, error) {
	matches, err := r.registry.ListByCapability(query)
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(matches))
	for _, rec := range matches {
		keep := true
		for _, f := range filters {
			if f != nil && !f(rec) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out, nil
}
