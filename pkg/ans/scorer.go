package ans

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Scorer is the external oracle that assigns scores and rationale to a
// full offer batch. The return shape is deliberately loose: oracles are
// known to wrap the sequence in a single-key container or return it as
// serialized text, and normalizeScorerOutput is the compatibility shim.
type Scorer interface {
	ScoreOffers(ctx context.Context, offers []CapabilityOffer, req NegotiationRequirement) (interface{}, error)
}

// normalizeScorerOutput coerces whatever the oracle returned into the
// evaluated-offer sequence. Accepted shapes: a direct sequence, a
// single-key container holding a sequence, or text that parses to a
// sequence. Anything else is ErrOracleOutputMalformed; there is no
// silent default scoring.
func normalizeScorerOutput(raw interface{}) ([]EvaluatedOffer, error) {
	switch v := raw.(type) {
	case []EvaluatedOffer:
		return v, nil
	case []interface{}:
		return decodeEvaluatedOffers(v)
	case map[string]interface{}:
		if len(v) == 1 {
			for _, inner := range v {
				return normalizeScorerOutput(inner)
			}
		}
		return nil, fmt.Errorf("%w: container with %d keys is not a sequence", ErrOracleOutputMalformed, len(v))
	case json.RawMessage:
		return parseScorerText([]byte(v))
	case []byte:
		return parseScorerText(v)
	case string:
		return parseScorerText([]byte(v))
	case nil:
		return nil, fmt.Errorf("%w: oracle returned nothing", ErrOracleOutputMalformed)
	default:
		return nil, fmt.Errorf("%w: unexpected oracle value of type %T", ErrOracleOutputMalformed, raw)
	}
}

func parseScorerText(b []byte) ([]EvaluatedOffer, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: oracle returned empty text", ErrOracleOutputMalformed)
	}
	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, fmt.Errorf("%w: oracle text is not valid JSON: %v", ErrOracleOutputMalformed, err)
	}
	switch v := decoded.(type) {
	case []interface{}:
		return decodeEvaluatedOffers(v)
	case map[string]interface{}:
		// Single-key wrapping also shows up in serialized form.
		if len(v) == 1 {
			for _, inner := range v {
				if seq, ok := inner.([]interface{}); ok {
					return decodeEvaluatedOffers(seq)
				}
			}
		}
		return nil, fmt.Errorf("%w: oracle text did not parse to a sequence", ErrOracleOutputMalformed)
	default:
		return nil, fmt.Errorf("%w: oracle text did not parse to a sequence", ErrOracleOutputMalformed)
	}
}

func decodeEvaluatedOffers(seq []interface{}) ([]EvaluatedOffer, error) {
	encoded, err := json.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleOutputMalformed, err)
	}
	var out []EvaluatedOffer
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("%w: sequence elements are not evaluated offers: %v", ErrOracleOutputMalformed, err)
	}
	return out, nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// WeightedScorer is the deterministic rule-based scorer. It uses
// cross-offer context (relative cost within the batch) the same way a
// remote oracle is allowed to.
type WeightedScorer struct{}

func (WeightedScorer) ScoreOffers(_ context.Context, offers []CapabilityOffer, req NegotiationRequirement) (interface{}, error) {
	req = req.withDefaults()

	maxCost := 0.0
	for _, o := range offers {
		if o.Cost != nil && *o.Cost > maxCost {
			maxCost = *o.Cost
		}
	}

	out := make([]EvaluatedOffer, 0, len(offers))
	for _, o := range offers {
		var score float64
		var reasons []string

		if o.QoS != nil {
			score += req.QoSWeight * *o.QoS * 100
			reasons = append(reasons, fmt.Sprintf("qos %.2f", *o.QoS))
		} else {
			score += req.QoSWeight * 50
			reasons = append(reasons, "qos unspecified")
		}

		if o.Cost != nil {
			rel := 1.0
			if maxCost > 0 {
				rel = 1 - *o.Cost/maxCost
			}
			score += req.CostWeight * rel * 100
			reasons = append(reasons, fmt.Sprintf("cost %.2f of batch max %.2f", *o.Cost, maxCost))
		} else {
			score += req.CostWeight * 50
			reasons = append(reasons, "cost unspecified")
		}

		switch {
		case req.Protocol == "":
			score += req.ProtocolWeight * 50
			reasons = append(reasons, "no protocol requirement")
		case strings.Contains(strings.ToLower(o.ProtocolCompatibility), strings.ToLower(req.Protocol)):
			score += req.ProtocolWeight * 100
			reasons = append(reasons, fmt.Sprintf("protocol matches %s", req.Protocol))
		default:
			reasons = append(reasons, fmt.Sprintf("protocol does not match %s", req.Protocol))
		}

		out = append(out, EvaluatedOffer{
			CapabilityOffer: o,
			Score:           clampScore(score),
			Reasoning:       strings.Join(reasons, "; "),
		})
	}
	return out, nil
}

const defaultScorerTimeout = 30 * time.Second

// HTTPScorer calls a remote scoring oracle. The raw response body is
// returned untouched so the engine's normalization applies uniformly to
// local and remote scorers.
type HTTPScorer struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
}

func NewHTTPScorer(endpoint string) *HTTPScorer {
	return &HTTPScorer{
		Endpoint: endpoint,
		Client:   &http.Client{},
		Timeout:  defaultScorerTimeout,
	}
}

func (s *HTTPScorer) ScoreOffers(ctx context.Context, offers []CapabilityOffer, req NegotiationRequirement) (interface{}, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"offers":       offers,
		"requirements": req,
	})
	if err != nil {
		return nil, err
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("scorer response read failed: %w", err)
	}
	return json.RawMessage(body), nil
}
