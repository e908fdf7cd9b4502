package ans

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NegotiationEngine validates offer batches, delegates scoring to the
// oracle, and selects a single winner deterministically. It holds no
// state shared between batches, so concurrent negotiations are free.
type NegotiationEngine struct {
	scorer Scorer

	mu       sync.RWMutex
	logEvent EventLogger
}

func NewNegotiationEngine(scorer Scorer) (*NegotiationEngine, error) {
	if scorer == nil {
		return nil, fmt.Errorf("negotiation engine requires a scorer")
	}
	return &NegotiationEngine{scorer: scorer}, nil
}

func (e *NegotiationEngine) SetEventLogger(fn EventLogger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logEvent = fn
}

func (e *NegotiationEngine) event(kind, subject, detail string) {
	e.mu.RLock()
	fn := e.logEvent
	e.mu.RUnlock()
	if fn != nil {
		fn(kind, subject, detail)
	}
}

// Evaluate scores a batch against the requirements. The batch is one
// coherent set: any invalid offer fails the whole call before the
// oracle is invoked, because relative scoring needs the full context.
func (e *NegotiationEngine) Evaluate(ctx context.Context, offers []CapabilityOffer, req NegotiationRequirement) ([]EvaluatedOffer, error) {
	if err := validateOffers(offers); err != nil {
		return nil, err
	}
	req = req.withDefaults()

	raw, err := e.scorer.ScoreOffers(ctx, offers, req)
	if err != nil {
		// Retrying the oracle belongs to the transport calling it, not here.
		return nil, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	evaluated, err := normalizeScorerOutput(raw)
	if err != nil {
		return nil, err
	}

	// Referential integrity is best-effort against an oracle whose
	// fidelity cannot be guaranteed: unknown ids are dropped and
	// logged, a count mismatch is logged, neither is fatal.
	known := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		known[o.ID] = struct{}{}
	}
	kept := evaluated[:0]
	for _, ev := range evaluated {
		if _, ok := known[ev.ID]; !ok {
			fmt.Printf("[Negotiation] Dropping evaluated offer with unknown id %q\n", ev.ID)
			e.event(EventScoreIntegrity, ev.ID, "evaluated offer id not present in input batch")
			continue
		}
		ev.Score = clampScore(ev.Score)
		kept = append(kept, ev)
	}
	if len(kept) != len(offers) {
		detail := fmt.Sprintf("expected %d evaluated offers, got %d", len(offers), len(kept))
		fmt.Printf("[Negotiation] %s\n", detail)
		e.event(EventScoreIntegrity, "batch", detail)
	}
	return kept, nil
}

// SelectWinner picks the highest-scoring offer. Ties break to the lower
// cost when both carry one; otherwise to the earlier position in the
// original batch. The result is deterministic for a given input.
func SelectWinner(offers []CapabilityOffer, evaluated []EvaluatedOffer) (EvaluatedOffer, error) {
	if len(evaluated) == 0 {
		return EvaluatedOffer{}, fmt.Errorf("%w: no evaluated offers to select from", ErrInvalidRequest)
	}
	pos := make(map[string]int, len(offers))
	for i, o := range offers {
		pos[o.ID] = i
	}

	best := 0
	for i := 1; i < len(evaluated); i++ {
		if betterOffer(evaluated[i], evaluated[best], pos) {
			best = i
		}
	}
	return evaluated[best], nil
}

func betterOffer(a, b EvaluatedOffer, pos map[string]int) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Cost != nil && b.Cost != nil && *a.Cost != *b.Cost {
		return *a.Cost < *b.Cost
	}
	return batchPosition(a.ID, pos) < batchPosition(b.ID, pos)
}

func batchPosition(id string, pos map[string]int) int {
	if p, ok := pos[id]; ok {
		return p
	}
	return len(pos)
}

func validateOffers(offers []CapabilityOffer) error {
	if len(offers) == 0 {
		return fmt.Errorf("%w: offer batch cannot be empty", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(offers))
	for i, o := range offers {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			return fmt.Errorf("%w: offer at position %d is missing an id", ErrInvalidOffer, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate offer id %q in batch", ErrInvalidOffer, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(o.Description) == "" {
			return fmt.Errorf("%w: offer %s has an empty description", ErrInvalidOffer, id)
		}
		if o.QoS != nil && (*o.QoS < 0 || *o.QoS > 1) {
			return fmt.Errorf("%w: offer %s qos %.3f outside [0,1]", ErrInvalidOffer, id, *o.QoS)
		}
	}
	return nil
}
