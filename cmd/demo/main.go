package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"agentns/pkg/ans"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Walks the full protocol end to end against an in-memory registry:
// issue certificates, register three agents, resolve by capability,
// score their offers, and bind to the winner.
func main() {
	fmt.Println("Starting AgentNS demo...")

	caKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate CA key: %v", err)
	}
	ca, err := ans.NewCertificateAuthority("demo-root", caKey)
	if err != nil {
		log.Fatalf("Failed to init CA: %v", err)
	}

	records := ans.NewMemoryRecordStore()
	registry, err := ans.NewRegistry(ca, records)
	if err != nil {
		log.Fatalf("Failed to init registry: %v", err)
	}

	// --- Enroll and register three translators ---
	type seed struct {
		id       string
		caps     []string
		protocol string
	}
	seeds := []seed{
		{"translator-alpha", []string{"translate-text", "summarize"}, "a2a/1.0"},
		{"translator-beta", []string{"translate-text"}, "a2a/1.0"},
		{"indexer-gamma", []string{"index-documents"}, "mcp/1.0"},
	}
	identities := make(map[string]ans.Identity, len(seeds))
	for _, s := range seeds {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate key for %s: %v", s.id, err)
		}
		cert, err := ca.Issue(s.id, &key.PublicKey, time.Hour)
		if err != nil {
			log.Fatalf("Failed to issue certificate for %s: %v", s.id, err)
		}
		identities[s.id] = ans.Identity{AgentID: s.id, Key: key, Certificate: cert}
		err = registry.Register(ans.AgentRecord{
			AgentID:      s.id,
			Capabilities: s.caps,
			Certificate:  cert,
			ProtocolInfo: s.protocol,
		})
		if err != nil {
			log.Fatalf("Failed to register %s: %v", s.id, err)
		}
		fmt.Printf("[Demo] Registered %s (%v)\n", s.id, s.caps)
	}

	// --- Resolve agents that can translate over a2a ---
	resolver := ans.NewResolver(registry)
	matches, err := resolver.Resolve("translate-text",
		ans.ProtocolFilter("a2a"),
		ans.ValidCertificateFilter(ca),
	)
	if err != nil {
		log.Fatalf("Resolve failed: %v", err)
	}
	fmt.Printf("[Demo] Resolved %d candidates for translate-text\n", len(matches))

	// --- Negotiate: score one offer per candidate ---
	engine, err := ans.NewNegotiationEngine(ans.WeightedScorer{})
	if err != nil {
		log.Fatalf("Failed to init negotiation engine: %v", err)
	}
	costs := map[string]float64{"translator-alpha": 12, "translator-beta": 7}
	qos := map[string]float64{"translator-alpha": 0.95, "translator-beta": 0.8}
	offers := make([]ans.CapabilityOffer, 0, len(matches))
	for _, m := range matches {
		c := costs[m.AgentID]
		q := qos[m.AgentID]
		offers = append(offers, ans.CapabilityOffer{
			ID:                    m.AgentID,
			Description:           "translate-text batch job",
			Cost:                  &c,
			QoS:                   &q,
			ProtocolCompatibility: m.ProtocolInfo,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	evaluated, err := engine.Evaluate(ctx, offers, ans.NegotiationRequirement{Protocol: "a2a"})
	if err != nil {
		log.Fatalf("Negotiation failed: %v", err)
	}
	for _, e := range evaluated {
		fmt.Printf("[Demo] Offer %s scored %.1f (%s)\n", e.ID, e.Score, e.Reasoning)
	}
	winner, err := ans.SelectWinner(offers, evaluated)
	if err != nil {
		log.Fatalf("Winner selection failed: %v", err)
	}
	fmt.Printf("[Demo] Winner: %s\n", winner.ID)

	// --- Bind to the winner ---
	bindings := ans.NewMemoryBindingStore()
	binder, err := ans.NewBindingService(ca, registry, bindings)
	if err != nil {
		log.Fatalf("Failed to init binding service: %v", err)
	}
	initiator := identities["indexer-gamma"]
	hs, err := binder.Bind(ctx, initiator, winner.ID, uuid.NewString())
	if err != nil {
		log.Fatalf("Bind failed in state %s: %v", hs.State, err)
	}
	fmt.Printf("[Demo] Handshake %s: binding %s between %s and %s, session key derived (%d hex bytes)\n",
		hs.State, hs.Binding.BindingID, hs.Binding.InitiatorID, hs.Binding.ResponderID, len(hs.Binding.SessionKey)/2)

	fmt.Println("Demo complete.")
}
