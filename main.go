package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentns/pkg/ans"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

type seedAgentConfig struct {
	AgentID      string   `toml:"agent_id"`
	Capabilities []string `toml:"capabilities"`
	ProtocolInfo string   `toml:"protocol_info"`
	CertTTLSec   int64    `toml:"cert_ttl_sec"`
}

type startupProfile struct {
	Headless      bool              `toml:"headless"`
	ControlListen string            `toml:"control_listen"`
	ControlToken  string            `toml:"control_token"`
	ScorerURL     string            `toml:"scorer_url"`
	CAName        string            `toml:"ca_name"`
	AgentID       string            `toml:"agent_id"`
	BindingTTLSec int64             `toml:"binding_ttl_sec"`
	SeedAgents    []seedAgentConfig `toml:"seed_agents"`
}

const (
	identityKeyFileName   = "identity.key"
	operatorBindTimeout   = 30 * time.Second
	defaultNegotiateLimit = 20 * time.Second
)

// gateway bundles the protocol components this node hosts: the CA, the
// registry/resolver, the negotiation engine, and the binding service,
// plus the node's own agent identity used as binding initiator.
type gateway struct {
	store    *ans.MetadataStore
	ca       *ans.CertificateAuthority
	registry *ans.Registry
	resolver *ans.Resolver
	engine   *ans.NegotiationEngine
	binder   *ans.BindingService
	identity ans.Identity
}

func main() {
	const defaultWorkspace = "./workspace"
	dbPath := flag.String("db", "ans_metadata.db", "Path to metadata database")
	workspace := flag.String("workspace", defaultWorkspace, "Workspace directory (stores CA and identity keys)")
	configPath := flag.String("config", "", "Optional path to startup profile TOML")
	headless := flag.Bool("headless", false, "Run without interactive operator console")
	controlListen := flag.String("control-listen", "", "Optional local control API listen address (for example 127.0.0.1:8787)")
	controlToken := flag.String("control-token", "", "Optional control API token (sent in X-ANS-Token)")
	scorerURL := flag.String("scorer-url", "", "Remote scoring oracle URL (empty uses the built-in weighted scorer)")
	caName := flag.String("ca-name", "ans-root", "Certificate authority name")
	agentID := flag.String("agent-id", "ans-gateway", "Agent id for this node's own identity")
	flag.Parse()

	profile, err := loadStartupProfile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load startup profile: %v", err)
	}
	if profile != nil && strings.TrimSpace(profile.ControlListen) != "" {
		*controlListen = strings.TrimSpace(profile.ControlListen)
	}
	if profile != nil && strings.TrimSpace(profile.ControlToken) != "" {
		*controlToken = strings.TrimSpace(profile.ControlToken)
	}
	if profile != nil && strings.TrimSpace(profile.ScorerURL) != "" {
		*scorerURL = strings.TrimSpace(profile.ScorerURL)
	}
	if profile != nil && strings.TrimSpace(profile.CAName) != "" {
		*caName = strings.TrimSpace(profile.CAName)
	}
	if profile != nil && strings.TrimSpace(profile.AgentID) != "" {
		*agentID = strings.TrimSpace(profile.AgentID)
	}
	runHeadless := *headless
	if profile != nil && profile.Headless {
		runHeadless = true
	}

	fmt.Printf("Starting Agent Name Service node...\n")
	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("Workspace: %s\n", *workspace)

	os.MkdirAll(*workspace, 0755)

	gw, err := buildGateway(*dbPath, *workspace, *caName, *scorerURL, *agentID)
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}
	if profile != nil && profile.BindingTTLSec > 0 {
		gw.binder.SetBindingTTL(time.Duration(profile.BindingTTLSec) * time.Second)
	}
	if err := applySeedAgents(gw, *workspace, profile); err != nil {
		fmt.Printf("[Startup] Seed registration completed with warnings: %v\n", err)
	}

	var controlServer *controlAPIServer
	if strings.TrimSpace(*controlListen) != "" {
		if strings.TrimSpace(*controlToken) == "" {
			log.Fatalf("Refusing to start control API without token. Set --control-token when using --control-listen.")
		}
		if !isLikelyLoopbackAddr(strings.TrimSpace(*controlListen)) {
			fmt.Printf("[Startup] Warning: control API is not bound to loopback (%s). Prefer 127.0.0.1 or localhost.\n", strings.TrimSpace(*controlListen))
		}
		srv, err := startControlAPI(strings.TrimSpace(*controlListen), gw, strings.TrimSpace(*controlToken))
		if err != nil {
			log.Fatalf("Failed to start control API: %v", err)
		}
		controlServer = srv
		fmt.Printf("[Startup] Control API listening on http://%s\n", strings.TrimSpace(*controlListen))
	}

	fmt.Printf("Node started! CA: %s | Identity: %s\n", gw.ca.Name(), gw.identity.AgentID)
	if runHeadless {
		fmt.Println("[Startup] Headless mode enabled: operator console disabled")
	} else {
		fmt.Println("Operator console: resolve <capability> [protocol] | lookup <agentId> | deregister <agentId> | negotiate <offers-json> | bind <agentId> [negotiationId] | bindings [limit] | events [limit] | help")
		go operatorConsole(gw)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if controlServer != nil {
		_ = controlServer.Stop()
	}
	_ = gw.store.Close()
	fmt.Println("Node stopped.")
}

func buildGateway(dbPath, workspace, caName, scorerURL, agentID string) (*gateway, error) {
	store, err := ans.NewMetadataStore(dbPath)
	if err != nil {
		return nil, err
	}
	caKey, err := ans.LoadOrCreateCAKey(workspace)
	if err != nil {
		return nil, err
	}
	ca, err := ans.NewCertificateAuthority(caName, caKey)
	if err != nil {
		return nil, err
	}
	logEvent := func(kind, subject, detail string) {
		if err := store.AppendEvent(kind, subject, detail); err != nil {
			fmt.Printf("[Events] Append failed for %s: %v\n", subject, err)
		}
	}

	registry, err := ans.NewRegistry(ca, store)
	if err != nil {
		return nil, err
	}
	registry.SetEventLogger(logEvent)

	var scorer ans.Scorer = ans.WeightedScorer{}
	if strings.TrimSpace(scorerURL) != "" {
		scorer = ans.NewHTTPScorer(strings.TrimSpace(scorerURL))
		fmt.Printf("[Startup] Using remote scoring oracle at %s\n", strings.TrimSpace(scorerURL))
	} else {
		fmt.Println("[Startup] Using built-in weighted scorer")
	}
	engine, err := ans.NewNegotiationEngine(scorer)
	if err != nil {
		return nil, err
	}
	engine.SetEventLogger(logEvent)

	binder, err := ans.NewBindingService(ca, registry, store)
	if err != nil {
		return nil, err
	}
	binder.SetEventLogger(logEvent)

	identity, err := loadOrCreateIdentity(workspace, agentID, ca)
	if err != nil {
		return nil, err
	}

	return &gateway{
		store:    store,
		ca:       ca,
		registry: registry,
		resolver: ans.NewResolver(registry),
		engine:   engine,
		binder:   binder,
		identity: identity,
	}, nil
}

// loadOrCreateIdentity loads this node's own agent key and issues a
// fresh certificate for it on every start.
func loadOrCreateIdentity(workspace, agentID string, ca *ans.CertificateAuthority) (ans.Identity, error) {
	key, err := loadOrCreateAgentKey(filepath.Join(workspace, identityKeyFileName))
	if err != nil {
		return ans.Identity{}, err
	}
	cert, err := ca.Issue(agentID, &key.PublicKey, 0)
	if err != nil {
		return ans.Identity{}, err
	}
	return ans.Identity{AgentID: agentID, Key: key, Certificate: cert}, nil
}

// loadOrCreateAgentKey mirrors the identity handling used for the CA:
// hex-encoded secp256k1 key on disk, generated on first use.
func loadOrCreateAgentKey(keyPath string) (*ecdsa.PrivateKey, error) {
	if b, err := os.ReadFile(keyPath); err == nil {
		key, err := crypto.HexToECDSA(strings.TrimSpace(string(b)))
		if err == nil {
			return key, nil
		}
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent key: %w", err)
	}
	encoded := hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		fmt.Printf("[Identity] Warning: could not save key to %s: %v\n", keyPath, err)
	}
	return key, nil
}

func loadStartupProfile(path string) (*startupProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile startupProfile
	if err := toml.Unmarshal(b, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func applySeedAgents(gw *gateway, workspace string, profile *startupProfile) error {
	if profile == nil {
		return nil
	}
	var errs []string
	for _, seed := range profile.SeedAgents {
		id := strings.TrimSpace(seed.AgentID)
		if id == "" {
			continue
		}
		key, err := loadOrCreateAgentKey(filepath.Join(workspace, id+".key"))
		if err != nil {
			errs = append(errs, fmt.Sprintf("key %s: %v", id, err))
			continue
		}
		ttl := time.Duration(seed.CertTTLSec) * time.Second
		cert, err := gw.ca.Issue(id, &key.PublicKey, ttl)
		if err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: %v", id, err))
			continue
		}
		err = gw.registry.Register(ans.AgentRecord{
			AgentID:      id,
			Capabilities: seed.Capabilities,
			Certificate:  cert,
			ProtocolInfo: strings.TrimSpace(seed.ProtocolInfo),
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("register %s: %v", id, err))
			continue
		}
		fmt.Printf("[Startup] Seeded agent %q with capabilities %s\n", id, strings.Join(seed.Capabilities, ","))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func operatorConsole(gw *gateway) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		switch strings.ToLower(parts[0]) {
		case "help":
			fmt.Println("Commands:")
			fmt.Println("  resolve <capability> [protocol]")
			fmt.Println("  lookup <agentId>")
			fmt.Println("  deregister <agentId>")
			fmt.Println("  negotiate <offers-json>")
			fmt.Println("  bind <agentId> [negotiationId]")
			fmt.Println("  bindings [limit]")
			fmt.Println("  events [limit]")
			fmt.Println("  help")
		case "resolve":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: resolve <capability> [protocol]")
				continue
			}
			filters := []ans.RecordFilter{}
			if len(parts) > 2 {
				filters = append(filters, ans.ProtocolFilter(parts[2]))
			}
			records, err := gw.resolver.Resolve(parts[1], filters...)
			if err != nil {
				fmt.Printf("[Operator] Resolve failed: %v\n", err)
				continue
			}
			if len(records) == 0 {
				fmt.Println("[Operator] No matching agents")
				continue
			}
			fmt.Printf("[Operator] Candidates (%d):\n", len(records))
			for _, rec := range records {
				fmt.Printf("- %s caps=%s protocol=%s\n", rec.AgentID, strings.Join(rec.Capabilities, ","), rec.ProtocolInfo)
			}
		case "lookup":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: lookup <agentId>")
				continue
			}
			rec, err := gw.registry.Lookup(parts[1])
			if err != nil {
				fmt.Printf("[Operator] Lookup failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] %s caps=%s protocol=%s issuer=%s\n", rec.AgentID, strings.Join(rec.Capabilities, ","), rec.ProtocolInfo, rec.Certificate.Issuer)
		case "deregister":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: deregister <agentId>")
				continue
			}
			if err := gw.registry.Deregister(parts[1]); err != nil {
				fmt.Printf("[Operator] Deregister failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Agent deregistered: %s\n", parts[1])
		case "negotiate":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: negotiate <offers-json>")
				continue
			}
			raw := strings.TrimSpace(strings.Join(parts[1:], " "))
			offers, err := parseOffersJSON(raw)
			if err != nil {
				fmt.Printf("[Operator] Invalid offers JSON: %v\n", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultNegotiateLimit)
			evaluated, err := gw.engine.Evaluate(ctx, offers, ans.NegotiationRequirement{})
			cancel()
			if err != nil {
				fmt.Printf("[Operator] Negotiation failed: %v\n", err)
				continue
			}
			winner, err := ans.SelectWinner(offers, evaluated)
			if err != nil {
				fmt.Printf("[Operator] Selection failed: %v\n", err)
				continue
			}
			for _, ev := range evaluated {
				fmt.Printf("- %s score=%.1f (%s)\n", ev.ID, ev.Score, ev.Reasoning)
			}
			fmt.Printf("[Operator] Winner: %s score=%.1f\n", winner.ID, winner.Score)
		case "bind":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: bind <agentId> [negotiationId]")
				continue
			}
			negotiationID := uuid.NewString()
			if len(parts) > 2 {
				negotiationID = parts[2]
			}
			ctx, cancel := context.WithTimeout(context.Background(), operatorBindTimeout)
			hs, err := gw.binder.Bind(ctx, gw.identity, parts[1], negotiationID)
			cancel()
			if err != nil {
				fmt.Printf("[Operator] Bind failed in state %s: %v\n", hs.State, err)
				continue
			}
			fmt.Printf("[Operator] Bound %s -> %s binding=%s expires=%d\n", gw.identity.AgentID, parts[1], hs.Binding.BindingID, hs.Binding.ExpiresAt)
		case "bindings":
			limit := 20
			if len(parts) > 1 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > 0 {
					limit = n
				}
			}
			items, err := gw.store.ListBindings(limit)
			if err != nil {
				fmt.Printf("[Operator] Bindings read failed: %v\n", err)
				continue
			}
			if len(items) == 0 {
				fmt.Println("[Operator] No bindings")
				continue
			}
			fmt.Printf("[Operator] Bindings (%d):\n", len(items))
			for _, b := range items {
				fmt.Printf("- %s %s->%s negotiation=%s expires=%d\n", b.BindingID, b.InitiatorID, b.ResponderID, b.NegotiationID, b.ExpiresAt)
			}
		case "events":
			limit := 20
			if len(parts) > 1 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > 0 {
					limit = n
				}
			}
			items, err := gw.store.ListEvents(limit)
			if err != nil {
				fmt.Printf("[Operator] Events read failed: %v\n", err)
				continue
			}
			if len(items) == 0 {
				fmt.Println("[Operator] Event log is empty")
				continue
			}
			fmt.Printf("[Operator] Events (%d):\n", len(items))
			for _, e := range items {
				fmt.Printf("- kind=%s subject=%s at=%d %s\n", e.Kind, e.Subject, e.At, e.Detail)
			}
		default:
			fmt.Printf("[Operator] Unknown command: %s (try: help)\n", parts[0])
		}
	}
}

func parseOffersJSON(raw string) ([]ans.CapabilityOffer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("offers cannot be empty")
	}
	var offers []ans.CapabilityOffer
	if err := json.Unmarshal([]byte(raw), &offers); err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("offers must be a non-empty JSON array")
	}
	return offers, nil
}

func isLikelyLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}
