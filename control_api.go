package main

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentns/pkg/ans"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

type controlAPIServer struct {
	gw    *gateway
	token string
	srv   *http.Server
	mu    sync.Mutex
	rate  map[string]rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

const (
	controlRateLimitCount   = 120
	controlRateLimitWindow  = time.Minute
	controlShutdownTimeout  = 3 * time.Second
	controlNegotiateTimeout = 30 * time.Second
	controlBindTimeout      = 20 * time.Second
)

func startControlAPI(listenAddr string, gw *gateway, token string) (*controlAPIServer, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	c := &controlAPIServer{
		gw:    gw,
		token: strings.TrimSpace(token),
		rate:  make(map[string]rateWindow),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", c.withAuth(c.handleStatus))
	mux.HandleFunc("/v1/enroll", c.withAuth(c.handleEnroll))
	mux.HandleFunc("/v1/register", c.withAuth(c.handleRegister))
	mux.HandleFunc("/v1/deregister", c.withAuth(c.handleDeregister))
	mux.HandleFunc("/v1/resolve", c.withAuth(c.handleResolve))
	mux.HandleFunc("/v1/lookup", c.withAuth(c.handleLookup))
	mux.HandleFunc("/v1/negotiate", c.withAuth(c.handleNegotiate))
	mux.HandleFunc("/v1/bind", c.withAuth(c.handleBind))
	mux.HandleFunc("/v1/bindings", c.withAuth(c.handleBindings))
	mux.HandleFunc("/v1/events", c.withAuth(c.handleEvents))

	c.srv = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[ControlAPI] Listen error: %v\n", err)
		}
	}()
	return c, nil
}

func (c *controlAPIServer) Stop() error {
	if c == nil || c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

func (c *controlAPIServer) withAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.allowRequest(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		if c.token != "" {
			in := []byte(strings.TrimSpace(r.Header.Get("X-ANS-Token")))
			expected := []byte(c.token)
			if len(in) != len(expected) || subtle.ConstantTimeCompare(in, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (c *controlAPIServer) allowRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
		if host == "" {
			host = "unknown"
		}
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.rate[host]
	if w.start.IsZero() || now.Sub(w.start) >= controlRateLimitWindow {
		w = rateWindow{start: now, count: 0}
	}
	if w.count >= controlRateLimitCount {
		c.rate[host] = w
		return false
	}
	w.count++
	c.rate[host] = w
	return true
}

func (c *controlAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agentCount := 0
	_ = c.gw.store.Scan(func(ans.AgentRecord) bool {
		agentCount++
		return true
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":    c.gw.identity.AgentID,
		"ca":          c.gw.ca.Name(),
		"agent_count": agentCount,
	})
}

func (c *controlAPIServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		AgentID   string `json:"agent_id"`
		PublicKey string `json:"public_key"` // hex-encoded uncompressed secp256k1 point
		TTLSec    int64  `json:"ttl_sec"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	pubBytes, err := decodeHexField(req.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "public_key must be hex"})
		return
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "public_key is not a valid secp256k1 point"})
		return
	}
	cert, err := c.gw.ca.Issue(req.AgentID, pub, time.Duration(req.TTLSec)*time.Second)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"certificate": cert})
}

func (c *controlAPIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		AgentID      string          `json:"agent_id"`
		Capabilities []string        `json:"capabilities"`
		ProtocolInfo string          `json:"protocol_info"`
		Certificate  ans.Certificate `json:"certificate"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	err := c.gw.registry.Register(ans.AgentRecord{
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
		Certificate:  req.Certificate,
		ProtocolInfo: req.ProtocolInfo,
	})
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "agent_id": strings.TrimSpace(req.AgentID)})
}

func (c *controlAPIServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.gw.registry.Deregister(req.AgentID); err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "agent_id": strings.TrimSpace(req.AgentID)})
}

func (c *controlAPIServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	capability := strings.TrimSpace(r.URL.Query().Get("capability"))
	if capability == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "capability is required"})
		return
	}
	filters := []ans.RecordFilter{}
	if proto := strings.TrimSpace(r.URL.Query().Get("protocol")); proto != "" {
		filters = append(filters, ans.ProtocolFilter(proto))
	}
	records, err := c.gw.resolver.Resolve(capability, filters...)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(records), "agents": records})
}

func (c *controlAPIServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "agent_id is required"})
		return
	}
	rec, err := c.gw.registry.Lookup(agentID)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": rec})
}

func (c *controlAPIServer) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		Offers       []ans.CapabilityOffer      `json:"offers"`
		Requirements ans.NegotiationRequirement `json:"requirements"`
		TimeoutMs    int64                      `json:"timeout_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	timeout := controlNegotiateTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	evaluated, err := c.gw.engine.Evaluate(ctx, req.Offers, req.Requirements)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	winner, err := ans.SelectWinner(req.Offers, evaluated)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"negotiation_id": uuid.NewString(),
		"evaluated":      evaluated,
		"winner":         winner,
	})
}

func (c *controlAPIServer) handleBind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		ResponderID   string `json:"responder_id"`
		NegotiationID string `json:"negotiation_id"`
		TimeoutMs     int64  `json:"timeout_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	timeout := controlBindTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	hs, err := c.gw.binder.Bind(ctx, c.gw.identity, req.ResponderID, req.NegotiationID)
	if err != nil {
		writeJSON(w, statusFromErr(err), map[string]interface{}{
			"error":  err.Error(),
			"state":  hs.State,
			"reason": hs.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   hs.State,
		"binding": redactBinding(*hs.Binding),
	})
}

func (c *controlAPIServer) handleBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	items, err := c.gw.store.ListBindings(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, b := range items {
		out = append(out, redactBinding(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(out), "bindings": out})
}

func (c *controlAPIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	items, err := c.gw.store.ListEvents(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(items), "events": items})
}

// redactBinding strips session key material before the binding leaves
// the process over HTTP.
func redactBinding(b ans.Binding) map[string]interface{} {
	return map[string]interface{}{
		"binding_id":     b.BindingID,
		"negotiation_id": b.NegotiationID,
		"initiator_id":   b.InitiatorID,
		"responder_id":   b.ResponderID,
		"established_at": b.EstablishedAt,
		"expires_at":     b.ExpiresAt,
	}
}

func statusFromErr(err error) int {
	switch {
	case errors.Is(err, ans.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ans.ErrDuplicateAgent), errors.Is(err, ans.ErrBindingInProgress):
		return http.StatusConflict
	case errors.Is(err, ans.ErrCertificateRejected):
		return http.StatusForbidden
	case errors.Is(err, ans.ErrScoringUnavailable), errors.Is(err, ans.ErrOracleOutputMalformed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		// InvalidSubject, CertificateInvalid, InvalidOffer, InvalidRequest
		return http.StatusBadRequest
	}
}

func decodeHexField(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	return hex.DecodeString(raw)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseLimit(raw string, fallback int, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
