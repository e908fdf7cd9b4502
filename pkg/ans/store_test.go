package ans

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := NewMetadataStore(filepath.Join(t.TempDir(), "ans.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMetadataStoreRecordRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	rec := AgentRecord{
		AgentID:      "agent-a",
		Capabilities: []string{"translate-text"},
		ProtocolInfo: "a2a/1.0",
		Certificate:  Certificate{SubjectID: "agent-a", Issuer: "test-root"},
	}
	if err := store.Put("agent-a", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get("agent-a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if got.ProtocolInfo != "a2a/1.0" || got.Certificate.Issuer != "test-root" {
		t.Fatalf("unexpected record: %+v", got)
	}

	deleted, err := store.Delete("agent-a")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%t err=%v", deleted, err)
	}
	deleted, err = store.Delete("agent-a")
	if err != nil || deleted {
		t.Fatalf("second delete should be a no-op, got deleted=%t err=%v", deleted, err)
	}
	if _, ok, _ := store.Get("agent-a"); ok {
		t.Fatalf("expected record to be gone")
	}
}

func TestMetadataStoreScanKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, id := range []string{"c-agent", "a-agent", "b-agent"} {
		if err := store.Put(id, AgentRecord{AgentID: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	var order []string
	if err := store.Scan(func(rec AgentRecord) bool {
		order = append(order, rec.AgentID)
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(order) != 3 || order[0] != "c-agent" || order[1] != "a-agent" || order[2] != "b-agent" {
		t.Fatalf("unexpected scan order: %v", order)
	}

	// Early stop.
	count := 0
	if err := store.Scan(func(AgentRecord) bool {
		count++
		return false
	}); err != nil {
		t.Fatalf("scan with stop: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected scan to stop after first record, visited %d", count)
	}
}

func TestMetadataStoreBindings(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	now := time.Now().Unix()
	live := Binding{
		BindingID:     "b-1",
		NegotiationID: "neg-1",
		InitiatorID:   "a",
		ResponderID:   "b",
		SessionKey:    "00ff",
		EstablishedAt: now,
		ExpiresAt:     now + 3600,
	}
	expired := live
	expired.BindingID = "b-2"
	expired.NegotiationID = "neg-2"
	expired.ExpiresAt = now - 10

	if err := store.SaveBinding(live); err != nil {
		t.Fatalf("save live: %v", err)
	}
	if err := store.SaveBinding(expired); err != nil {
		t.Fatalf("save expired: %v", err)
	}

	got, ok, err := store.LiveBinding("a", "b", "neg-1", now)
	if err != nil || !ok {
		t.Fatalf("live binding: ok=%t err=%v", ok, err)
	}
	if got.BindingID != "b-1" {
		t.Fatalf("unexpected binding: %+v", got)
	}

	if _, ok, _ := store.LiveBinding("a", "b", "neg-2", now); ok {
		t.Fatalf("expected expired binding to be invisible")
	}

	all, err := store.ListBindings(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 stored bindings, got %d", len(all))
	}
}

func TestMetadataStoreEventLog(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if err := store.AppendEvent(EventAgentRegistered, "agent-a", "capabilities=x"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(EventBindingBound, "b-1", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.ListEvents(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != EventBindingBound || events[1].Kind != EventAgentRegistered {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[1].Subject != "agent-a" || events[1].Detail != "capabilities=x" {
		t.Fatalf("unexpected event contents: %+v", events[1])
	}
}

func TestMemoryRecordStoreMatchesContract(t *testing.T) {
	t.Parallel()

	store := NewMemoryRecordStore()
	for _, id := range []string{"x", "y", "z"} {
		if err := store.Put(id, AgentRecord{AgentID: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if deleted, _ := store.Delete("y"); !deleted {
		t.Fatalf("expected delete to report success")
	}
	if deleted, _ := store.Delete("y"); deleted {
		t.Fatalf("expected second delete to report absence")
	}

	var order []string
	_ = store.Scan(func(rec AgentRecord) bool {
		order = append(order, rec.AgentID)
		return true
	})
	if len(order) != 2 || order[0] != "x" || order[1] != "z" {
		t.Fatalf("unexpected order after delete: %v", order)
	}
}
