package main

import "testing"

func TestParseOffersJSON(t *testing.T) {
	t.Parallel()

	offers, err := parseOffersJSON(`[{"id":"o1","description":"translate","cost":5},{"id":"o2","description":"translate"}]`)
	if err != nil {
		t.Fatalf("expected valid offers array, got %v", err)
	}
	if len(offers) != 2 || offers[0].ID != "o1" {
		t.Fatalf("unexpected offers: %+v", offers)
	}
	if offers[0].Cost == nil || *offers[0].Cost != 5 {
		t.Fatalf("expected cost 5, got %v", offers[0].Cost)
	}
	if offers[1].Cost != nil {
		t.Fatalf("expected absent cost to stay absent")
	}
}

func TestParseOffersJSONRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := parseOffersJSON(`{"id":"o1"}`); err == nil {
		t.Fatalf("expected object payload to be rejected")
	}
	if _, err := parseOffersJSON(`[]`); err == nil {
		t.Fatalf("expected empty array to be rejected")
	}
	if _, err := parseOffersJSON(``); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
	if _, err := parseOffersJSON(`not json`); err == nil {
		t.Fatalf("expected invalid JSON to be rejected")
	}
}

func TestIsLikelyLoopbackAddr(t *testing.T) {
	t.Parallel()

	if !isLikelyLoopbackAddr("127.0.0.1:8787") {
		t.Fatalf("expected 127.0.0.1 to be loopback")
	}
	if !isLikelyLoopbackAddr("localhost:8787") {
		t.Fatalf("expected localhost to be loopback")
	}
	if !isLikelyLoopbackAddr("[::1]:8787") {
		t.Fatalf("expected ::1 to be loopback")
	}
	if isLikelyLoopbackAddr("0.0.0.0:8787") {
		t.Fatalf("expected 0.0.0.0 to be non-loopback")
	}
}
