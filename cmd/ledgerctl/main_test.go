package main

import (
	"testing"
	"time"
)

func TestParseRange(t *testing.T) {
	rng, err := parseRange("2026-03-01", "2026-03-31T18:30:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !rng.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from: %s", rng.From)
	}
	if !rng.To.Equal(time.Date(2026, 3, 31, 18, 30, 0, 0, time.UTC)) {
		t.Errorf("to: %s", rng.To)
	}
	if _, err := parseRange("March", ""); err == nil {
		t.Error("expected error for unparseable date")
	}
	if rng, _ := parseRange("", ""); !rng.From.IsZero() || !rng.To.IsZero() {
		t.Error("empty bounds must stay open")
	}
}

func TestParseStream(t *testing.T) {
	if _, _, err := parseStream("not-a-uuid", "00000000-0000-0000-0000-000000000001"); err == nil {
		t.Error("expected hostel id error")
	}
	h, s, err := parseStream("00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000002")
	if err != nil || h == s {
		t.Errorf("parse: %v %s %s", err, h, s)
	}
}
