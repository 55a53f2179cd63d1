package convo

import (
	"testing"
	"time"
)

func TestDedupCache_SeenOrInsert_FirstTimeIsFalse(t *testing.T) {
	d := NewDedupCache(time.Hour)
	if d.SeenOrInsert("$event1") {
		t.Fatalf("expected first insert to report false (not seen)")
	}
}

func TestDedupCache_SeenOrInsert_SecondTimeIsTrue(t *testing.T) {
	d := NewDedupCache(time.Hour)
	d.SeenOrInsert("$event1")
	if !d.SeenOrInsert("$event1") {
		t.Fatalf("expected second insert of same fingerprint to report true (seen)")
	}
}

func TestDedupCache_ExpiresAfterTTL(t *testing.T) {
	d := NewDedupCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if d.seenOrInsertAt("$event1", now) {
		t.Fatalf("expected first insert to report false")
	}
	if !d.seenOrInsertAt("$event1", now.Add(30*time.Second)) {
		t.Fatalf("expected entry still within TTL to report seen")
	}
	if d.seenOrInsertAt("$event1", now.Add(61*time.Second)) {
		t.Fatalf("expected entry past TTL to report not seen")
	}
}

func TestDedupCache_Sweep(t *testing.T) {
	d := NewDedupCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.seenOrInsertAt("$old", now)
	d.seenOrInsertAt("$new", now.Add(50*time.Second))

	removed := d.Sweep(now.Add(61 * time.Second))
	if removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", d.Len())
	}
}

func TestDedupCache_DefaultTTL(t *testing.T) {
	d := NewDedupCache(0)
	if d.ttl != time.Hour {
		t.Fatalf("expected default ttl of 1h, got %v", d.ttl)
	}
}
