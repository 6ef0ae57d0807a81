package common

import (
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"open": StatusOpen, "OPEN": StatusOpen,
		"in_progress": StatusInProgress,
		"pending":     StatusPending,
		"on_hold":     StatusOnHold,
		"resolved":    StatusResolved,
		"closed":      StatusClosed,
		"reopened":    StatusReopened,
		"cancelled":   StatusCancelled,
	}
	for input, want := range cases {
		got, ok := ParseStatus(input)
		if !ok || got != want {
			t.Errorf("ParseStatus(%q) = %v, %v; want %v, true", input, got, ok, want)
		}
	}

	if _, ok := ParseStatus("garbage"); ok {
		t.Error("ParseStatus(garbage) should report false")
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low": PriorityLow, "medium": PriorityMedium,
		"high": PriorityHigh, "critical": PriorityCritical,
	}
	for input, want := range cases {
		got, ok := ParsePriority(input)
		if !ok || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v, true", input, got, ok, want)
		}
	}

	if _, ok := ParsePriority("urgent"); ok {
		t.Error("ParsePriority(urgent) should report false")
	}
}

func TestChunkKey(t *testing.T) {
	c := Chunk{BatchID: "BATCH-1", ChunkIndex: 3}
	want := "BATCH-1-CHUNK-3"
	if got := c.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if got := ChunkKey("BATCH-1", 3); got != want {
		t.Errorf("ChunkKey() = %q, want %q", got, want)
	}
}

func TestBulkEventEnrich(t *testing.T) {
	e := &BulkEvent{BatchID: "BATCH-1"}
	e.Enrich()

	if e.EventID == "" {
		t.Error("Enrich should assign an event ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("Enrich should set timestamp")
	}

	e2 := &BulkEvent{BatchID: "BATCH-1", EventID: "keep-me", Timestamp: time.Unix(1000, 0)}
	e2.Enrich()
	if e2.EventID != "keep-me" {
		t.Error("Enrich overwrote existing event ID")
	}
	if e2.Timestamp.Unix() != 1000 {
		t.Error("Enrich overwrote existing timestamp")
	}
}

func TestBulkEventEnrich_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e := &BulkEvent{BatchID: "BATCH-1"}
		e.Enrich()
		if seen[e.EventID] {
			t.Fatalf("duplicate event ID on iteration %d: %s", i, e.EventID)
		}
		seen[e.EventID] = true
	}
}

func TestBulkEventValidate(t *testing.T) {
	valid := BulkEvent{BatchID: "BATCH-1", Records: []Record{}}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	if err := (&BulkEvent{Records: []Record{}}).Validate(); err == nil {
		t.Error("Validate() should reject a missing batch_id")
	}
	if err := (&BulkEvent{BatchID: "BATCH-1"}).Validate(); err == nil {
		t.Error("Validate() should reject a nil records list")
	}
}

func TestBatchStatusTerminal(t *testing.T) {
	terminal := []BatchStatus{BatchCompleted, BatchPartiallyCompleted, BatchFailed, BatchCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []BatchStatus{BatchAccepted, BatchInProgress}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}
