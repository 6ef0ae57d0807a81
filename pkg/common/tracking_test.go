package common

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
)

func newTestFallbackStore(primary TrackingStore) (*FallbackTrackingStore, *MemoryTrackingStore) {
	fallback := NewMemoryTrackingStore()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{Name: "test-tracking-store"})
	return NewFallbackTrackingStore(primary, fallback, cb), fallback
}

// alwaysFailStore simulates an unreachable primary, forcing every call
// through FallbackTrackingStore's breaker-trip path.
type alwaysFailStore struct{ TrackingStore }

func (alwaysFailStore) Initialize(ctx context.Context, batchID string, totalChunks, totalRecords int, submittedBy, sourceFilename string) error {
	return errors.New("primary unreachable")
}

func (alwaysFailStore) RecordSuccess(ctx context.Context, batchID, businessKey string) error {
	return errors.New("primary unreachable")
}

func TestMemoryTrackingStore_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()

	if err := store.Initialize(ctx, "b1", 3, 30, "alice", "batch.csv"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.RecordSuccess(ctx, "b1", "TKT-1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	// Second initialize must be a no-op: success count must survive.
	if err := store.Initialize(ctx, "b1", 3, 30, "alice", "batch.csv"); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}

	bs, ok, err := store.Get(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if bs.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1 (re-initialize must not reset state)", bs.SuccessCount)
	}
}

func TestMemoryTrackingStore_CompletionDerivesTerminalStatus(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name           string
		successes      int
		failures       int
		wantStatus     BatchStatus
	}{
		{"all success", 2, 0, BatchCompleted},
		{"all failure", 0, 2, BatchFailed},
		{"mixed", 1, 1, BatchPartiallyCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryTrackingStore()
			if err := store.Initialize(ctx, "b", 1, tt.successes+tt.failures, "", ""); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			for i := 0; i < tt.successes; i++ {
				store.RecordSuccess(ctx, "b", "k")
			}
			for i := 0; i < tt.failures; i++ {
				store.RecordFailure(ctx, "b", "k", ErrTicketCreationFailed, "boom")
			}
			if err := store.CompleteChunk(ctx, "b", 0); err != nil {
				t.Fatalf("complete chunk: %v", err)
			}

			bs, _, _ := store.Get(ctx, "b")
			if bs.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", bs.Status, tt.wantStatus)
			}
			if bs.EndedAt == nil {
				t.Error("expected EndedAt to be stamped on terminal transition")
			}

			active, _ := store.ListActive(ctx)
			for _, id := range active {
				if id == "b" {
					t.Error("expected batch to be removed from the active set on completion")
				}
			}
		})
	}
}

func TestMemoryTrackingStore_CompleteChunkIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()
	store.Initialize(ctx, "b", 2, 10, "", "")

	store.CompleteChunk(ctx, "b", 0)
	store.CompleteChunk(ctx, "b", 0) // duplicate delivery must not double-count

	bs, _, _ := store.Get(ctx, "b")
	if bs.CompletedChunks != 1 {
		t.Errorf("CompletedChunks = %d, want 1 after duplicate completion", bs.CompletedChunks)
	}
}

func TestMemoryTrackingStore_CancelIsIdempotentAndAdvisory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()
	store.Initialize(ctx, "b", 5, 50, "", "")

	cancelled, err := store.Cancel(ctx, "b", "client request")
	if err != nil || !cancelled {
		t.Fatalf("expected first cancel to succeed, got cancelled=%v err=%v", cancelled, err)
	}

	cancelled, err = store.Cancel(ctx, "b", "client request")
	if err != nil || cancelled {
		t.Errorf("expected second cancel to be a no-op, got cancelled=%v err=%v", cancelled, err)
	}

	bs, _, _ := store.Get(ctx, "b")
	if bs.Status != BatchCancelled {
		t.Errorf("Status = %v, want CANCELLED", bs.Status)
	}
}

func TestMemoryTrackingStore_CancelAfterTerminalDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()
	store.Initialize(ctx, "b", 1, 1, "", "")
	store.RecordSuccess(ctx, "b", "k")
	store.CompleteChunk(ctx, "b", 0)

	cancelled, _ := store.Cancel(ctx, "b", "too late")
	if cancelled {
		t.Error("expected cancel on an already-terminal batch to be a no-op")
	}
	bs, _, _ := store.Get(ctx, "b")
	if bs.Status != BatchCompleted {
		t.Errorf("Status = %v, want COMPLETED to be preserved", bs.Status)
	}
}

func TestMemoryTrackingStore_FailuresAndDLTPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()
	store.Initialize(ctx, "b", 1, 10, "", "")

	for i := 0; i < 5; i++ {
		store.RecordFailure(ctx, "b", "k", ErrTicketCreationFailed, "boom")
	}

	page, err := store.ListFailures(ctx, "b", 0, 2)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page size 2, got %d", len(page))
	}

	page2, _ := store.ListFailures(ctx, "b", 4, 2)
	if len(page2) != 1 {
		t.Fatalf("expected last page to have 1 item, got %d", len(page2))
	}

	for i := 0; i < 3; i++ {
		store.AppendDLT(ctx, "ticket.bulk.requests.DLT", DLTRecord{MessageKey: "k"})
	}
	dlt, err := store.ListDLT(ctx, "ticket.bulk.requests.DLT", 2)
	if err != nil {
		t.Fatalf("list dlt: %v", err)
	}
	if len(dlt) != 2 {
		t.Errorf("expected 2 dlt records, got %d", len(dlt))
	}
}

func TestMemoryTrackingStore_OperationsOnUnknownBatchFail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTrackingStore()

	if err := store.RecordSuccess(ctx, "missing", "k"); err == nil {
		t.Error("expected an error recording success against an unknown batch")
	}
	if _, ok, err := store.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("expected absent, got ok=%v err=%v", ok, err)
	}
}

func TestFallbackTrackingStore_MirrorsWritesIntoFallbackOnSuccess(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryTrackingStore()
	store, fallback := newTestFallbackStore(primary)

	if err := store.Initialize(ctx, "b1", 2, 20, "alice", "batch.csv"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.RecordSuccess(ctx, "b1", "TKT-1"); err != nil {
		t.Fatalf("record success: %v", err)
	}

	// The mirror must have landed in the fallback too, not just the primary.
	bs, ok, err := fallback.Get(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("expected fallback to have a mirrored copy of b1, ok=%v err=%v", ok, err)
	}
	if bs.SuccessCount != 1 {
		t.Errorf("fallback SuccessCount = %d, want 1 (mirror write missing)", bs.SuccessCount)
	}
}

func TestFallbackTrackingStore_ReadsDoNotOverwriteFallback(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryTrackingStore()
	store, fallback := newTestFallbackStore(primary)

	if err := store.Initialize(ctx, "b1", 1, 1, "", ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// Pre-seed the fallback with a stale answer for a batch the primary
	// doesn't know about, to confirm Get doesn't clobber or invent fallback state.
	fallback.Initialize(ctx, "stale-only", 9, 9, "", "")

	if _, _, err := store.Get(ctx, "b1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	bs, ok, err := fallback.Get(ctx, "stale-only")
	if err != nil || !ok || bs.TotalChunks != 9 {
		t.Errorf("expected fallback's unrelated stale-only batch to survive a read untouched, ok=%v err=%v", ok, err)
	}
}

func TestFallbackTrackingStore_FallsBackWhenPrimaryUnavailable(t *testing.T) {
	ctx := context.Background()
	store, fallback := newTestFallbackStore(alwaysFailStore{})

	if err := store.Initialize(ctx, "b1", 1, 1, "bob", "f.csv"); err != nil {
		t.Fatalf("initialize should succeed by falling back to memory: %v", err)
	}

	bs, ok, err := fallback.Get(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("expected batch to exist directly in the fallback store, ok=%v err=%v", ok, err)
	}
	if bs.SubmittedBy != "bob" {
		t.Errorf("SubmittedBy = %q, want %q", bs.SubmittedBy, "bob")
	}
}

func TestFallbackTrackingStore_CancelMirrorsWithoutClobberingReturnValue(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryTrackingStore()
	store, fallback := newTestFallbackStore(primary)

	store.Initialize(ctx, "b1", 1, 1, "", "")

	cancelled, err := store.Cancel(ctx, "b1", "client request")
	if err != nil || !cancelled {
		t.Fatalf("expected first cancel to report cancelled=true, got cancelled=%v err=%v", cancelled, err)
	}

	bs, ok, err := fallback.Get(ctx, "b1")
	if err != nil || !ok || bs.Status != BatchCancelled {
		t.Errorf("expected fallback to mirror the cancellation, ok=%v err=%v status=%v", ok, err, bs)
	}
}
