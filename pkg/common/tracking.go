package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultBatchTTL = 24 * time.Hour
	DefaultDLTTTL   = 7 * 24 * time.Hour
)

func statusKey(batchID string) string   { return "bulk:batch:status:" + batchID }
func progressKey(batchID string) string { return "bulk:batch:progress:" + batchID }
func failuresKey(batchID string) string { return "bulk:batch:failures:" + batchID }
func dltKey(topic string) string        { return "bulk:dlt:" + topic }

const activeBatchesKey = "bulk:active-batches"

// TrackingStore is the C7 contract: per-batch progress aggregation, backed by
// a store that must tolerate concurrent writers across worker processes.
type TrackingStore interface {
	Initialize(ctx context.Context, batchID string, totalChunks, totalRecords int, submittedBy, sourceFilename string) error
	RecordSuccess(ctx context.Context, batchID, businessKey string) error
	RecordFailure(ctx context.Context, batchID, businessKey string, code ErrorCode, message string) error
	RecordSkipped(ctx context.Context, batchID, businessKey, reason string) error
	CompleteChunk(ctx context.Context, batchID string, chunkIndex int) error
	Cancel(ctx context.Context, batchID, reason string) (bool, error)
	Get(ctx context.Context, batchID string) (*BatchState, bool, error)
	ListActive(ctx context.Context) ([]string, error)
	ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, error)
	AppendDLT(ctx context.Context, topic string, rec DLTRecord) error
	ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error)
}

// RedisTrackingStore is the primary C7 implementation, using the keyspace
// from spec.md §6. BatchState is stored as a single JSON blob under a
// per-batch key and mutated via optimistic WATCH/MULTI/EXEC so that
// concurrent workers across processes never lose an update.
type RedisTrackingStore struct {
	rdb     *redis.Client
	batchTTL time.Duration
	dltTTL   time.Duration
}

func NewRedisTrackingStore(rdb *redis.Client, batchTTL, dltTTL time.Duration) *RedisTrackingStore {
	if batchTTL <= 0 {
		batchTTL = DefaultBatchTTL
	}
	if dltTTL <= 0 {
		dltTTL = DefaultDLTTTL
	}
	return &RedisTrackingStore{rdb: rdb, batchTTL: batchTTL, dltTTL: dltTTL}
}

func (s *RedisTrackingStore) Initialize(ctx context.Context, batchID string, totalChunks, totalRecords int, submittedBy, sourceFilename string) error {
	return s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		if existed {
			return false, nil // idempotent: no-op if already present
		}
		*bs = BatchState{
			BatchID:        batchID,
			Status:         BatchAccepted,
			TotalChunks:    totalChunks,
			TotalRecords:   totalRecords,
			StartedAt:      time.Now().UTC(),
			SubmittedBy:    submittedBy,
			SourceFilename: sourceFilename,
		}
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, activeBatchesKey, batchID)
	})
}

func (s *RedisTrackingStore) RecordSuccess(ctx context.Context, batchID, businessKey string) error {
	return s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		if !existed {
			return false, ErrBatchNotFound
		}
		bs.SuccessCount++
		return true, nil
	}, nil)
}

func (s *RedisTrackingStore) RecordFailure(ctx context.Context, batchID, businessKey string, code ErrorCode, message string) error {
	rec := FailureRecord{BusinessKey: businessKey, ErrorCode: code, Message: message, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		if !existed {
			return false, ErrBatchNotFound
		}
		bs.FailureCount++
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, failuresKey(batchID), data)
		pipe.Expire(ctx, failuresKey(batchID), s.batchTTL)
	})
}

func (s *RedisTrackingStore) RecordSkipped(ctx context.Context, batchID, businessKey, reason string) error {
	return s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		if !existed {
			return false, ErrBatchNotFound
		}
		bs.SkippedCount++
		return true, nil
	}, nil)
}

func (s *RedisTrackingStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) error {
	terminal := false
	return s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		terminal = false
		if !existed {
			return false, ErrBatchNotFound
		}
		for _, idx := range bs.CompletedChunkIndices {
			if idx == chunkIndex {
				return false, nil // already recorded, idempotent
			}
		}
		bs.CompletedChunkIndices = append(bs.CompletedChunkIndices, chunkIndex)
		bs.CompletedChunks = len(bs.CompletedChunkIndices)

		if bs.CompletedChunks >= bs.TotalChunks && !bs.Status.Terminal() {
			switch {
			case bs.FailureCount == 0:
				bs.Status = BatchCompleted
			case bs.SuccessCount == 0:
				bs.Status = BatchFailed
			default:
				bs.Status = BatchPartiallyCompleted
			}
			now := time.Now().UTC()
			bs.EndedAt = &now
			terminal = true
		} else if bs.Status == BatchAccepted {
			bs.Status = BatchInProgress
		}
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, progressKey(batchID), chunkIndex)
		if terminal {
			pipe.SRem(ctx, activeBatchesKey, batchID)
		}
	})
}

func (s *RedisTrackingStore) Cancel(ctx context.Context, batchID, reason string) (bool, error) {
	cancelled := false
	err := s.mutate(ctx, batchID, func(bs *BatchState, existed bool) (bool, error) {
		if !existed {
			return false, ErrBatchNotFound
		}
		if bs.Status.Terminal() {
			return false, nil // idempotent: already terminal
		}
		bs.Status = BatchCancelled
		now := time.Now().UTC()
		bs.EndedAt = &now
		cancelled = true
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.SRem(ctx, activeBatchesKey, batchID)
	})
	return cancelled, err
}

func (s *RedisTrackingStore) Get(ctx context.Context, batchID string) (*BatchState, bool, error) {
	raw, err := s.rdb.Get(ctx, statusKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var bs BatchState
	if err := json.Unmarshal(raw, &bs); err != nil {
		return nil, false, err
	}
	return &bs, true, nil
}

func (s *RedisTrackingStore) ListActive(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, activeBatchesKey).Result()
}

func (s *RedisTrackingStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.rdb.LRange(ctx, failuresKey(batchID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailureRecord, 0, len(raws))
	for _, raw := range raws {
		var fr FailureRecord
		if err := json.Unmarshal([]byte(raw), &fr); err != nil {
			continue
		}
		out = append(out, fr)
	}
	return out, nil
}

func (s *RedisTrackingStore) AppendDLT(ctx context.Context, topic string, rec DLTRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, dltKey(topic), data)
	pipe.Expire(ctx, dltKey(topic), s.dltTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisTrackingStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.rdb.LRange(ctx, dltKey(topic), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DLTRecord, 0, len(raws))
	for _, raw := range raws {
		var dr DLTRecord
		if err := json.Unmarshal([]byte(raw), &dr); err != nil {
			continue
		}
		out = append(out, dr)
	}
	return out, nil
}

var ErrBatchNotFound = errors.New("tracking: batch not found")

// maxMutateAttempts bounds the WATCH/MULTI/EXEC retry loop in mutate. Each
// attempt only retries on redis.TxFailedErr (another writer's EXEC landed
// between our WATCH and ours), so a handful of attempts is enough to make
// progress under the CONCURRENCY=3 contention processor-svc runs; it isn't
// meant to ride out a genuinely wedged connection.
const maxMutateAttempts = 10

// mutate implements the optimistic WATCH/MULTI/EXEC read-modify-write cycle
// against the per-batch status key. fn receives the current state (zero
// value if absent) and reports whether it made a change that needs
// persisting. extra, when non-nil, queues additional commands (set
// membership maintenance) into the same MULTI transaction.
//
// go-redis's Watch makes exactly one WATCH/EXEC attempt per call; per its
// documented optimistic-lock pattern, a caller that wants the mutation to
// actually happen must retry the whole read-modify-write cycle itself when
// EXEC reports redis.TxFailedErr. Without this loop, two workers racing on
// the same batch key would have the loser's increment silently dropped
// instead of retried against the winner's new state.
func (s *RedisTrackingStore) mutate(ctx context.Context, batchID string, fn func(bs *BatchState, existed bool) (bool, error), extra func(redis.Pipeliner)) error {
	key := statusKey(batchID)

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var bs BatchState
			existed := false

			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				// absent, bs stays zero value
			case err != nil:
				return err
			default:
				if err := json.Unmarshal(raw, &bs); err != nil {
					return err
				}
				existed = true
			}

			changed, err := fn(&bs, existed)
			if err != nil {
				return err
			}
			if !changed {
				return nil
			}

			data, err := json.Marshal(bs)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.batchTTL)
				if extra != nil {
					extra(pipe)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("tracking: mutate on batch %s: %w after %d attempts", batchID, redis.TxFailedErr, maxMutateAttempts)
}

// MemoryTrackingStore is the process-local fallback used when the remote
// backing store is unreachable. Its state is not shared across processes;
// spec.md §4.5 treats this as a degradation, never a substitute guarantee.
type MemoryTrackingStore struct {
	mu      sync.Mutex
	batches map[string]*BatchState
	active  map[string]bool
	failures map[string][]FailureRecord
	dlt      map[string][]DLTRecord
}

func NewMemoryTrackingStore() *MemoryTrackingStore {
	return &MemoryTrackingStore{
		batches:  make(map[string]*BatchState),
		active:   make(map[string]bool),
		failures: make(map[string][]FailureRecord),
		dlt:      make(map[string][]DLTRecord),
	}
}

func (s *MemoryTrackingStore) Initialize(ctx context.Context, batchID string, totalChunks, totalRecords int, submittedBy, sourceFilename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; ok {
		return nil
	}
	s.batches[batchID] = &BatchState{
		BatchID:        batchID,
		Status:         BatchAccepted,
		TotalChunks:    totalChunks,
		TotalRecords:   totalRecords,
		StartedAt:      time.Now().UTC(),
		SubmittedBy:    submittedBy,
		SourceFilename: sourceFilename,
	}
	s.active[batchID] = true
	return nil
}

func (s *MemoryTrackingStore) with(batchID string, fn func(bs *BatchState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	return fn(bs)
}

func (s *MemoryTrackingStore) RecordSuccess(ctx context.Context, batchID, businessKey string) error {
	return s.with(batchID, func(bs *BatchState) error { bs.SuccessCount++; return nil })
}

func (s *MemoryTrackingStore) RecordFailure(ctx context.Context, batchID, businessKey string, code ErrorCode, message string) error {
	return s.with(batchID, func(bs *BatchState) error {
		bs.FailureCount++
		s.failures[batchID] = append(s.failures[batchID], FailureRecord{
			BusinessKey: businessKey, ErrorCode: code, Message: message, Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

func (s *MemoryTrackingStore) RecordSkipped(ctx context.Context, batchID, businessKey, reason string) error {
	return s.with(batchID, func(bs *BatchState) error { bs.SkippedCount++; return nil })
}

func (s *MemoryTrackingStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) error {
	return s.with(batchID, func(bs *BatchState) error {
		for _, idx := range bs.CompletedChunkIndices {
			if idx == chunkIndex {
				return nil
			}
		}
		bs.CompletedChunkIndices = append(bs.CompletedChunkIndices, chunkIndex)
		bs.CompletedChunks = len(bs.CompletedChunkIndices)

		if bs.CompletedChunks >= bs.TotalChunks && !bs.Status.Terminal() {
			switch {
			case bs.FailureCount == 0:
				bs.Status = BatchCompleted
			case bs.SuccessCount == 0:
				bs.Status = BatchFailed
			default:
				bs.Status = BatchPartiallyCompleted
			}
			now := time.Now().UTC()
			bs.EndedAt = &now
			delete(s.active, batchID) // s.mu is already held by with()
		} else if bs.Status == BatchAccepted {
			bs.Status = BatchInProgress
		}
		return nil
	})
}

func (s *MemoryTrackingStore) Cancel(ctx context.Context, batchID, reason string) (bool, error) {
	cancelled := false
	err := s.with(batchID, func(bs *BatchState) error {
		if bs.Status.Terminal() {
			return nil
		}
		bs.Status = BatchCancelled
		now := time.Now().UTC()
		bs.EndedAt = &now
		cancelled = true
		delete(s.active, batchID) // s.mu is already held by with()
		return nil
	})
	return cancelled, err
}

func (s *MemoryTrackingStore) Get(ctx context.Context, batchID string) (*BatchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.batches[batchID]
	if !ok {
		return nil, false, nil
	}
	cp := *bs
	return &cp, true, nil
}

func (s *MemoryTrackingStore) ListActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryTrackingStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := s.failures[batchID]
	if offset >= len(all) {
		return []FailureRecord{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]FailureRecord, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func (s *MemoryTrackingStore) AppendDLT(ctx context.Context, topic string, rec DLTRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlt[topic] = append(s.dlt[topic], rec)
	return nil
}

func (s *MemoryTrackingStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := s.dlt[topic]
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]DLTRecord, limit)
	copy(out, all[:limit])
	return out, nil
}

// FallbackTrackingStore composes a primary RedisTrackingStore with a
// MemoryTrackingStore behind a circuit breaker, per spec.md §4.5: "a local
// in-memory fallback is used when the remote backing store is unreachable".
// Writes are mirrored into the in-memory store after every successful
// primary call, so a query issued after the breaker later trips still has
// something recent to answer with instead of an empty store. Reads are not
// mirrored — they have no state to propagate and mirroring them would
// overwrite a fresh primary answer with a stale fallback one.
type FallbackTrackingStore struct {
	primary  TrackingStore
	fallback TrackingStore
	cb       *gobreaker.CircuitBreaker[any]
}

func NewFallbackTrackingStore(primary TrackingStore, fallback TrackingStore, cb *gobreaker.CircuitBreaker[any]) *FallbackTrackingStore {
	return &FallbackTrackingStore{primary: primary, fallback: fallback, cb: cb}
}

// call executes op against the primary, falling back to serving directly
// from memory only when the primary call fails. Used for reads.
func (f *FallbackTrackingStore) call(op func(TrackingStore) error) error {
	_, err := f.cb.Execute(func() (any, error) {
		return nil, op(f.primary)
	})
	if err != nil {
		slog.Warn("tracking store primary unavailable, falling back to in-memory", "error", err)
		return op(f.fallback)
	}
	return nil
}

// mutate executes op against the primary and, on success, replays it against
// the in-memory fallback to keep it warm. On primary failure it falls back
// to applying the mutation directly to memory, same as call. op must have no
// side effects beyond the TrackingStore call itself (no outer-variable
// capture), since it runs twice on the success path.
func (f *FallbackTrackingStore) mutate(op func(TrackingStore) error) error {
	_, err := f.cb.Execute(func() (any, error) {
		return nil, op(f.primary)
	})
	if err != nil {
		slog.Warn("tracking store primary unavailable, falling back to in-memory", "error", err)
		return op(f.fallback)
	}
	if mirrorErr := op(f.fallback); mirrorErr != nil {
		slog.Warn("tracking store fallback mirror write failed", "error", mirrorErr)
	}
	return nil
}

func (f *FallbackTrackingStore) Initialize(ctx context.Context, batchID string, totalChunks, totalRecords int, submittedBy, sourceFilename string) error {
	return f.mutate(func(ts TrackingStore) error {
		return ts.Initialize(ctx, batchID, totalChunks, totalRecords, submittedBy, sourceFilename)
	})
}

func (f *FallbackTrackingStore) RecordSuccess(ctx context.Context, batchID, businessKey string) error {
	return f.mutate(func(ts TrackingStore) error { return ts.RecordSuccess(ctx, batchID, businessKey) })
}

func (f *FallbackTrackingStore) RecordFailure(ctx context.Context, batchID, businessKey string, code ErrorCode, message string) error {
	return f.mutate(func(ts TrackingStore) error { return ts.RecordFailure(ctx, batchID, businessKey, code, message) })
}

func (f *FallbackTrackingStore) RecordSkipped(ctx context.Context, batchID, businessKey, reason string) error {
	return f.mutate(func(ts TrackingStore) error { return ts.RecordSkipped(ctx, batchID, businessKey, reason) })
}

func (f *FallbackTrackingStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) error {
	return f.mutate(func(ts TrackingStore) error { return ts.CompleteChunk(ctx, batchID, chunkIndex) })
}

// Cancel is handled outside the shared mutate helper because it reports a
// bool in addition to an error: mutate's op runs a second time against the
// fallback on the success path to keep it warm, and that second run must not
// be allowed to overwrite the cancelled value the primary call already
// produced.
func (f *FallbackTrackingStore) Cancel(ctx context.Context, batchID, reason string) (bool, error) {
	var cancelled bool
	_, err := f.cb.Execute(func() (any, error) {
		c, err := f.primary.Cancel(ctx, batchID, reason)
		cancelled = c
		return nil, err
	})
	if err != nil {
		slog.Warn("tracking store primary unavailable, falling back to in-memory", "error", err)
		return f.fallback.Cancel(ctx, batchID, reason)
	}
	if _, mirrorErr := f.fallback.Cancel(ctx, batchID, reason); mirrorErr != nil {
		slog.Warn("tracking store fallback mirror write failed", "error", mirrorErr)
	}
	return cancelled, nil
}

func (f *FallbackTrackingStore) Get(ctx context.Context, batchID string) (*BatchState, bool, error) {
	var bs *BatchState
	var ok bool
	err := f.call(func(ts TrackingStore) error {
		b, o, err := ts.Get(ctx, batchID)
		bs, ok = b, o
		return err
	})
	return bs, ok, err
}

func (f *FallbackTrackingStore) ListActive(ctx context.Context) ([]string, error) {
	var out []string
	err := f.call(func(ts TrackingStore) error {
		o, err := ts.ListActive(ctx)
		out = o
		return err
	})
	return out, err
}

func (f *FallbackTrackingStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, error) {
	var out []FailureRecord
	err := f.call(func(ts TrackingStore) error {
		o, err := ts.ListFailures(ctx, batchID, offset, limit)
		out = o
		return err
	})
	return out, err
}

func (f *FallbackTrackingStore) AppendDLT(ctx context.Context, topic string, rec DLTRecord) error {
	return f.mutate(func(ts TrackingStore) error { return ts.AppendDLT(ctx, topic, rec) })
}

func (f *FallbackTrackingStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	var out []DLTRecord
	err := f.call(func(ts TrackingStore) error {
		o, err := ts.ListDLT(ctx, topic, limit)
		out = o
		return err
	})
	return out, err
}
