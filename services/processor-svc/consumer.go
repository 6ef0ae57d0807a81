package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ticketforge/bulk-pipeline/pkg/common"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fetchedChunk is the unit handed from the fetch loop to the worker pool:
// one Kafka record decoded into (at most) one BulkEvent, carrying along any
// decode failure so the RECEIVED->VALIDATED transition can classify it.
type fetchedChunk struct {
	record    *kgo.Record
	event     *common.BulkEvent
	decodeErr error
}

// consume is the C4 fetch loop: subscribes under the fixed consumer group,
// manual-commits per record, and hands each fetched record to the worker
// pool in delivery order. Backpressure comes from MAX_POLL_RECORDS (bounded
// fetch size) and the buffered channel; there is no additional in-process
// queueing per spec.md §5.
func (s *Server) consume(ctx context.Context, chunkCh chan<- fetchedChunk) {
	for {
		fetches := s.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			close(chunkCh)
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
				return
			}
			slog.Warn("kafka fetch error", "error", err, "topic", topic, "partition", partition)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			item := decodeChunk(record)
			select {
			case chunkCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeChunk(record *kgo.Record) fetchedChunk {
	var event common.BulkEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		return fetchedChunk{record: record, decodeErr: err}
	}
	if err := event.Validate(); err != nil {
		return fetchedChunk{record: record, decodeErr: err}
	}
	return fetchedChunk{record: record, event: &event}
}

// processChunks is one of CONCURRENCY worker goroutines draining the shared
// channel the fetch loop feeds.
func (s *Server) processChunks(ctx context.Context, chunkCh <-chan fetchedChunk) {
	for {
		select {
		case item, ok := <-chunkCh:
			if !ok {
				return
			}
			s.handleChunk(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// handleChunk implements the per-chunk state machine of spec.md §4.3:
// RECEIVED -> VALIDATED -> TRACKED -> (CANCELLED_SKIP | PROCESSING) ->
// ALL_DONE, with an ABORT path routed through the retry/DLT controller (C6).
func (s *Server) handleChunk(ctx context.Context, item fetchedChunk) {
	// RECEIVED -> VALIDATED
	if item.decodeErr != nil {
		slog.Warn("chunk failed validation, acknowledging without processing",
			"error", item.decodeErr, "topic", item.record.Topic, "partition", item.record.Partition, "offset", item.record.Offset)
		s.ack(ctx, item.record)
		return
	}
	event := item.event
	chunkKey := common.ChunkKey(event.BatchID, event.ChunkIndex)

	// VALIDATED -> TRACKED. Tracking unavailability must not block processing.
	if err := s.tracking.Initialize(ctx, event.BatchID, event.TotalChunks, len(event.Records), event.SubmittedBy, event.SourceFilename); err != nil {
		slog.Warn("tracking store initialize failed, proceeding without it", "error", err, "batch_id", event.BatchID)
	}

	// TRACKED -> CANCELLED_SKIP (advisory; acquisition races are acceptable).
	if bs, ok, err := s.tracking.Get(ctx, event.BatchID); err == nil && ok && bs.Status == common.BatchCancelled {
		slog.Info("batch cancelled, skipping chunk", "batch_id", event.BatchID, "chunk_index", event.ChunkIndex)
		s.ack(ctx, item.record)
		return
	}

	// PROCESSING, with the ABORT -> retry/DLT path wrapped around it.
	if err := s.runWithRetry(ctx, item.record, chunkKey, func() error {
		return s.processRecords(ctx, event)
	}); err != nil {
		// runWithRetry already routed this to the DLT on exhaustion.
		slog.Error("chunk processing exhausted retries, sent to DLT", "batch_id", event.BatchID, "chunk_index", event.ChunkIndex, "error", err)
	}

	// ALL_DONE
	if err := s.tracking.CompleteChunk(ctx, event.BatchID, event.ChunkIndex); err != nil {
		slog.Warn("tracking store complete_chunk failed", "error", err, "batch_id", event.BatchID, "chunk_index", event.ChunkIndex)
	}
	s.ack(ctx, item.record)
}

// processRecords iterates the chunk's records in index order (spec.md §5:
// "strict order within a chunk"), classifying each outcome against the
// per-record table in spec.md §4.3. It returns a non-nil error only when an
// unexpected, retryable failure must abort the whole chunk for redelivery.
func (s *Server) processRecords(ctx context.Context, event *common.BulkEvent) error {
	for _, rec := range event.Records {
		err := s.tickets.CreateTicket(ctx, rec)
		if err == nil {
			if err := s.tracking.RecordSuccess(ctx, event.BatchID, rec.BusinessKey); err != nil {
				slog.Warn("tracking store record_success failed", "error", err, "batch_id", event.BatchID)
			}
			continue
		}

		code := common.ClassifyException(err)
		var te *TicketError
		if errors.As(err, &te) {
			code = te.Code
		}

		switch code {
		case common.ErrDuplicateTicket:
			if err := s.tracking.RecordSkipped(ctx, event.BatchID, rec.BusinessKey, "duplicate business key"); err != nil {
				slog.Warn("tracking store record_skipped failed", "error", err, "batch_id", event.BatchID)
			}
		case common.ErrNullRequest, common.ErrInvalidRowData, common.ErrInvalidStatusTransition:
			if err := s.tracking.RecordFailure(ctx, event.BatchID, rec.BusinessKey, code, err.Error()); err != nil {
				slog.Warn("tracking store record_failure failed", "error", err, "batch_id", event.BatchID)
			}
		default:
			if code.Retryable() {
				// Unexpected retryable failure: abort the chunk for C6.
				return err
			}
			if err := s.tracking.RecordFailure(ctx, event.BatchID, rec.BusinessKey, common.ErrChunkProcessingFailed, err.Error()); err != nil {
				slog.Warn("tracking store record_failure failed", "error", err, "batch_id", event.BatchID)
			}
		}
	}
	return nil
}

func (s *Server) ack(ctx context.Context, record *kgo.Record) {
	if err := s.consumer.CommitRecords(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("failed to commit record offset", "error", err, "topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
	}
}
