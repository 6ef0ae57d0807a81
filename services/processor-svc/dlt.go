package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
	"github.com/twmb/franz-go/pkg/kgo"
)

var dltMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "processor",
		Name:      "dlt_messages_total",
		Help:      "Total number of chunks sent to the dead-letter topic",
	},
	[]string{"error_class"},
)

// publishToDLT implements the producer side of C6's exhaustion path: the
// original chunk message is republished to <topic>.DLT (single partition,
// 30-day retention at the topic configuration level), tagged with the
// classifying error code and cause as record headers so the separate DLT
// consumer can recover them without re-deriving anything. Recording the
// arrival into the Tracking Store is that consumer's job, not this one's —
// per spec.md §4.4, "the separate DLT consumer ... only records DLT
// arrivals."
func (s *Server) publishToDLT(ctx context.Context, record *kgo.Record, chunkKey string, code common.ErrorCode, cause error) {
	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}

	dltRecord := &kgo.Record{
		Topic: s.cfg.DLTTopic,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error_class", Value: []byte(code)},
			{Key: "error_message", Value: []byte(errStr)},
			{Key: "origin_topic", Value: []byte(record.Topic)},
		},
	}

	s.dltProducer.Produce(ctx, dltRecord, func(r *kgo.Record, produceErr error) {
		if produceErr != nil {
			slog.Error("failed to publish to DLT", "error", produceErr, "chunk_key", chunkKey)
			return
		}
		dltMessagesTotal.WithLabelValues(string(code)).Inc()
		slog.Warn("chunk sent to DLT", "chunk_key", chunkKey, "error_class", code, "original_offset", record.Offset)
	})
}

// consumeDLT is spec.md §4.4's "separate DLT consumer (same container,
// different group suffix -dlt)": its own consumer group tailing <topic>.DLT,
// whose only job is recording each arrival into the Tracking Store's
// per-topic DLT list (7-day TTL) — it never reprocesses the underlying
// chunk. This is the one DLT-reader worker spec.md §5's scheduling model
// lists alongside the CONCURRENCY chunk-processing workers.
func (s *Server) consumeDLT(ctx context.Context) {
	for {
		fetches := s.dltConsumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
				return
			}
			slog.Warn("dlt consumer fetch error", "error", err, "topic", topic, "partition", partition)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			s.recordDLTArrival(ctx, record)
			if err := s.dltConsumer.CommitRecords(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("failed to commit dlt record offset", "error", err, "topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
			}
		}
	}
}

func (s *Server) recordDLTArrival(ctx context.Context, record *kgo.Record) {
	originTopic := record.Topic
	var errorClass, errorMessage string
	for _, h := range record.Headers {
		switch h.Key {
		case "error_class":
			errorClass = string(h.Value)
		case "error_message":
			errorMessage = string(h.Value)
		case "origin_topic":
			originTopic = string(h.Value)
		}
	}

	if err := s.tracking.AppendDLT(ctx, record.Topic, common.DLTRecord{
		OriginTopic:     originTopic,
		MessageKey:      string(record.Key),
		PayloadSnapshot: base64.StdEncoding.EncodeToString(record.Value),
		Timestamp:       time.Now().UTC(),
		ErrorMessage:    errorMessage,
		ErrorClassTag:   errorClass,
	}); err != nil {
		slog.Warn("tracking store append_dlt failed", "error", err, "topic", record.Topic, "key", string(record.Key))
	}
}
