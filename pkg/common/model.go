package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a single ticket record.
//
//go:generate stringer -type=Status,Priority
type Status int

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusPending
	StatusOnHold
	StatusResolved
	StatusClosed
	StatusReopened
	StatusCancelled
)

func ParseStatus(s string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return StatusOpen, true
	case "IN_PROGRESS":
		return StatusInProgress, true
	case "PENDING":
		return StatusPending, true
	case "ON_HOLD":
		return StatusOnHold, true
	case "RESOLVED":
		return StatusResolved, true
	case "CLOSED":
		return StatusClosed, true
	case "REOPENED":
		return StatusReopened, true
	case "CANCELLED":
		return StatusCancelled, true
	default:
		return StatusOpen, false
	}
}

// Priority is the urgency level of a single ticket record.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, true
	case "MEDIUM":
		return PriorityMedium, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	default:
		return PriorityMedium, false
	}
}

// Record is a single validated work item produced by the Parser (C1).
// Immutable once constructed.
type Record struct {
	BusinessKey string   `json:"business_key"`
	Title       string   `json:"title"`
	CustomerID  int64    `json:"customer_id"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	AssigneeID  *int64   `json:"assignee_id,omitempty"`
}

const (
	MaxBusinessKeyLen = 50
	MaxTitleLen       = 255
	MaxDescriptionLen = 5000
)

// Chunk is an ordered sub-sequence of a batch, the unit of transport on the
// durable log. Immutable once constructed.
type Chunk struct {
	BatchID     string   `json:"batch_id"`
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	Records     []Record `json:"records"`
	SubmittedBy string   `json:"submitted_by"`
	SourceFile  string   `json:"source_filename"`
}

// Key returns the chunk_key used both as the Kafka partition key and as the
// identifier for per-chunk tracking operations.
func (c *Chunk) Key() string {
	return ChunkKey(c.BatchID, c.ChunkIndex)
}

func ChunkKey(batchID string, chunkIndex int) string {
	return fmt.Sprintf("%s-CHUNK-%d", batchID, chunkIndex)
}

// BulkEvent is the envelope published to the durable log for one chunk.
type BulkEvent struct {
	EventID        string    `json:"event_id"`
	BatchID        string    `json:"batch_id"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	Records        []Record  `json:"records"`
	SubmittedBy    string    `json:"submitted_by"`
	SourceFilename string    `json:"source_filename"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *BulkEvent) Enrich() {
	if strings.TrimSpace(e.EventID) == "" {
		e.EventID = randomHexStr(16)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func (e *BulkEvent) Validate() error {
	if e.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if e.Records == nil {
		return fmt.Errorf("records list is required (may be empty)")
	}
	return nil
}

// BatchStatus is the externally-visible lifecycle state of a batch.
type BatchStatus string

const (
	BatchAccepted           BatchStatus = "ACCEPTED"
	BatchInProgress         BatchStatus = "IN_PROGRESS"
	BatchCompleted          BatchStatus = "COMPLETED"
	BatchPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchFailed             BatchStatus = "FAILED"
	BatchCancelled          BatchStatus = "CANCELLED"
)

func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartiallyCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// BatchState is the aggregate tracked by the Tracking Store (C7), keyed by
// batch_id.
type BatchState struct {
	BatchID               string      `json:"batch_id"`
	Status                BatchStatus `json:"status"`
	TotalChunks           int         `json:"total_chunks"`
	CompletedChunks       int         `json:"completed_chunks"`
	CompletedChunkIndices []int       `json:"completed_chunk_indices"`
	TotalRecords          int         `json:"total_records"`
	SuccessCount          int64       `json:"success_count"`
	FailureCount          int64       `json:"failure_count"`
	SkippedCount          int64       `json:"skipped_count"`
	StartedAt             time.Time   `json:"started_at"`
	EndedAt               *time.Time  `json:"ended_at,omitempty"`
	SubmittedBy           string      `json:"submitted_by"`
	SourceFilename        string      `json:"source_filename"`
}

// FailureRecord is appended to a batch's failure list.
type FailureRecord struct {
	BusinessKey string    `json:"business_key"`
	ErrorCode   ErrorCode `json:"error_code"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// DLTRecord is appended to the per-topic dead-letter list when the Retry &
// Dead-Letter Controller exhausts retries for a message.
type DLTRecord struct {
	OriginTopic     string     `json:"origin_topic"`
	MessageKey      string     `json:"message_key"`
	PayloadSnapshot string     `json:"payload_snapshot"` // base64
	Timestamp       time.Time  `json:"timestamp"`
	ErrorMessage    string     `json:"error_message"`
	ErrorClassTag   string     `json:"error_class_tag"`
	Reprocessed     bool       `json:"reprocessed"`
	ReprocessedAt   *time.Time `json:"reprocessed_at,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

func randomHexStr(length int) string {
	key := make([]byte, length)
	_, err := rand.Read(key)
	if err != nil {
		panic("failed to generate random key. this should never happen")
	}
	return hex.EncodeToString(key)
}
