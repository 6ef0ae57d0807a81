package common

import "strings"

// ErrorCode is the closed error taxonomy from spec.md §7. It is a tagged
// variant, not open subtyping: adding an error kind means extending this
// list and the two tables below, nothing else.
type ErrorCode string

const (
	// V1xxx validation — all non-retryable.
	ErrEmptyFile              ErrorCode = "EMPTY_FILE"
	ErrInvalidFileFormat      ErrorCode = "INVALID_FILE_FORMAT"
	ErrMissingRequiredColumns ErrorCode = "MISSING_REQUIRED_COLUMNS"
	ErrInvalidRowData         ErrorCode = "INVALID_ROW_DATA"
	ErrMissingTicketNumber    ErrorCode = "MISSING_TICKET_NUMBER"
	ErrInvalidCustomerID      ErrorCode = "INVALID_CUSTOMER_ID"
	ErrMissingTitle           ErrorCode = "MISSING_TITLE"
	ErrNullRequest            ErrorCode = "NULL_REQUEST"
	ErrBatchSizeExceeded      ErrorCode = "BATCH_SIZE_EXCEEDED"

	// P2xxx processing.
	ErrDuplicateTicket          ErrorCode = "DUPLICATE_TICKET"
	ErrTicketCreationFailed     ErrorCode = "TICKET_CREATION_FAILED"
	ErrChunkProcessingFailed    ErrorCode = "CHUNK_PROCESSING_FAILED"
	ErrBatchProcessingFailed    ErrorCode = "BATCH_PROCESSING_FAILED"
	ErrRecordProcessingFailed   ErrorCode = "RECORD_PROCESSING_FAILED"
	ErrInvalidStatusTransition  ErrorCode = "INVALID_STATUS_TRANSITION"
	ErrInvalidPriority          ErrorCode = "INVALID_PRIORITY"

	// I3xxx infrastructure.
	ErrDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrRedisError    ErrorCode = "REDIS_ERROR"
	ErrIOError       ErrorCode = "IO_ERROR"
	ErrTimeoutError  ErrorCode = "TIMEOUT_ERROR"
	ErrMemoryError   ErrorCode = "MEMORY_ERROR"

	// K4xxx transport.
	ErrKafkaProducerError       ErrorCode = "KAFKA_PRODUCER_ERROR"
	ErrKafkaConsumerError       ErrorCode = "KAFKA_CONSUMER_ERROR"
	ErrKafkaBrokerUnavailable   ErrorCode = "KAFKA_BROKER_UNAVAILABLE"
	ErrKafkaCommitFailed        ErrorCode = "KAFKA_COMMIT_FAILED"
	ErrKafkaSerializationError  ErrorCode = "KAFKA_SERIALIZATION_ERROR"
	ErrKafkaDeserializationErr  ErrorCode = "KAFKA_DESERIALIZATION_ERROR"
	ErrKafkaTopicNotFound       ErrorCode = "KAFKA_TOPIC_NOT_FOUND"
	ErrSentToDLT                ErrorCode = "SENT_TO_DLT"

	// E9xxx general.
	ErrUnknown            ErrorCode = "UNKNOWN_ERROR"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
	ErrConfigurationError ErrorCode = "CONFIGURATION_ERROR"
)

// retryable is the closed table of which error codes the Retry &
// Dead-Letter Controller (C6) treats as retryable. Anything absent from
// this map is treated as non-retryable (fails closed).
var retryable = map[ErrorCode]bool{
	ErrTicketCreationFailed:    true,
	ErrChunkProcessingFailed:   true,
	ErrBatchProcessingFailed:   true,
	ErrRecordProcessingFailed:  true,
	ErrDatabaseError:           true,
	ErrRedisError:              true,
	ErrIOError:                 true,
	ErrTimeoutError:            true,
	ErrKafkaProducerError:      true,
	ErrKafkaConsumerError:      true,
	ErrKafkaBrokerUnavailable:  true,
	ErrKafkaCommitFailed:       true,
	ErrUnknown:                 true,
	ErrInternal:                true,
}

// Retryable reports whether C6 should schedule redelivery for this code, or
// short-circuit straight to the dead-letter topic.
func (c ErrorCode) Retryable() bool {
	return retryable[c]
}

// classPrefix returns the error class letter (V, P, I, K or E) of the code,
// which HTTPStatus maps to a status for the synchronous submission path. The
// P codes are matched before the name-prefix rules so that the processing
// codes starting with INVALID_ are not taken for validation codes.
func (c ErrorCode) classPrefix() string {
	switch {
	case c == ErrDuplicateTicket || c == ErrTicketCreationFailed || c == ErrChunkProcessingFailed ||
		c == ErrBatchProcessingFailed || c == ErrRecordProcessingFailed ||
		c == ErrInvalidStatusTransition || c == ErrInvalidPriority:
		return "P"
	case strings.HasPrefix(string(c), "EMPTY_") || strings.HasPrefix(string(c), "INVALID_") ||
		strings.HasPrefix(string(c), "MISSING_") || strings.HasPrefix(string(c), "NULL_") ||
		c == ErrBatchSizeExceeded:
		return "V"
	case strings.HasPrefix(string(c), "KAFKA_"):
		return "K"
	case c == ErrDatabaseError || c == ErrRedisError || c == ErrIOError ||
		c == ErrTimeoutError || c == ErrMemoryError:
		return "I"
	default:
		return "E"
	}
}

// HTTPStatus implements the submission-path propagation policy of spec.md
// §7: V -> 400, K -> 503, I -> 503 when retryable else 500, P -> 409 for
// duplicate else 500, E -> 500.
func (c ErrorCode) HTTPStatus() int {
	switch c.classPrefix() {
	case "V":
		return 400
	case "K":
		return 503
	case "I":
		if c.Retryable() {
			return 503
		}
		return 500
	case "P":
		if c == ErrDuplicateTicket {
			return 409
		}
		return 500
	default:
		return 500
	}
}

// ClassifyException maps an opaque downstream error into the closed
// taxonomy using the substring-hint policy of spec.md §7. It is the last
// resort when a concrete error type isn't available to switch on.
func ClassifyException(err error) ErrorCode {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique") || strings.Contains(msg, "conflict"):
		return ErrDuplicateTicket
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrTimeoutError
	case strings.Contains(msg, "redis"):
		return ErrRedisError
	case strings.Contains(msg, "broker") && strings.Contains(msg, "unavailable"):
		return ErrKafkaBrokerUnavailable
	case strings.Contains(msg, "kafka") || strings.Contains(msg, "produce"):
		return ErrKafkaProducerError
	case strings.Contains(msg, "invalid argument") || strings.Contains(msg, "invalid input"):
		return ErrInvalidRowData
	case strings.Contains(msg, "nil") || strings.Contains(msg, "null"):
		return ErrNullRequest
	case strings.Contains(msg, "i/o") || strings.Contains(msg, "io error"):
		return ErrIOError
	case strings.Contains(msg, "out of memory"):
		return ErrMemoryError
	default:
		return ErrUnknown
	}
}
