package main

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_submissions_total",
			Help: "Total number of bulk submissions, partitioned by outcome",
		},
		[]string{"outcome"},
	)
	chunksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_chunks_published_total",
			Help: "Total number of chunks published to the durable log, partitioned by outcome",
		},
		[]string{"outcome"},
	)
	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bulk_ingest_publish_seconds",
			Help:    "Time spent publishing a batch's chunks to the durable log",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// BulkUploadResponse is the 202 body spec.md §6 specifies for a successful
// submission.
type BulkUploadResponse struct {
	BatchID      string    `json:"batchId"`
	Status       string    `json:"status"`
	TotalRecords int       `json:"totalRecords"`
	TotalChunks  int       `json:"totalChunks"`
	AcceptedAt   time.Time `json:"acceptedAt"`
	StatusURL    string    `json:"statusUrl"`
	FailuresURL  string    `json:"failuresUrl"`
}

// ValidationErrorResponse is returned on 400, carrying the per-row errors
// the parser attached to its report.
type ValidationErrorResponse struct {
	ErrorCode string            `json:"errorCode"`
	Message   string            `json:"message"`
	RowErrors []common.RowError `json:"rowErrors,omitempty"`
}

// handleBulkUpload composes C1 then C2, per spec.md §4.7: C9 maps structured
// parse failures to error responses and returns the minted batch_id with
// total_chunks on acceptance.
func (s *Server) handleBulkUpload(c echo.Context) error {
	if s.shuttingDown.Load() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down, retry against another instance")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}

	submittedBy := c.FormValue("uploadedBy")
	if submittedBy == "" {
		submittedBy = "system"
	}

	file, err := fileHeader.Open()
	if err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded file")
	}
	defer file.Close()

	records, report, parseErr := common.ParseSubmission(common.ParserInput{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		Body:     file,
	}, int64(s.cfg.MaxFileSizeMB)*1024*1024, s.cfg.MaxRecords)

	if parseErr != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return s.respondParseError(c, fileHeader, parseErr, report)
	}

	totalChunks := (len(records) + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize
	batchID := mintBatchID()
	chunks := splitIntoChunks(batchID, records, s.cfg.ChunkSize, totalChunks)

	start := time.Now()
	outcomes, publishErr := s.publishChunks(c.Request().Context(), chunks, submittedBy, fileHeader.Filename, totalChunks)
	publishDuration.Observe(time.Since(start).Seconds())

	for _, outcome := range outcomes {
		if outcome.err != nil {
			chunksPublished.WithLabelValues("error").Inc()
			slog.Error("chunk publish failed", "batch_id", batchID, "chunk_index", outcome.chunkIndex, "error", outcome.err)
		} else {
			chunksPublished.WithLabelValues("accepted").Inc()
		}
	}

	if publishErr != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]any{
			"errorCode": string(common.ErrKafkaProducerError),
			"message":   publishErr.Error(),
			"retryable": true,
		})
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	return c.JSON(http.StatusAccepted, BulkUploadResponse{
		BatchID:      batchID,
		Status:       string(common.BatchAccepted),
		TotalRecords: len(records),
		TotalChunks:  totalChunks,
		AcceptedAt:   time.Now().UTC(),
		StatusURL:    fmt.Sprintf("/api/tickets/bulk/status/%s", batchID),
		FailuresURL:  fmt.Sprintf("/api/tickets/bulk/failures/%s", batchID),
	})
}

func (s *Server) respondParseError(c echo.Context, fileHeader *multipart.FileHeader, parseErr error, report *common.ValidationReport) error {
	pe, ok := parseErr.(*common.ParseError)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, parseErr.Error())
	}

	resp := ValidationErrorResponse{
		ErrorCode: string(pe.Code),
		Message:   pe.Message,
	}
	if report != nil {
		resp.RowErrors = report.RowErrors
	}

	status := pe.Code.HTTPStatus()
	if pe.Code == common.ErrInvalidFileFormat && fileHeader.Size > int64(s.cfg.MaxFileSizeMB)*1024*1024 {
		status = http.StatusRequestEntityTooLarge
	}
	return c.JSON(status, resp)
}
