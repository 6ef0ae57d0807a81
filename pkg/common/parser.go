package common

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	DefaultMaxFileSizeBytes = 10 * 1024 * 1024 // MAX_FILE_SIZE_MIB default 10
	DefaultMaxRecords       = 10_000           // MAX_RECORDS default
	DefaultChunkSize        = 100              // CHUNK_SIZE default
)

var allowedExtensions = map[string]bool{".csv": true, ".txt": true}

// requiredColumns after header normalization (lower-cased, spaces and
// underscores stripped).
var requiredColumns = []string{"ticketnumber", "title", "customerid"}

// ParserInput is the exclusively-owned submission stream handed to the
// Parser (C1).
type ParserInput struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// RowError is a single row-level validation failure retained in the report
// even when the row itself was accepted with a default substitution.
type RowError struct {
	Row     int // 1-based, header is row 0
	Field   string
	Code    ErrorCode
	Message string
}

// ValidationReport accumulates row-level outcomes across a parse.
type ValidationReport struct {
	RowsSeen     int
	RowsAccepted int
	RowErrors    []RowError
}

// ParseError is a whole-submission failure (as opposed to a per-row one).
type ParseError struct {
	Code    ErrorCode
	Message string
}

func (e *ParseError) Error() string { return e.Message }

func newParseError(code ErrorCode, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParseSubmission implements spec.md §4.1 end to end: pre-read checks,
// header validation, per-row semantic validation, the bulk-reject
// threshold, and the post-parse MAX_RECORDS check.
func ParseSubmission(in ParserInput, maxFileSize int64, maxRecords int) ([]Record, *ValidationReport, error) {
	if err := preReadChecks(in, maxFileSize); err != nil {
		return nil, nil, err
	}

	reader := csv.NewReader(in.Body)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, newParseError(ErrEmptyFile, "submission contains no rows")
		}
		return nil, nil, newParseError(ErrInvalidFileFormat, "failed to read header: %v", err)
	}

	colIndex, missing := normalizeHeader(header)
	if len(missing) > 0 {
		return nil, nil, newParseError(ErrMissingRequiredColumns,
			"missing required columns: %s", strings.Join(missing, ", "))
	}

	report := &ValidationReport{}
	records := make([]Record, 0, 64)
	seenKeys := make(map[string]bool)

	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			report.RowsSeen++
			report.RowErrors = append(report.RowErrors, RowError{
				Row: rowNum, Code: ErrInvalidRowData, Message: err.Error(),
			})
			rowNum++
			continue
		}

		report.RowsSeen++
		rec, rowErrs, fatal := parseRow(row, colIndex, seenKeys)
		for i := range rowErrs {
			rowErrs[i].Row = rowNum
		}
		report.RowErrors = append(report.RowErrors, rowErrs...)
		if fatal {
			rowNum++
			continue
		}

		seenKeys[rec.BusinessKey] = true
		records = append(records, *rec)
		report.RowsAccepted++
		rowNum++
	}

	// Bulk-reject rule: too many row failures voids the whole submission.
	fatalErrors := countFatalRowErrors(report.RowErrors)
	threshold := report.RowsSeen / 2
	if threshold < 10 {
		threshold = 10
	}
	if fatalErrors > threshold {
		return nil, report, newParseError(ErrInvalidFileFormat,
			"%d of %d rows failed validation, exceeding the bulk-reject threshold", fatalErrors, report.RowsSeen)
	}

	if len(records) == 0 {
		return nil, report, newParseError(ErrEmptyFile, "no rows were accepted after validation")
	}

	if len(records) > maxRecords {
		return nil, report, newParseError(ErrBatchSizeExceeded,
			"%d accepted records exceeds the maximum of %d", len(records), maxRecords)
	}

	return records, report, nil
}

func preReadChecks(in ParserInput, maxFileSize int64) error {
	if in.Size <= 0 {
		return newParseError(ErrEmptyFile, "submission is empty")
	}
	if in.Size > maxFileSize {
		return newParseError(ErrInvalidFileFormat, "submission exceeds maximum file size of %d bytes", maxFileSize)
	}
	ext := extensionOf(in.Filename)
	if !allowedExtensions[ext] {
		return newParseError(ErrInvalidFileFormat, "unsupported file extension %q", ext)
	}
	return nil
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx:])
}

// normalizeHeader lower-cases and strips spaces/underscores from each
// header cell, and returns the resulting column->index map plus any
// required columns that are missing.
func normalizeHeader(header []string) (map[string]int, []string) {
	colIndex := make(map[string]int, len(header))
	for i, h := range header {
		colIndex[normalizeColumnName(h)] = i
	}

	var missing []string
	for _, required := range requiredColumns {
		if _, ok := colIndex[required]; !ok {
			missing = append(missing, required)
		}
	}
	return colIndex, missing
}

func normalizeColumnName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "")
	name = strings.ReplaceAll(name, "_", "")
	return name
}

// parseRow applies the per-row rule table of spec.md §4.1. Returns the
// accepted record (nil if the row was rejected), any row-level errors
// (including accepted-with-default substitutions), and whether the row was
// fatally rejected.
func parseRow(row []string, colIndex map[string]int, seenKeys map[string]bool) (*Record, []RowError, bool) {
	var rowErrors []RowError

	ticketNumber := strings.TrimSpace(cell(row, colIndex, "ticketnumber"))
	if ticketNumber == "" {
		return nil, append(rowErrors, RowError{Field: "ticketnumber", Code: ErrMissingTicketNumber, Message: "ticketnumber is required"}), true
	}
	if len(ticketNumber) > MaxBusinessKeyLen {
		return nil, append(rowErrors, RowError{Field: "ticketnumber", Code: ErrInvalidRowData, Message: "ticketnumber exceeds maximum length"}), true
	}
	if seenKeys[ticketNumber] {
		return nil, append(rowErrors, RowError{Field: "ticketnumber", Code: ErrDuplicateTicket, Message: "duplicate ticketnumber within submission"}), true
	}

	title := strings.TrimSpace(cell(row, colIndex, "title"))
	if title == "" {
		return nil, append(rowErrors, RowError{Field: "title", Code: ErrMissingTitle, Message: "title is required"}), true
	}
	if len(title) > MaxTitleLen {
		return nil, append(rowErrors, RowError{Field: "title", Code: ErrInvalidRowData, Message: "title exceeds maximum length"}), true
	}

	customerIDRaw := strings.TrimSpace(cell(row, colIndex, "customerid"))
	customerID, err := strconv.ParseInt(customerIDRaw, 10, 64)
	if err != nil || customerID <= 0 {
		return nil, append(rowErrors, RowError{Field: "customerid", Code: ErrInvalidCustomerID, Message: "customerid must be a positive integer"}), true
	}

	rec := &Record{
		BusinessKey: ticketNumber,
		Title:       title,
		CustomerID:  customerID,
		Status:      StatusOpen,
		Priority:    PriorityMedium,
	}

	if description := strings.TrimSpace(cell(row, colIndex, "description")); description != "" {
		if len(description) > MaxDescriptionLen {
			description = description[:MaxDescriptionLen]
		}
		rec.Description = description
	}

	if statusRaw := strings.TrimSpace(cell(row, colIndex, "status")); statusRaw != "" {
		if status, ok := ParseStatus(statusRaw); ok {
			rec.Status = status
		} else {
			rowErrors = append(rowErrors, RowError{Field: "status", Code: ErrInvalidRowData, Message: fmt.Sprintf("unknown status %q, defaulted to OPEN", statusRaw)})
		}
	}

	if priorityRaw := strings.TrimSpace(cell(row, colIndex, "priority")); priorityRaw != "" {
		if priority, ok := ParsePriority(priorityRaw); ok {
			rec.Priority = priority
		} else {
			rowErrors = append(rowErrors, RowError{Field: "priority", Code: ErrInvalidPriority, Message: fmt.Sprintf("unknown priority %q, defaulted to MEDIUM", priorityRaw)})
		}
	}

	if assigneeRaw := strings.TrimSpace(cell(row, colIndex, "assignedto")); assigneeRaw != "" {
		if assigneeID, err := strconv.ParseInt(assigneeRaw, 10, 64); err == nil && assigneeID > 0 {
			rec.AssigneeID = &assigneeID
		}
		// unparsable assignee is silently dropped per spec.md §4.1
	}

	return rec, rowErrors, false
}

func cell(row []string, colIndex map[string]int, column string) string {
	idx, ok := colIndex[column]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// countFatalRowErrors counts only errors that caused the whole row to be
// rejected (as opposed to accepted-with-default substitutions like an
// unrecognized status/priority).
func countFatalRowErrors(errs []RowError) int {
	count := 0
	for _, e := range errs {
		switch e.Field {
		case "status", "priority", "assignedto":
			continue
		default:
			count++
		}
	}
	return count
}
