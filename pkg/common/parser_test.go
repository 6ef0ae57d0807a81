package common

import (
	"strings"
	"testing"
)

func parse(t *testing.T, content string) ([]Record, *ValidationReport, error) {
	t.Helper()
	return ParseSubmission(ParserInput{
		Filename: "batch.csv",
		Size:     int64(len(content)),
		Body:     strings.NewReader(content),
	}, DefaultMaxFileSizeBytes, DefaultMaxRecords)
}

func TestParseSubmission_HappyPath(t *testing.T) {
	content := "ticketnumber,title,customerid\n" +
		"TKT-001,Login,1001\n" +
		"TKT-002,Reset,1002\n" +
		"TKT-003,Dash,1003\n"

	records, report, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if report.RowsAccepted != 3 {
		t.Errorf("RowsAccepted = %d, want 3", report.RowsAccepted)
	}
	for _, r := range records {
		if r.Status != StatusOpen || r.Priority != PriorityMedium {
			t.Errorf("expected default status/priority, got %v/%v", r.Status, r.Priority)
		}
	}
}

func TestParseSubmission_HeaderNormalization(t *testing.T) {
	content := "Ticket Number,Title,Customer_ID\nTKT-1,A,5\n"
	records, _, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestParseSubmission_MissingRequiredColumns(t *testing.T) {
	content := "title,customerid\nLogin,1001\n"
	_, _, err := parse(t, content)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ErrMissingRequiredColumns {
		t.Fatalf("expected MISSING_REQUIRED_COLUMNS, got %v", err)
	}
}

func TestParseSubmission_InvalidCustomerIDUnderThreshold(t *testing.T) {
	// 1 bad row out of 3; threshold is max(10, 0.5*3)=10, so parse succeeds
	// with the bad row dropped.
	content := "ticketnumber,title,customerid\n" +
		"TKT-001,Login,1001\n" +
		"TKT-002,Reset,abc\n" +
		"TKT-003,Dash,1003\n"

	records, report, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 accepted records, got %d", len(records))
	}
	foundInvalidCustomerID := false
	for _, e := range report.RowErrors {
		if e.Code == ErrInvalidCustomerID {
			foundInvalidCustomerID = true
		}
	}
	if !foundInvalidCustomerID {
		t.Error("expected row error report to contain INVALID_CUSTOMER_ID")
	}
}

func TestParseSubmission_BulkRejectThreshold(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("ticketnumber,title,customerid\n")
	// 20 rows: 15 lack a ticketnumber and 4 repeat TKT-0 as a duplicate, so
	// 19 are rejected -> 95% failure, exceeds max(10, 10)=10
	for i := 0; i < 5; i++ {
		sb.WriteString("TKT-0,OK,1\n")
	}
	for i := 0; i < 15; i++ {
		sb.WriteString(",BadKey,1\n")
	}

	_, _, err := parse(t, sb.String())
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ErrInvalidFileFormat {
		t.Fatalf("expected INVALID_FILE_FORMAT from bulk-reject rule, got %v", err)
	}
}

func TestParseSubmission_DuplicateTicketNumber(t *testing.T) {
	content := "ticketnumber,title,customerid\n" +
		"TKT-001,Login,1001\n" +
		"TKT-001,Login again,1001\n"

	records, report, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after dedup, got %d", len(records))
	}
	found := false
	for _, e := range report.RowErrors {
		if e.Code == ErrDuplicateTicket {
			found = true
		}
	}
	if !found {
		t.Error("expected a DUPLICATE_TICKET row error")
	}
}

func TestParseSubmission_DescriptionTruncated(t *testing.T) {
	longDesc := strings.Repeat("x", MaxDescriptionLen+500)
	content := "ticketnumber,title,customerid,description\n" +
		"TKT-001,Login,1001," + longDesc + "\n"

	records, _, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records[0].Description) != MaxDescriptionLen {
		t.Errorf("expected truncation to %d chars, got %d", MaxDescriptionLen, len(records[0].Description))
	}
}

func TestParseSubmission_UnknownStatusDefaultsAndLogs(t *testing.T) {
	content := "ticketnumber,title,customerid,status\nTKT-001,Login,1001,BOGUS\n"
	records, report, err := parse(t, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records[0].Status != StatusOpen {
		t.Errorf("expected default OPEN status, got %v", records[0].Status)
	}
	found := false
	for _, e := range report.RowErrors {
		if e.Field == "status" {
			found = true
		}
	}
	if !found {
		t.Error("expected a row-level error logged for the invalid status")
	}
}

func TestParseSubmission_EmptyFile(t *testing.T) {
	_, _, err := ParseSubmission(ParserInput{Filename: "a.csv", Size: 0, Body: strings.NewReader("")}, DefaultMaxFileSizeBytes, DefaultMaxRecords)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ErrEmptyFile {
		t.Fatalf("expected EMPTY_FILE, got %v", err)
	}
}

func TestParseSubmission_UnsupportedExtension(t *testing.T) {
	content := "ticketnumber,title,customerid\nTKT-1,A,1\n"
	_, _, err := ParseSubmission(ParserInput{Filename: "a.xlsx", Size: int64(len(content)), Body: strings.NewReader(content)}, DefaultMaxFileSizeBytes, DefaultMaxRecords)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ErrInvalidFileFormat {
		t.Fatalf("expected INVALID_FILE_FORMAT, got %v", err)
	}
}

func TestParseSubmission_BatchSizeExceeded(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("ticketnumber,title,customerid\n")
	for i := 0; i < DefaultMaxRecords+1; i++ {
		sb.WriteString("TKT-")
		sb.WriteString(strings.Repeat("0", 1))
		sb.WriteString(itoa(i))
		sb.WriteString(",A,1\n")
	}

	_, _, err := parse(t, sb.String())
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ErrBatchSizeExceeded {
		t.Fatalf("expected BATCH_SIZE_EXCEEDED, got %v", err)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
