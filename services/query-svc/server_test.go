package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
)

func newTestServer() *Server {
	return &Server{
		cfg:      Config{DefaultPageSize: 50, MaxPageSize: 500, DefaultDLTLimit: 50, MaxDLTLimit: 500},
		tracking: common.NewMemoryTrackingStore(),
	}
}

func TestHandleStatus_UnknownBatchReturns404(t *testing.T) {
	s := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tickets/bulk/status/BATCH-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues("BATCH-1")

	err := s.handleStatus(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", httpErr.Code)
	}
}

func TestHandleStatus_KnownBatchReturnsSnapshot(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	if err := s.tracking.Initialize(ctx, "BATCH-1", 2, 10, "system", "file.csv"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tickets/bulk/status/BATCH-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues("BATCH-1")

	if err := s.handleStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestHandleCancel_IsIdempotent(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	if err := s.tracking.Initialize(ctx, "BATCH-1", 2, 10, "system", "file.csv"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	for i := 0; i < 2; i++ {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/tickets/bulk/cancel/BATCH-1?reason=test", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("batchId")
		c.SetParamValues("BATCH-1")

		if err := s.handleCancel(c); err != nil {
			t.Fatalf("cancel attempt %d: %v", i, err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("attempt %d: got status %d, want 200", i, rec.Code)
		}
	}
}

func TestHandleCancel_UnknownBatchReturns404(t *testing.T) {
	s := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/bulk/cancel/NOPE", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues("NOPE")

	err := s.handleCancel(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", httpErr.Code)
	}
}

func TestHandleDLT_RequiresTopicParam(t *testing.T) {
	s := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tickets/bulk/dlt", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.handleDLT(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", httpErr.Code)
	}
}

func TestHandleDLTReprocess_AlwaysReturns501(t *testing.T) {
	s := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/bulk/dlt/topic/key/reprocess", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.handleDLTReprocess(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusNotImplemented {
		t.Errorf("got status %d, want 501", httpErr.Code)
	}
}

func TestHandleActive_ListsInitializedBatches(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	if err := s.tracking.Initialize(ctx, "BATCH-1", 1, 1, "system", "a.csv"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tickets/bulk/active", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := s.handleActive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}
