package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
)

// handleStatus is GET /api/tickets/bulk/status/{batchId}. The status
// returned is whatever C7 has stored; it is never recomputed here from a
// chunk list, per spec.md §4.7.
func (s *Server) handleStatus(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batchId required")
	}

	state, found, err := s.tracking.Get(c.Request().Context(), batchID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch batch status")
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}

	return c.JSON(http.StatusOK, state)
}

// handleFailures is GET /api/tickets/bulk/failures/{batchId}?page=&size=,
// zero-indexed pages of default size 50 per spec.md §4.7.
func (s *Server) handleFailures(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batchId required")
	}

	page, err := parseNonNegativeIntParam(c, "page", 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	size, err := parseBoundedIntParam(c, "size", s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	failures, err := s.tracking.ListFailures(ctx, batchID, page*size, size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch failures")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"batchId":  batchID,
		"page":     page,
		"size":     size,
		"failures": failures,
		"count":    len(failures),
	})
}

// handleActive is GET /api/tickets/bulk/active.
func (s *Server) handleActive(c echo.Context) error {
	ctx := c.Request().Context()
	batchIDs, err := s.tracking.ListActive(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list active batches")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"batchIds": batchIDs,
		"count":    len(batchIDs),
	})
}

// handleCancel is POST /api/tickets/bulk/cancel/{batchId}?reason=. Cancel is
// advisory: it flips stored status and is polled for at chunk entry by the
// consumer worker pool (C4); it never interrupts in-flight record
// processing. Idempotent — cancelling an already-cancelled or already-
// terminal batch is not an error.
func (s *Server) handleCancel(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batchId required")
	}
	reason := c.QueryParam("reason")
	if strings.TrimSpace(reason) == "" {
		reason = "requested via query facade"
	}

	ctx := c.Request().Context()
	applied, err := s.tracking.Cancel(ctx, batchID, reason)
	if err != nil {
		if errors.Is(err, common.ErrBatchNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "batch not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel batch")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"batchId": batchID,
		"applied": applied,
	})
}

// handleDLT is GET /api/tickets/bulk/dlt?topic=&limit=.
func (s *Server) handleDLT(c echo.Context) error {
	topic := strings.TrimSpace(c.QueryParam("topic"))
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic query param required")
	}

	limit, err := parseBoundedIntParam(c, "limit", s.cfg.DefaultDLTLimit, s.cfg.MaxDLTLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	records, err := s.tracking.ListDLT(ctx, topic, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch dead-letter records")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"topic":   topic,
		"records": records,
		"count":   len(records),
	})
}

// handleDLTReprocess is POST /api/tickets/bulk/dlt/{topic}/{key}/reprocess.
// Open question §9: no reprocessing policy is defined yet, so this always
// reports 501 rather than silently accepting a request it cannot fulfil.
func (s *Server) handleDLTReprocess(c echo.Context) error {
	return echo.NewHTTPError(http.StatusNotImplemented, map[string]any{
		"errorCode": "REPROCESSING_NOT_SUPPORTED",
		"message":   "dead-letter reprocessing policy is not yet defined",
	})
}

func parseNonNegativeIntParam(c echo.Context, name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func parseBoundedIntParam(c echo.Context, name string, defaultValue, maxValue int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		if maxValue > 0 && defaultValue > maxValue {
			return maxValue, nil
		}
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	if maxValue > 0 && value > maxValue {
		return maxValue, nil
	}
	return value, nil
}
