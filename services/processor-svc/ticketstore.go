package main

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
)

// TicketError carries a classified ErrorCode alongside the adapter's own
// error so C4's per-record classification (spec.md §4.3) does not have to
// re-derive the code from a bare error string.
type TicketError struct {
	Code common.ErrorCode
	Err  error
}

func (e *TicketError) Error() string { return e.Err.Error() }
func (e *TicketError) Unwrap() error { return e.Err }

// TicketStore is the C5 adapter: an idempotent, circuit-broken gateway onto
// the ticket table standing in for the external Record Processor contract.
// Every successful creation publishes a Created event on the post-commit
// bus (C8) so a single-ticket read cache can stay coherent.
type TicketStore struct {
	db      *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker[any]
	bus     *common.EventBus
}

func NewTicketStore(db *pgxpool.Pool, breaker *gobreaker.CircuitBreaker[any], bus *common.EventBus) *TicketStore {
	return &TicketStore{db: db, breaker: breaker, bus: bus}
}

// CreateTicket inserts rec idempotently keyed on business_key. A conflict is
// reported as ErrDuplicateTicket (non-retryable, per spec.md §7's P2xxx
// table), never silently swallowed, so the caller's skipped-count
// bookkeeping stays accurate.
func (s *TicketStore) CreateTicket(ctx context.Context, rec common.Record) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.insertTicket(ctx, rec)
	})
	return err
}

func (s *TicketStore) insertTicket(ctx context.Context, rec common.Record) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &TicketError{Code: common.ErrDatabaseError, Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var ticketID string
	err = tx.QueryRow(ctx,
		`INSERT INTO tickets (business_key, title, customer_id, description, status, priority, assignee_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (business_key) DO NOTHING
		 RETURNING id`,
		rec.BusinessKey, rec.Title, rec.CustomerID, rec.Description, rec.Status.String(), rec.Priority.String(), rec.AssigneeID,
	).Scan(&ticketID)

	if errors.Is(err, pgx.ErrNoRows) {
		return &TicketError{Code: common.ErrDuplicateTicket, Err: errors.New("business_key already exists")}
	}
	if err != nil {
		return &TicketError{Code: classifyPgError(err), Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &TicketError{Code: common.ErrDatabaseError, Err: err}
	}

	// Post-commit: deliver the Created event (C8) only now that the unit of
	// work has actually landed.
	s.bus.PublishCreated(ticketID, rec)
	return nil
}

func classifyPgError(err error) common.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.ErrTimeoutError
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return common.ErrDuplicateTicket
		case pgerrcode.ForeignKeyViolation, pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return common.ErrInvalidRowData
		}
	}
	return common.ErrDatabaseError
}
