package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/errs"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting Postgres reuse
// its query methods whether or not it is bound to a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres implements Store over database/sql + lib/pq, the relational
// analogue of the corpus's DynamoDB-backed SagaStateStore: the unique
// index on order_id is the create-time duplicate guard, and the version
// column is the optimistic-concurrency check save() runs on every update.
type Postgres struct {
	db     *sql.DB
	exec   execer
	logger *zap.Logger
}

// NewPostgres wraps an already-open *sql.DB. Callers configure pool
// limits such as MaxOpenConns from internal/config before handing it in.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, exec: db, logger: logger}
}

const sagaColumns = `saga_id, order_id, customer_id, order_number, total_amount_minor, total_amount_currency,
	status, current_step, payment_id, inventory_reservation_id, shipping_id,
	order_items, shipping_address, billing_address, retry_count, max_retries, error_message,
	correlation_id, created_at, updated_at, completed_at, version`

func (p *Postgres) Create(ctx context.Context, saga *domain.Saga) error {
	const query = `INSERT INTO order_processing_saga (` + sagaColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

	_, err := p.exec.ExecContext(ctx, query,
		saga.SagaID, saga.OrderID, saga.CustomerID, saga.OrderNumber,
		saga.TotalAmount.MinorUnits, saga.TotalAmount.Currency,
		saga.Status, saga.CurrentStep,
		saga.PaymentID, saga.InventoryReservationID, saga.ShippingID,
		saga.OrderItems, saga.ShippingAddress, saga.BillingAddress,
		saga.RetryCount, saga.MaxRetries, saga.ErrorMessage,
		saga.CorrelationID, saga.CreatedAt, saga.UpdatedAt, saga.CompletedAt, saga.Version,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return errs.Wrap(errs.AlreadyExists, fmt.Sprintf("saga already exists for order %s", saga.OrderID), err)
		}
		return errs.Wrap(errs.TransientIO, "inserting saga row", err)
	}
	return nil
}

func (p *Postgres) FindByOrderID(ctx context.Context, orderID string) (*domain.Saga, error) {
	const query = `SELECT ` + sagaColumns + ` FROM order_processing_saga WHERE order_id = $1`
	row := p.exec.QueryRowContext(ctx, query, orderID)
	saga, err := scanSaga(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("no saga for order %s", orderID))
		}
		return nil, errs.Wrap(errs.TransientIO, "querying saga by order id", err)
	}
	return saga, nil
}

func (p *Postgres) Save(ctx context.Context, saga *domain.Saga) error {
	const query = `UPDATE order_processing_saga SET
		customer_id = $3, order_number = $4, total_amount_minor = $5, total_amount_currency = $6,
		status = $7, current_step = $8, payment_id = $9, inventory_reservation_id = $10, shipping_id = $11,
		order_items = $12, shipping_address = $13, billing_address = $14,
		retry_count = $15, max_retries = $16, error_message = $17, completed_at = $18
		WHERE saga_id = $1 AND version = $2
		RETURNING updated_at, version`

	row := p.exec.QueryRowContext(ctx, query,
		saga.SagaID, saga.Version,
		saga.CustomerID, saga.OrderNumber, saga.TotalAmount.MinorUnits, saga.TotalAmount.Currency,
		saga.Status, saga.CurrentStep, saga.PaymentID, saga.InventoryReservationID, saga.ShippingID,
		saga.OrderItems, saga.ShippingAddress, saga.BillingAddress,
		saga.RetryCount, saga.MaxRetries, saga.ErrorMessage, saga.CompletedAt,
	)

	var updatedAt time.Time
	var version int
	if err := row.Scan(&updatedAt, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.Conflict, fmt.Sprintf("saga %s version mismatch", saga.SagaID))
		}
		return errs.Wrap(errs.TransientIO, "saving saga row", err)
	}
	saga.UpdatedAt = updatedAt
	saga.Version = version
	return nil
}

func (p *Postgres) Delete(ctx context.Context, saga *domain.Saga) error {
	const query = `DELETE FROM order_processing_saga WHERE saga_id = $1`
	result, err := p.exec.ExecContext(ctx, query, saga.SagaID)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "deleting saga row", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.TransientIO, "reading rows affected after delete", err)
	}
	if rows == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("no saga %s to delete", saga.SagaID))
	}
	return nil
}

func (p *Postgres) FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) ([]*domain.Saga, error) {
	const query = `SELECT ` + sagaColumns + ` FROM order_processing_saga
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC`

	rows, err := p.exec.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), olderThan)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "querying stuck sagas", err)
	}
	defer rows.Close()

	var out []*domain.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "scanning stuck saga row", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.TransientIO, "iterating stuck sagas", err)
	}
	return out, nil
}

func (p *Postgres) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	const query = `SELECT COUNT(*) FROM order_processing_saga WHERE status = $1`
	var count int64
	if err := p.exec.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, errs.Wrap(errs.TransientIO, "counting sagas by status", err)
	}
	return count, nil
}

func (p *Postgres) CountByStatusIn(ctx context.Context, statuses []domain.Status) (int64, error) {
	const query = `SELECT COUNT(*) FROM order_processing_saga WHERE status = ANY($1)`
	var count int64
	if err := p.exec.QueryRowContext(ctx, query, pq.Array(statusStrings(statuses))).Scan(&count); err != nil {
		return 0, errs.Wrap(errs.TransientIO, "counting sagas by status set", err)
	}
	return count, nil
}

func (p *Postgres) CountStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM order_processing_saga WHERE status = ANY($1) AND updated_at < $2`
	var count int64
	if err := p.exec.QueryRowContext(ctx, query, pq.Array(statusStrings(statuses)), olderThan).Scan(&count); err != nil {
		return 0, errs.Wrap(errs.TransientIO, "counting stuck sagas", err)
	}
	return count, nil
}

// WithTx binds a new Postgres to a transaction and runs fn, committing on a
// nil return and rolling back otherwise. This is how the coordinator makes
// reload-mutate-save one atomic unit per event.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "beginning transaction", err)
	}

	txStore := &Postgres{db: p.db, exec: tx, logger: p.logger}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Warn("rolling back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransientIO, "committing transaction", err)
	}
	return nil
}

// AppendEventLog inserts one row into the saga_event_log audit table per
// processed event (SPEC_FULL.md §5).
func (p *Postgres) AppendEventLog(ctx context.Context, sagaID, eventType string, payload []byte, correlationID string, status string, receivedAt time.Time) error {
	const query = `INSERT INTO saga_event_log (saga_id, event_type, payload, correlation_id, processing_status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := p.exec.ExecContext(ctx, query, sagaID, eventType, payload, correlationID, status, receivedAt)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "appending saga event log row", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row scanner) (*domain.Saga, error) {
	saga := &domain.Saga{}
	var minorUnits int64
	var currency string

	if err := row.Scan(
		&saga.SagaID, &saga.OrderID, &saga.CustomerID, &saga.OrderNumber,
		&minorUnits, &currency,
		&saga.Status, &saga.CurrentStep, &saga.PaymentID, &saga.InventoryReservationID, &saga.ShippingID,
		&saga.OrderItems, &saga.ShippingAddress, &saga.BillingAddress,
		&saga.RetryCount, &saga.MaxRetries, &saga.ErrorMessage,
		&saga.CorrelationID, &saga.CreatedAt, &saga.UpdatedAt, &saga.CompletedAt, &saga.Version,
	); err != nil {
		return nil, err
	}
	saga.TotalAmount = domain.Money{MinorUnits: minorUnits, Currency: currency}
	return saga, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal Create maps to errs.AlreadyExists.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
