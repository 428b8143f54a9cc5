package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/models"
)

const paymentColumns = `id, client_id, operation_id, installment_id, amount, currency, method, reference, meta, paid_at`

const alertColumns = `id, operation_id, type, template, send_at, enabled, meta, created_at, deleted_at`

// CreatePayment appends a payment. There is no update or delete counterpart.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	meta, err := encodeMeta(p.Meta)
	if err != nil {
		return err
	}
	var installmentID sql.NullString
	if p.InstallmentID != nil {
		installmentID = sql.NullString{String: p.InstallmentID.String(), Valid: true}
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.ClientID.String(), p.OperationID.String(), installmentID, p.Amount, p.Currency,
		p.Method, p.Reference, meta, p.PaidAt.UTC(),
	)
	if err != nil {
		return storageErr("create payment", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("payment", id)
		}
		return nil, storageErr("get payment", err)
	}
	return p, nil
}

// ListPaymentsForOperation returns every payment of an operation, soft-deleted or not, oldest first.
func (s *SQLiteStore) ListPaymentsForOperation(ctx context.Context, operationID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(ctx, "list payments for operation",
		`SELECT `+paymentColumns+` FROM payments WHERE operation_id = ? ORDER BY paid_at ASC`, operationID.String())
}

// ListPaymentsForInstallment returns the payments allocated to one installment.
func (s *SQLiteStore) ListPaymentsForInstallment(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(ctx, "list payments for installment",
		`SELECT `+paymentColumns+` FROM payments WHERE installment_id = ? ORDER BY paid_at ASC`, installmentID.String())
}

func (s *SQLiteStore) queryPayments(ctx context.Context, op, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storageErr("scan payment row", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p             models.Payment
		installmentID uuid.NullUUID
		meta          sql.NullString
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.OperationID, &installmentID, &p.Amount, &p.Currency,
		&p.Method, &p.Reference, &meta, &p.PaidAt)
	if err != nil {
		return nil, err
	}
	if installmentID.Valid {
		id := installmentID.UUID
		p.InstallmentID = &id
	}
	if p.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateAlert inserts an alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	meta, err := encodeMeta(a.Meta)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.OperationID.String(), a.Type, a.Template, a.SendAt.UTC(), a.Enabled, meta,
		a.CreatedAt.UTC(), nullTime(a.DeletedAt),
	)
	if err != nil {
		return storageErr("create alert", err)
	}
	return nil
}

// GetAlert retrieves an alert by its ID.
func (s *SQLiteStore) GetAlert(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	a, err := scanAlert(s.q.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("alert", id)
		}
		return nil, storageErr("get alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts ordered by send time.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if filter.OperationID != nil {
		conds = append(conds, "operation_id = ?")
		args = append(args, filter.OperationID.String())
	}
	if filter.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY send_at ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storageErr("scan alert row", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list alerts", err)
	}
	return alerts, nil
}

// UpdateAlert writes an alert's mutable columns.
func (s *SQLiteStore) UpdateAlert(ctx context.Context, a *models.Alert) error {
	meta, err := encodeMeta(a.Meta)
	if err != nil {
		return err
	}
	result, err := s.q.ExecContext(ctx,
		`UPDATE alerts SET type = ?, template = ?, send_at = ?, enabled = ?, meta = ? WHERE id = ? AND deleted_at IS NULL`,
		a.Type, a.Template, a.SendAt.UTC(), a.Enabled, meta, a.ID.String(),
	)
	if err != nil {
		return storageErr("update alert", err)
	}
	return expectOne(result, "alert", a.ID)
}

// SoftDeleteAlert stamps deleted_at on an alert.
func (s *SQLiteStore) SoftDeleteAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE alerts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, at.UTC(), id.String())
	if err != nil {
		return storageErr("delete alert", err)
	}
	return expectOne(result, "alert", id)
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a         models.Alert
		meta      sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OperationID, &a.Type, &a.Template, &a.SendAt, &a.Enabled, &meta, &a.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	a.DeletedAt = timePtr(deletedAt)
	if a.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

// CountFeatureUsage counts usage rows in one (account, plan feature, period) bucket.
func (s *SQLiteStore) CountFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feature_usages WHERE account_id = ? AND plan_feature_id = ? AND period = ?`,
		accountID.String(), planFeatureID.String(), period,
	).Scan(&n)
	if err != nil {
		return 0, storageErr("count feature usage", err)
	}
	return n, nil
}

// CreateFeatureUsage appends a usage row.
func (s *SQLiteStore) CreateFeatureUsage(ctx context.Context, u *models.FeatureUsage) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO feature_usages (id, account_id, plan_feature_id, operation_id, period, usage_date) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.AccountID.String(), u.PlanFeatureID.String(), u.OperationID.String(), u.Period, u.UsageDate.UTC(),
	)
	if err != nil {
		return storageErr("create feature usage", err)
	}
	return nil
}

// DeleteFeatureUsage clears one usage bucket and reports how many rows went.
func (s *SQLiteStore) DeleteFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM feature_usages WHERE account_id = ? AND plan_feature_id = ? AND period = ?`,
		accountID.String(), planFeatureID.String(), period,
	)
	if err != nil {
		return 0, storageErr("delete feature usage", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("delete feature usage", err)
	}
	return n, nil
}
