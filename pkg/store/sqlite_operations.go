package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/models"
)

const operationColumns = `id, account_id, client_id, type, title, description, currency, principal_amount, entry_amount, interest_rate, installments, frequency, start_date, due_date, status, resource_ref, meta, created_at, updated_at, deleted_at`

const installmentColumns = `id, operation_id, number, due_date, amount, principal, interest, status, paid_at, notes, created_at, updated_at`

// CreateOperation inserts an operation and its installments. Callers wanting atomicity
// run it inside WithTx; outside a transaction it opens its own.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *models.Operation) error {
	if s.tx == nil {
		return s.WithTx(ctx, func(r Repositories) error {
			return r.CreateOperation(ctx, op)
		})
	}

	meta, err := encodeMeta(op.Meta)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID.String(), op.AccountID.String(), op.ClientID.String(), op.Type, op.Title, op.Description, op.Currency,
		op.PrincipalAmount, op.EntryAmount, op.InterestRate, op.InstallmentCount, op.Frequency,
		op.StartDate.UTC(), nullTime(op.DueDate), op.Status, op.ResourceRef, meta,
		op.CreatedAt.UTC(), op.UpdatedAt.UTC(), nullTime(op.DeletedAt),
	)
	if err != nil {
		return storageErr("create operation", err)
	}

	for _, inst := range op.Installments {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO installments (`+installmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), op.ID.String(), inst.Number, inst.DueDate.UTC(), inst.Amount, inst.Principal, inst.Interest,
			inst.Status, nullTime(inst.PaidAt), inst.Notes, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
		)
		if err != nil {
			return storageErr("create installment", err)
		}
	}
	return nil
}

// GetOperation retrieves an operation with its installments ordered by due date.
func (s *SQLiteStore) GetOperation(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	op, err := scanOperation(s.q.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("operation", id)
		}
		return nil, storageErr("get operation", err)
	}

	op.Installments, err = s.ListInstallments(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListOperations returns one page of operations, newest first, and the total match count.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*models.Operation, int, error) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if filter.AccountID != nil {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID.String())
	}
	if filter.ClientID != nil {
		conds = append(conds, "client_id = ?")
		args = append(args, filter.ClientID.String())
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count operations", err)
	}

	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, storageErr("list operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, storageErr("scan operation row", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("iterate operations", err)
	}
	rows.Close()

	for _, op := range ops {
		if op.Installments, err = s.ListInstallments(ctx, op.ID); err != nil {
			return nil, 0, err
		}
	}
	return ops, total, nil
}

// UpdateOperation writes the mutable columns of an operation. Schedule and amounts are never touched.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *models.Operation) error {
	meta, err := encodeMeta(op.Meta)
	if err != nil {
		return err
	}
	result, err := s.q.ExecContext(ctx,
		`UPDATE operations SET title = ?, description = ?, status = ?, meta = ?, resource_ref = ?, due_date = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		op.Title, op.Description, op.Status, meta, op.ResourceRef, nullTime(op.DueDate), op.UpdatedAt.UTC(), op.ID.String(),
	)
	if err != nil {
		return storageErr("update operation", err)
	}
	return expectOne(result, "operation", op.ID)
}

// SoftDeleteOperation stamps deleted_at. Installments, payments and alerts are kept.
func (s *SQLiteStore) SoftDeleteOperation(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE operations SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), at.UTC(), id.String(),
	)
	if err != nil {
		return storageErr("delete operation", err)
	}
	return expectOne(result, "operation", id)
}

// CountActiveOperations counts the account's operations that are not soft-deleted.
func (s *SQLiteStore) CountActiveOperations(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE account_id = ? AND deleted_at IS NULL`, accountID.String(),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("count operations", err)
	}
	return n, nil
}

// GetInstallment retrieves an installment by its ID.
func (s *SQLiteStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	inst, err := scanInstallment(s.q.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = ? AND deleted_at IS NULL`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("installment", id)
		}
		return nil, storageErr("get installment", err)
	}
	return inst, nil
}

// ListInstallments returns an operation's installments ordered by due date.
func (s *SQLiteStore) ListInstallments(ctx context.Context, operationID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE operation_id = ? AND deleted_at IS NULL ORDER BY due_date ASC, number ASC`,
		operationID.String())
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list installments for operation %s", operationID), err)
	}
	defer rows.Close()

	var insts []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, storageErr("scan installment row", err)
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate installments", err)
	}
	return insts, nil
}

// UpdateInstallment writes an installment's mutable columns.
func (s *SQLiteStore) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE installments SET due_date = ?, amount = ?, status = ?, paid_at = ?, notes = ?, updated_at = ? WHERE id = ?`,
		inst.DueDate.UTC(), inst.Amount, inst.Status, nullTime(inst.PaidAt), inst.Notes, inst.UpdatedAt.UTC(), inst.ID.String(),
	)
	if err != nil {
		return storageErr("update installment", err)
	}
	return expectOne(result, "installment", inst.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op        models.Operation
		dueDate   sql.NullTime
		deletedAt sql.NullTime
		meta      sql.NullString
	)
	err := row.Scan(&op.ID, &op.AccountID, &op.ClientID, &op.Type, &op.Title, &op.Description, &op.Currency,
		&op.PrincipalAmount, &op.EntryAmount, &op.InterestRate, &op.InstallmentCount, &op.Frequency,
		&op.StartDate, &dueDate, &op.Status, &op.ResourceRef, &meta, &op.CreatedAt, &op.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	op.DueDate = timePtr(dueDate)
	op.DeletedAt = timePtr(deletedAt)
	if op.Meta, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &op, nil
}

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var (
		inst   models.Installment
		paidAt sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.OperationID, &inst.Number, &inst.DueDate, &inst.Amount, &inst.Principal, &inst.Interest,
		&inst.Status, &paidAt, &inst.Notes, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.PaidAt = timePtr(paidAt)
	return &inst, nil
}

func expectOne(result sql.Result, entity string, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound(entity, id)
	}
	return nil
}
