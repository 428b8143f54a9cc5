package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/calc"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// allowedTransitions lists the status changes an administrative update may make.
// PAID is only reached through payments; PAID and CANCELLED are terminal.
var allowedTransitions = map[models.InstallmentStatus][]models.InstallmentStatus{
	models.InstallmentStatusPending: {models.InstallmentStatusLate, models.InstallmentStatusCancelled},
	models.InstallmentStatusLate:    {models.InstallmentStatusCancelled},
}

func canTransition(from, to models.InstallmentStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ListInstallments returns the schedule of a live operation ordered by due date.
func (l *Ledger) ListInstallments(ctx context.Context, operationID uuid.UUID) ([]*models.Installment, error) {
	op, err := l.storage.GetOperation(ctx, operationID, false)
	if err != nil {
		return nil, err
	}
	if op.Installments == nil {
		return []*models.Installment{}, nil
	}
	return op.Installments, nil
}

// UpdateInstallment applies an administrative edit to one installment of a live operation.
func (l *Ledger) UpdateInstallment(ctx context.Context, id uuid.UUID, in UpdateInstallmentInput) (*models.Installment, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}

	var (
		inst   *models.Installment
		from   models.InstallmentStatus
		closed bool
	)
	err := l.storage.WithTx(ctx, func(r store.Repositories) error {
		current, err := r.GetInstallment(ctx, id)
		if err != nil {
			return err
		}
		op, err := r.GetOperation(ctx, current.OperationID, false)
		if err != nil {
			return err
		}
		inst = findInstallment(op.Installments, id)
		if inst == nil {
			return apperrors.NotFound("installment", id)
		}
		from = inst.Status

		if in.Status != nil && *in.Status != inst.Status {
			if !canTransition(inst.Status, *in.Status) {
				return apperrors.NewValidation("status",
					fmt.Sprintf("cannot move installment from %s to %s", inst.Status, *in.Status))
			}
			inst.Status = *in.Status
		}
		if in.DueDate != nil {
			inst.DueDate = in.DueDate.UTC()
		}
		if in.Amount != nil {
			inst.Amount = calc.Round2(*in.Amount)
		}
		if in.Notes != nil {
			inst.Notes = *in.Notes
		}
		inst.UpdatedAt = l.now()
		if err := r.UpdateInstallment(ctx, inst); err != nil {
			return err
		}

		if inst.Status == models.InstallmentStatusCancelled && from != inst.Status {
			closed, err = l.closeIfSettled(ctx, r, op)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"installment_id": inst.ID,
		"operation_id":   inst.OperationID,
		"from":           from,
		"to":             inst.Status,
	}).Info("Installment updated")
	if closed {
		l.metrics.OperationClosed()
		l.logger.WithField("operation_id", inst.OperationID).Info("Operation closed")
	}
	return inst, nil
}
