package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/calc"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// Balance summarizes what an operation owes and what has been received.
// Paid includes floating payments that are not allocated to any installment.
type Balance struct {
	OperationID         uuid.UUID       `json:"operation_id"`
	Currency            string          `json:"currency"`
	Scheduled           decimal.Decimal `json:"scheduled"`
	Paid                decimal.Decimal `json:"paid"`
	Allocated           decimal.Decimal `json:"allocated"`
	Floating            decimal.Decimal `json:"floating"`
	Outstanding         decimal.Decimal `json:"outstanding"`
	PaidInstallments    int             `json:"paid_installments"`
	PendingInstallments int             `json:"pending_installments"`
}

// RegisterPayment appends a payment to an operation. When an installment is named, its
// payments are summed inside the same transaction and the installment becomes PAID once
// the sum reaches its amount. Paying the last open installment closes the operation.
func (l *Ledger) RegisterPayment(ctx context.Context, in RegisterPaymentInput) (*models.Payment, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}
	amount := calc.Round2(in.Amount)
	if amount.IsZero() {
		return nil, apperrors.NewValidation("amount", "must not round to zero")
	}

	var (
		payment    *models.Payment
		paidInst   *models.Installment
		closedOpID *uuid.UUID
	)
	err := l.storage.WithTx(ctx, func(r store.Repositories) error {
		op, err := r.GetOperation(ctx, in.OperationID, false)
		if err != nil {
			return err
		}

		var inst *models.Installment
		if in.InstallmentID != nil {
			inst = findInstallment(op.Installments, *in.InstallmentID)
			if inst == nil {
				return apperrors.NotFound("installment", in.InstallmentID)
			}
		}

		now := l.now()
		payment = &models.Payment{
			ID:            uuid.New(),
			ClientID:      op.ClientID,
			OperationID:   op.ID,
			InstallmentID: in.InstallmentID,
			Amount:        amount,
			Currency:      op.Currency,
			Method:        in.Method,
			Reference:     in.Reference,
			Meta:          in.Meta,
			PaidAt:        now,
		}
		if in.ClientID != nil {
			client, err := r.GetClient(ctx, *in.ClientID)
			if err != nil {
				return err
			}
			if client.AccountID != op.AccountID {
				return apperrors.NewValidation("client_id", "client does not belong to the operation's account")
			}
			payment.ClientID = client.ID
		}
		if in.PaidAt != nil {
			payment.PaidAt = in.PaidAt.UTC()
		}
		if err := r.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if inst == nil || inst.Status.Terminal() {
			return nil
		}

		payments, err := r.ListPaymentsForInstallment(ctx, inst.ID)
		if err != nil {
			return err
		}
		if sumPayments(payments).LessThan(inst.Amount) {
			return nil
		}

		inst.Status = models.InstallmentStatusPaid
		inst.PaidAt = &now
		inst.UpdatedAt = now
		if err := r.UpdateInstallment(ctx, inst); err != nil {
			return err
		}
		paidInst = inst

		closed, err := l.closeIfSettled(ctx, r, op)
		if err != nil {
			return err
		}
		if closed {
			closedOpID = &op.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.PaymentRegistered(payment.Method, payment.InstallmentID != nil)
	l.logger.WithFields(logrus.Fields{
		"payment_id":   payment.ID,
		"operation_id": payment.OperationID,
		"amount":       payment.Amount.StringFixed(2),
		"method":       payment.Method,
	}).Info("Payment registered")
	if paidInst != nil {
		l.metrics.InstallmentPaid()
		l.logger.WithFields(logrus.Fields{
			"installment_id": paidInst.ID,
			"number":         paidInst.Number,
		}).Info("Installment paid")
	}
	if closedOpID != nil {
		l.metrics.OperationClosed()
		l.logger.WithField("operation_id", *closedOpID).Info("Operation closed")
	}
	return payment, nil
}

// ListPayments returns the payment history of an operation, including soft-deleted ones.
func (l *Ledger) ListPayments(ctx context.Context, operationID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetOperation(ctx, operationID, true); err != nil {
		return nil, err
	}
	payments, err := l.storage.ListPaymentsForOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	return payments, nil
}

// OperationBalance derives totals from the schedule and the payment history.
// Cancelled installments are not part of the scheduled total.
func (l *Ledger) OperationBalance(ctx context.Context, operationID uuid.UUID) (*Balance, error) {
	op, err := l.storage.GetOperation(ctx, operationID, false)
	if err != nil {
		return nil, err
	}
	payments, err := l.storage.ListPaymentsForOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}

	b := &Balance{
		OperationID: op.ID,
		Currency:    op.Currency,
		Scheduled:   decimal.Zero,
		Allocated:   decimal.Zero,
		Floating:    decimal.Zero,
	}
	for _, inst := range op.Installments {
		switch inst.Status {
		case models.InstallmentStatusCancelled:
			continue
		case models.InstallmentStatusPaid:
			b.PaidInstallments++
		default:
			b.PendingInstallments++
		}
		b.Scheduled = b.Scheduled.Add(inst.Amount)
	}
	for _, p := range payments {
		if p.InstallmentID != nil {
			b.Allocated = b.Allocated.Add(p.Amount)
		} else {
			b.Floating = b.Floating.Add(p.Amount)
		}
	}
	b.Paid = b.Allocated.Add(b.Floating)
	b.Outstanding = decimal.Max(b.Scheduled.Sub(b.Paid), decimal.Zero)
	return b, nil
}

// closeIfSettled marks an active operation CLOSED when at least one installment is paid
// and every other one is paid or cancelled.
func (l *Ledger) closeIfSettled(ctx context.Context, r store.Repositories, op *models.Operation) (bool, error) {
	if op.Status != models.OperationStatusActive {
		return false, nil
	}
	paid := 0
	for _, inst := range op.Installments {
		switch inst.Status {
		case models.InstallmentStatusPaid:
			paid++
		case models.InstallmentStatusCancelled:
		default:
			return false, nil
		}
	}
	if paid == 0 {
		return false, nil
	}
	op.Status = models.OperationStatusClosed
	op.UpdatedAt = l.now()
	if err := r.UpdateOperation(ctx, op); err != nil {
		return false, err
	}
	return true, nil
}

func findInstallment(installments []*models.Installment, id uuid.UUID) *models.Installment {
	for _, inst := range installments {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

func sumPayments(payments []*models.Payment) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	return sum
}
