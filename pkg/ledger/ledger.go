// Package ledger creates and maintains operations, their installment schedules,
// the payments allocated against them and the alerts tied to them.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/calc"
	"github.com/mcclellann/opledger/pkg/metrics"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/quota"
	"github.com/mcclellann/opledger/pkg/schedule"
	"github.com/mcclellann/opledger/pkg/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Options tune ledger behavior.
type Options struct {
	DefaultCurrency string
	// EnforceFeatureQuota adds the per-feature gate to operation creation.
	EnforceFeatureQuota bool
}

// Ledger handles the business logic for operations, installments, payments and alerts.
type Ledger struct {
	storage   store.Storage
	quota     *quota.Evaluator
	generator *schedule.Generator
	validate  *validator.Validate
	logger    *logrus.Logger
	metrics   *metrics.Collector
	opts      Options
	now       func() time.Time
}

// NewLedger creates a new Ledger. metrics may be nil.
func NewLedger(s store.Storage, q *quota.Evaluator, g *schedule.Generator, logger *logrus.Logger, m *metrics.Collector, opts Options) *Ledger {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "BRL"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		storage:   s,
		quota:     q,
		generator: g,
		validate:  newValidator(),
		logger:    logger,
		metrics:   m,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OperationPage is one page of ListOperations.
type OperationPage struct {
	Items      []*models.Operation `json:"items"`
	Pagination Pagination          `json:"pagination"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// CreateOperation validates the terms, passes the quota gates, generates the schedule and
// persists the operation with its installments in one transaction.
func (l *Ledger) CreateOperation(ctx context.Context, in CreateOperationInput) (*models.Operation, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}

	entry := decimal.Zero
	if in.EntryAmount != nil {
		entry = calc.Round2(*in.EntryAmount)
	}
	rate := decimal.Zero
	if in.InterestRate != nil {
		rate = *in.InterestRate
	}
	principal := calc.Round2(in.Principal)
	if entry.GreaterThanOrEqual(principal) {
		return nil, apperrors.NewValidation("entry_amount", "must be lower than principal_amount")
	}

	installments, err := l.generator.Generate(schedule.Terms{
		StartDate:    in.StartDate,
		Frequency:    in.Frequency,
		Count:        in.Installments,
		Principal:    principal,
		EntryAmount:  entry,
		InterestRate: rate,
	})
	if err != nil {
		return nil, apperrors.NewValidation("schedule", err.Error())
	}

	now := l.now()
	op := &models.Operation{
		ID:               uuid.New(),
		AccountID:        in.AccountID,
		ClientID:         in.ClientID,
		Type:             in.Type,
		Title:            in.Title,
		Description:      in.Description,
		Currency:         l.opts.DefaultCurrency,
		PrincipalAmount:  principal,
		InstallmentCount: in.Installments,
		Frequency:        in.Frequency,
		StartDate:        in.StartDate.UTC(),
		DueDate:          in.DueDate,
		Status:           models.OperationStatusActive,
		ResourceRef:      in.ResourceRef,
		Meta:             in.Meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.Currency != "" {
		op.Currency = strings.ToUpper(in.Currency)
	}
	if in.Status != "" {
		op.Status = in.Status
	}
	if entry.IsPositive() {
		op.EntryAmount = decimal.NewNullDecimal(entry)
	}
	if rate.IsPositive() {
		op.InterestRate = decimal.NewNullDecimal(rate)
	}
	for _, inst := range installments {
		inst.ID = uuid.New()
		inst.OperationID = op.ID
		inst.CreatedAt = now
		inst.UpdatedAt = now
	}
	op.Installments = installments

	err = l.storage.WithTx(ctx, func(r store.Repositories) error {
		account, err := r.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		client, err := r.GetClient(ctx, in.ClientID)
		if err != nil {
			return err
		}
		if client.AccountID != account.ID {
			return apperrors.NewValidation("client_id", "client does not belong to the account")
		}

		if err := l.quota.RequireOperationSlot(ctx, r, account.ID); err != nil {
			return err
		}
		if l.opts.EnforceFeatureQuota {
			if _, err := l.quota.CheckFeatureLimit(ctx, r, account.ID, op.Type, op.Meta); err != nil {
				return err
			}
		}

		if err := r.CreateOperation(ctx, op); err != nil {
			return err
		}
		if err := l.quota.RecordFeatureUsage(ctx, r, account.ID, op.ID, op.Type, op.Meta); err != nil {
			return err
		}
		op.Account = account
		op.Client = client
		return nil
	})
	if err != nil {
		var q *apperrors.QuotaExceededError
		if errors.As(err, &q) {
			l.metrics.QuotaRejected(q.Gate, q.Reason)
			l.logger.WithFields(logrus.Fields{
				"account_id": in.AccountID,
				"gate":       q.Gate,
				"reason":     q.Reason,
				"current":    q.Current,
			}).Warn("Operation creation refused by quota")
		}
		return nil, err
	}

	l.metrics.OperationCreated(string(op.Type))
	l.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"account_id":   op.AccountID,
		"type":         op.Type,
		"installments": len(op.Installments),
		"principal":    op.PrincipalAmount.StringFixed(2),
	}).Info("Operation created")
	return op, nil
}

// GetOperation retrieves an operation with its installments, account and client.
func (l *Ledger) GetOperation(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Operation, error) {
	op, err := l.storage.GetOperation(ctx, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if op.Account, err = l.storage.GetAccount(ctx, op.AccountID); err != nil {
		return nil, err
	}
	if op.Client, err = l.storage.GetClient(ctx, op.ClientID); err != nil {
		return nil, err
	}
	return op, nil
}

// ListOperations returns one page of operations matching the filter, newest first.
func (l *Ledger) ListOperations(ctx context.Context, filter store.OperationFilter) (*OperationPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	ops, total, err := l.storage.ListOperations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []*models.Operation{}
	}
	return &OperationPage{
		Items: ops,
		Pagination: Pagination{
			Page:       filter.Page,
			Limit:      filter.Limit,
			Total:      total,
			TotalPages: (total + filter.Limit - 1) / filter.Limit,
		},
	}, nil
}

// UpdateOperation applies the mutable fields. Principal, terms and the schedule never change.
func (l *Ledger) UpdateOperation(ctx context.Context, id uuid.UUID, in UpdateOperationInput) (*models.Operation, error) {
	if err := l.validateInput(in); err != nil {
		return nil, err
	}

	var op *models.Operation
	err := l.storage.WithTx(ctx, func(r store.Repositories) error {
		var err error
		op, err = r.GetOperation(ctx, id, false)
		if err != nil {
			return err
		}
		if in.Title != nil {
			op.Title = *in.Title
		}
		if in.Description != nil {
			op.Description = *in.Description
		}
		if in.Status != nil {
			op.Status = *in.Status
		}
		if in.Meta != nil {
			op.Meta = in.Meta
		}
		if in.ResourceRef != nil {
			op.ResourceRef = *in.ResourceRef
		}
		if in.DueDate != nil {
			due := in.DueDate.UTC()
			op.DueDate = &due
		}
		op.UpdatedAt = l.now()
		return r.UpdateOperation(ctx, op)
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{"operation_id": op.ID, "status": op.Status}).Info("Operation updated")
	return op, nil
}

// DeleteOperation soft-deletes an operation. Installments, payments and alerts are kept.
func (l *Ledger) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	if err := l.storage.SoftDeleteOperation(ctx, id, l.now()); err != nil {
		return err
	}
	l.logger.WithField("operation_id", id).Info("Operation deleted")
	return nil
}

// CheckOperationLimit reports whether the account may create another operation.
func (l *Ledger) CheckOperationLimit(ctx context.Context, accountID uuid.UUID) (quota.LimitCheck, error) {
	return l.quota.CheckOperationLimit(ctx, accountID)
}

// AccountFeatureLimits lists the account's plan features with current usage.
func (l *Ledger) AccountFeatureLimits(ctx context.Context, accountID uuid.UUID) ([]quota.FeatureLimit, error) {
	return l.quota.AccountFeatureLimits(ctx, accountID)
}

// ResetFeatureUsage clears one usage bucket of a plan feature.
func (l *Ledger) ResetFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int64, error) {
	return l.quota.ResetFeatureUsage(ctx, accountID, planFeatureID, period)
}
