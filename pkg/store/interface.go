package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/opledger/pkg/models"
)

// OperationFilter narrows ListOperations. Zero values mean "any".
type OperationFilter struct {
	AccountID      *uuid.UUID
	ClientID       *uuid.UUID
	Status         models.OperationStatus
	Type           models.OperationType
	IncludeDeleted bool
	Page           int
	Limit          int
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	OperationID    *uuid.UUID
	EnabledOnly    bool
	IncludeDeleted bool
}

// TenantRepository reads accounts, clients and plans. They are managed outside the ledger.
type TenantRepository interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// CatalogRepository reads the module/feature catalog and plan bindings.
type CatalogRepository interface {
	GetModuleByKey(ctx context.Context, key string) (*models.Module, error)
	// FirstActiveFeature returns the lowest sort-order active, non-deleted feature of a module.
	FirstActiveFeature(ctx context.Context, moduleID uuid.UUID) (*models.Feature, error)
	GetPlanFeature(ctx context.Context, planID, featureID uuid.UUID) (*models.PlanFeature, error)
	// ListPlanFeatures returns the plan's bindings with Feature and Module populated.
	ListPlanFeatures(ctx context.Context, planID uuid.UUID, enabledOnly bool) ([]*models.PlanFeature, error)
}

// OperationRepository persists operations. CreateOperation writes op.Installments as well.
type OperationRepository interface {
	CreateOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*models.Operation, int, error)
	UpdateOperation(ctx context.Context, op *models.Operation) error
	SoftDeleteOperation(ctx context.Context, id uuid.UUID, at time.Time) error
	CountActiveOperations(ctx context.Context, accountID uuid.UUID) (int, error)
}

type InstallmentRepository interface {
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	ListInstallments(ctx context.Context, operationID uuid.UUID) ([]*models.Installment, error)
	UpdateInstallment(ctx context.Context, inst *models.Installment) error
}

// PaymentRepository is append-only.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListPaymentsForOperation(ctx context.Context, operationID uuid.UUID) ([]*models.Payment, error)
	ListPaymentsForInstallment(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error)
}

type AlertRepository interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error)
	UpdateAlert(ctx context.Context, a *models.Alert) error
	SoftDeleteAlert(ctx context.Context, id uuid.UUID, at time.Time) error
}

type UsageRepository interface {
	CountFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int, error)
	CreateFeatureUsage(ctx context.Context, u *models.FeatureUsage) error
	DeleteFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int64, error)
}

// Repositories is everything a unit of work can touch.
type Repositories interface {
	TenantRepository
	CatalogRepository
	OperationRepository
	InstallmentRepository
	PaymentRepository
	AlertRepository
	UsageRepository
}

// Storage is the storage handle injected into the ledger components.
type Storage interface {
	Repositories

	// WithTx runs fn in one serialized transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(Repositories) error) error

	Close() error
}
