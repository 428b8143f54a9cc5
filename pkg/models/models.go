package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OperationType string

const (
	OperationTypeLoan   OperationType = "LOAN"
	OperationTypeRental OperationType = "RENTAL"
	OperationTypeOther  OperationType = "OTHER"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
)

type OperationStatus string

const (
	OperationStatusActive    OperationStatus = "ACTIVE"
	OperationStatusClosed    OperationStatus = "CLOSED"
	OperationStatusCancelled OperationStatus = "CANCELLED"
)

type InstallmentStatus string

const (
	InstallmentStatusPending   InstallmentStatus = "PENDING"
	InstallmentStatusPaid      InstallmentStatus = "PAID"
	InstallmentStatusLate      InstallmentStatus = "LATE"
	InstallmentStatusCancelled InstallmentStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s InstallmentStatus) Terminal() bool {
	return s == InstallmentStatusPaid || s == InstallmentStatusCancelled
}

type ResetPeriod string

const (
	ResetPeriodMonthly  ResetPeriod = "MONTHLY"
	ResetPeriodYearly   ResetPeriod = "YEARLY"
	ResetPeriodLifetime ResetPeriod = "LIFETIME"
)

// Account is a tenant. A nil PlanID means the unlimited free tier.
type Account struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	PlanID    *uuid.UUID `json:"plan_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Client is the counterparty of an operation, owned by an account.
type Client struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Plan struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	MaxOperations *int      `json:"max_operations,omitempty"` // nil = unbounded
	CreatedAt     time.Time `json:"created_at"`
}

// Module groups features and maps to an operation-type category.
type Module struct {
	ID   uuid.UUID `json:"id"`
	Key  string    `json:"key"`
	Name string    `json:"name"`
}

type Feature struct {
	ID        uuid.UUID  `json:"id"`
	ModuleID  uuid.UUID  `json:"module_id"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active"`
	SortOrder int        `json:"sort_order"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// PlanFeature binds a feature to a plan with an optional per-period operation limit.
type PlanFeature struct {
	ID             uuid.UUID   `json:"id"`
	PlanID         uuid.UUID   `json:"plan_id"`
	FeatureID      uuid.UUID   `json:"feature_id"`
	IsEnabled      bool        `json:"is_enabled"`
	OperationLimit *int        `json:"operation_limit,omitempty"` // nil = unlimited
	ResetPeriod    ResetPeriod `json:"reset_period"`

	Feature *Feature `json:"feature,omitempty"`
	Module  *Module  `json:"module,omitempty"`
}

type Operation struct {
	ID               uuid.UUID           `json:"id"`
	AccountID        uuid.UUID           `json:"account_id"`
	ClientID         uuid.UUID           `json:"client_id"`
	Type             OperationType       `json:"type"`
	Title            string              `json:"title,omitempty"`
	Description      string              `json:"description,omitempty"`
	Currency         string              `json:"currency"`
	PrincipalAmount  decimal.Decimal     `json:"principal_amount"`
	EntryAmount      decimal.NullDecimal `json:"entry_amount"`
	InterestRate     decimal.NullDecimal `json:"interest_rate"` // flat percent
	InstallmentCount int                 `json:"installments"`
	Frequency        Frequency           `json:"frequency"`
	StartDate        time.Time           `json:"start_date"`
	DueDate          *time.Time          `json:"due_date,omitempty"`
	Status           OperationStatus     `json:"status"`
	ResourceRef      string              `json:"resource_ref,omitempty"`
	Meta             map[string]any      `json:"meta,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	DeletedAt        *time.Time          `json:"deleted_at,omitempty"`

	Installments []*Installment `json:"installments_list,omitempty"`
	Account      *Account       `json:"account,omitempty"`
	Client       *Client        `json:"client,omitempty"`
}

type Installment struct {
	ID          uuid.UUID           `json:"id"`
	OperationID uuid.UUID           `json:"operation_id"`
	Number      int                 `json:"number"`
	DueDate     time.Time           `json:"due_date"`
	Amount      decimal.Decimal     `json:"amount"`
	Principal   decimal.Decimal     `json:"principal"`
	Interest    decimal.NullDecimal `json:"interest"`
	Status      InstallmentStatus   `json:"status"`
	PaidAt      *time.Time          `json:"paid_at,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Payment is append-only; it is never updated or deleted.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      uuid.UUID       `json:"client_id"`
	OperationID   uuid.UUID       `json:"operation_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Meta          map[string]any  `json:"meta,omitempty"`
	PaidAt        time.Time       `json:"paid_at"`
}

type Alert struct {
	ID          uuid.UUID      `json:"id"`
	OperationID uuid.UUID      `json:"operation_id"`
	Type        string         `json:"type"`
	Template    string         `json:"template,omitempty"`
	SendAt      time.Time      `json:"send_at"`
	Enabled     bool           `json:"enabled"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// FeatureUsage is one counted use of a plan feature inside a period bucket.
type FeatureUsage struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	PlanFeatureID uuid.UUID `json:"plan_feature_id"`
	OperationID   uuid.UUID `json:"operation_id"`
	Period        string    `json:"period"`
	UsageDate     time.Time `json:"usage_date"`
}
