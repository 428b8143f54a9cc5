package ledger

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/models"
)

// CreateOperationInput carries the terms of a new operation.
type CreateOperationInput struct {
	AccountID    uuid.UUID              `json:"account_id" validate:"required"`
	ClientID     uuid.UUID              `json:"client_id" validate:"required"`
	Type         models.OperationType   `json:"type" validate:"required,oneof=LOAN RENTAL OTHER"`
	Title        string                 `json:"title" validate:"max=200"`
	Description  string                 `json:"description" validate:"max=2000"`
	Principal    decimal.Decimal        `json:"principal_amount" validate:"gt=0"`
	Currency     string                 `json:"currency" validate:"omitempty,len=3,alpha"`
	StartDate    time.Time              `json:"start_date" validate:"required"`
	Installments int                    `json:"installments" validate:"required,min=1,max=600"`
	Frequency    models.Frequency       `json:"frequency" validate:"required,oneof=WEEKLY BIWEEKLY MONTHLY"`
	InterestRate *decimal.Decimal       `json:"interest_rate" validate:"omitnil,gte=0"`
	EntryAmount  *decimal.Decimal       `json:"entry_amount" validate:"omitnil,gte=0"`
	DueDate      *time.Time             `json:"due_date"`
	Status       models.OperationStatus `json:"status" validate:"omitempty,oneof=ACTIVE CLOSED CANCELLED"`
	ResourceRef  string                 `json:"resource_ref" validate:"max=200"`
	Meta         map[string]any         `json:"meta"`
}

// UpdateOperationInput lists the mutable operation fields. Nil fields are left unchanged.
type UpdateOperationInput struct {
	Title       *string                 `json:"title" validate:"omitnil,max=200"`
	Description *string                 `json:"description" validate:"omitnil,max=2000"`
	Status      *models.OperationStatus `json:"status" validate:"omitnil,oneof=ACTIVE CLOSED CANCELLED"`
	Meta        map[string]any          `json:"meta"`
	ResourceRef *string                 `json:"resource_ref" validate:"omitnil,max=200"`
	DueDate     *time.Time              `json:"due_date"`
}

// RegisterPaymentInput records money received. Amount may be negative for corrections.
type RegisterPaymentInput struct {
	OperationID   uuid.UUID       `json:"operation_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"ne=0"`
	Method        string          `json:"method" validate:"omitempty,oneof=CASH BANK_TRANSFER PIX CARD"`
	InstallmentID *uuid.UUID      `json:"installment_id" validate:"omitnil,required"`
	ClientID      *uuid.UUID      `json:"client_id" validate:"omitnil,required"`
	Reference     string          `json:"reference" validate:"max=200"`
	Meta          map[string]any  `json:"meta"`
	PaidAt        *time.Time      `json:"paid_at"`
}

type TriggerAlertInput struct {
	OperationID uuid.UUID      `json:"operation_id" validate:"required"`
	Type        string         `json:"type" validate:"required,max=50"`
	Template    string         `json:"template" validate:"max=2000"`
	SendAt      *time.Time     `json:"send_at"`
	Enabled     *bool          `json:"enabled"`
	Meta        map[string]any `json:"meta"`
}

type UpdateAlertInput struct {
	Type     *string        `json:"type" validate:"omitnil,min=1,max=50"`
	Template *string        `json:"template" validate:"omitnil,max=2000"`
	SendAt   *time.Time     `json:"send_at"`
	Enabled  *bool          `json:"enabled"`
	Meta     map[string]any `json:"meta"`
}

// UpdateInstallmentInput is an administrative edit. Amount and due date changes do not
// re-evaluate payments already allocated to the installment.
type UpdateInstallmentInput struct {
	DueDate *time.Time                `json:"due_date"`
	Amount  *decimal.Decimal          `json:"amount" validate:"omitnil,gt=0"`
	Notes   *string                   `json:"notes" validate:"omitnil,max=1000"`
	Status  *models.InstallmentStatus `json:"status" validate:"omitnil,oneof=PENDING PAID LATE CANCELLED"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// Decimals are compared as floats; only the sign and zero-ness matter here.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if id, ok := field.Interface().(uuid.UUID); ok && id != uuid.Nil {
			return id.String()
		}
		return ""
	}, uuid.UUID{})
	return v
}

// validateInput runs struct validation and converts the first failure to a ValidationError.
func (l *Ledger) validateInput(in any) error {
	err := l.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.NewValidation("input", err.Error())
	}
	fe := fieldErrs[0]
	return apperrors.NewValidation(fe.Field(), reason(fe))
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "ne":
		return "must not be " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "alpha":
		return "must contain letters only"
	}
	return "failed " + fe.Tag() + " check"
}
