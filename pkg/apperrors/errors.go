// Package apperrors defines the error kinds surfaced by the ledger: validation failures,
// missing records, quota rejections and transient storage failures.
package apperrors

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid field %s", e.Field)
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an absent or soft-deleted record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError for the given entity and id.
func NotFound(entity string, id fmt.Stringer) error {
	e := &NotFoundError{Entity: entity}
	if id != nil {
		e.ID = id.String()
	}
	return e
}

// Quota gates.
const (
	GateAccount = "account"
	GateFeature = "feature"
)

// Quota rejection reasons.
const (
	ReasonLimitReached   = "limit_reached"
	ReasonFeatureMissing = "feature_missing"
	ReasonNotInPlan      = "feature_not_in_plan"
	ReasonDisabled       = "feature_disabled"
)

// QuotaExceededError carries enough detail for a caller to explain why creation was refused.
type QuotaExceededError struct {
	Gate        string `json:"gate"`
	Reason      string `json:"reason"`
	Limit       *int   `json:"limit"`
	Current     int    `json:"current"`
	ModuleKey   string `json:"module_key,omitempty"`
	FeatureKey  string `json:"feature_key,omitempty"`
	FeatureName string `json:"feature_name,omitempty"`
	Period      string `json:"period,omitempty"`
}

func (e *QuotaExceededError) Error() string {
	switch e.Reason {
	case ReasonFeatureMissing:
		return fmt.Sprintf("no feature found for module %s", e.ModuleKey)
	case ReasonNotInPlan:
		return fmt.Sprintf("feature %q is not enabled in the account plan", e.FeatureName)
	case ReasonDisabled:
		return fmt.Sprintf("feature %q is disabled in the account plan", e.FeatureName)
	}
	limit := "unbounded"
	if e.Limit != nil {
		limit = fmt.Sprint(*e.Limit)
	}
	if e.Gate == GateFeature {
		return fmt.Sprintf("operation limit reached for %q: %d of %s in period %s", e.FeatureName, e.Current, limit, e.Period)
	}
	return fmt.Sprintf("operation limit reached: %d of %s", e.Current, limit)
}

// TransientError wraps a connectivity or timeout failure of the storage round trip.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError when it is a timeout, cancellation or bad
// connection; any other error is returned unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsQuotaExceeded(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}
