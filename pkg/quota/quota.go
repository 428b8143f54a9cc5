// Package quota decides whether an account may create another operation.
//
// Two gates exist. The account gate compares the number of live operations against
// the plan's MaxOperations. The feature gate maps the operation type to a module,
// resolves the module's first active feature and the plan's binding for it, and
// counts usage rows in the binding's current period bucket.
package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// MetaModuleKey is the operation meta entry that overrides the type to module mapping.
const MetaModuleKey = "moduleKey"

// LifetimePeriod is the single bucket used by LIFETIME bindings.
const LifetimePeriod = "lifetime"

// DefaultModuleMapping returns the built-in operation type to module key mapping.
func DefaultModuleMapping() map[models.OperationType]string {
	return map[models.OperationType]string{
		models.OperationTypeLoan:   "LOAN",
		models.OperationTypeRental: "RENT_ROOM",
		models.OperationTypeOther:  "OTHER",
	}
}

// LimitCheck is the result of the account gate.
type LimitCheck struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Limit   *int `json:"limit"`
}

// FeatureCheck is the result of an allowed feature gate evaluation.
// PlanFeature is nil when the account has no plan.
type FeatureCheck struct {
	PlanFeature *models.PlanFeature
	FeatureKey  string
	FeatureName string
	Period      string
	Current     int
	Limit       *int
}

// FeatureLimit describes one enabled plan feature and how much of it is used.
type FeatureLimit struct {
	FeatureID      uuid.UUID          `json:"feature_id"`
	FeatureKey     string             `json:"feature_key"`
	FeatureName    string             `json:"feature_name"`
	ModuleKey      string             `json:"module_key"`
	ModuleName     string             `json:"module_name"`
	PlanFeatureID  uuid.UUID          `json:"plan_feature_id"`
	OperationLimit *int               `json:"operation_limit"`
	ResetPeriod    models.ResetPeriod `json:"reset_period"`
	Period         string             `json:"period"`
	CurrentUsage   int                `json:"current_usage"`
	Remaining      *int               `json:"remaining"`
}

// Evaluator runs both quota gates against a storage handle.
type Evaluator struct {
	store   store.Storage
	modules map[models.OperationType]string
	logger  *logrus.Logger
	now     func() time.Time
}

// NewEvaluator creates an evaluator. A nil mapping selects DefaultModuleMapping.
func NewEvaluator(s store.Storage, mapping map[models.OperationType]string, logger *logrus.Logger) *Evaluator {
	if mapping == nil {
		mapping = DefaultModuleMapping()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Evaluator{store: s, modules: mapping, logger: logger, now: time.Now}
}

// CurrentPeriod returns the usage bucket for a reset period at the given instant.
// Unknown periods fall back to monthly buckets.
func CurrentPeriod(period models.ResetPeriod, now time.Time) string {
	now = now.UTC()
	switch period {
	case models.ResetPeriodYearly:
		return now.Format("2006")
	case models.ResetPeriodLifetime:
		return LifetimePeriod
	default:
		return now.Format("2006-01")
	}
}

// ModuleKey resolves the module an operation is counted against.
func (e *Evaluator) ModuleKey(opType models.OperationType, meta map[string]any) string {
	if key, ok := meta[MetaModuleKey].(string); ok && key != "" {
		return key
	}
	if key, ok := e.modules[opType]; ok {
		return key
	}
	return string(models.OperationTypeOther)
}

// CheckOperationLimit reports the account gate without side effects.
func (e *Evaluator) CheckOperationLimit(ctx context.Context, accountID uuid.UUID) (LimitCheck, error) {
	return e.OperationLimit(ctx, e.store, accountID)
}

// OperationLimit evaluates the account gate through r, which may be a transaction.
func (e *Evaluator) OperationLimit(ctx context.Context, r store.Repositories, accountID uuid.UUID) (LimitCheck, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return LimitCheck{}, err
	}
	current, err := r.CountActiveOperations(ctx, accountID)
	if err != nil {
		return LimitCheck{}, err
	}
	if account.PlanID == nil {
		return LimitCheck{Allowed: true, Current: current}, nil
	}
	plan, err := r.GetPlan(ctx, *account.PlanID)
	if err != nil {
		return LimitCheck{}, err
	}
	if plan.MaxOperations == nil {
		return LimitCheck{Allowed: true, Current: current}, nil
	}
	return LimitCheck{
		Allowed: current < *plan.MaxOperations,
		Current: current,
		Limit:   plan.MaxOperations,
	}, nil
}

// RequireOperationSlot returns a QuotaExceededError when the account gate is closed.
func (e *Evaluator) RequireOperationSlot(ctx context.Context, r store.Repositories, accountID uuid.UUID) error {
	check, err := e.OperationLimit(ctx, r, accountID)
	if err != nil {
		return err
	}
	if !check.Allowed {
		return &apperrors.QuotaExceededError{
			Gate:    apperrors.GateAccount,
			Reason:  apperrors.ReasonLimitReached,
			Limit:   check.Limit,
			Current: check.Current,
		}
	}
	return nil
}

// CheckFeatureLimit evaluates the feature gate through r. A rejection is returned as a
// QuotaExceededError whose Reason tells which step refused.
func (e *Evaluator) CheckFeatureLimit(ctx context.Context, r store.Repositories, accountID uuid.UUID, opType models.OperationType, meta map[string]any) (*FeatureCheck, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.PlanID == nil {
		return &FeatureCheck{}, nil
	}

	moduleKey := e.ModuleKey(opType, meta)
	feature, err := e.resolveFeature(ctx, r, moduleKey)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, &apperrors.QuotaExceededError{
			Gate: apperrors.GateFeature, Reason: apperrors.ReasonFeatureMissing, ModuleKey: moduleKey,
		}
	}

	rejected := func(reason string) *apperrors.QuotaExceededError {
		return &apperrors.QuotaExceededError{
			Gate: apperrors.GateFeature, Reason: reason, ModuleKey: moduleKey,
			FeatureKey: feature.Key, FeatureName: feature.Name,
		}
	}

	pf, err := r.GetPlanFeature(ctx, *account.PlanID, feature.ID)
	if apperrors.IsNotFound(err) {
		return nil, rejected(apperrors.ReasonNotInPlan)
	}
	if err != nil {
		return nil, err
	}
	if !pf.IsEnabled {
		return nil, rejected(apperrors.ReasonDisabled)
	}

	check := &FeatureCheck{PlanFeature: pf, FeatureKey: feature.Key, FeatureName: feature.Name}
	if pf.OperationLimit == nil {
		return check, nil
	}

	check.Period = CurrentPeriod(pf.ResetPeriod, e.now())
	check.Limit = pf.OperationLimit
	check.Current, err = r.CountFeatureUsage(ctx, accountID, pf.ID, check.Period)
	if err != nil {
		return nil, err
	}
	if check.Current >= *pf.OperationLimit {
		q := rejected(apperrors.ReasonLimitReached)
		q.Limit = pf.OperationLimit
		q.Current = check.Current
		q.Period = check.Period
		return nil, q
	}
	return check, nil
}

// RecordFeatureUsage appends one usage row for the operation. Accounts without a plan,
// unknown modules and missing or disabled bindings are skipped silently.
func (e *Evaluator) RecordFeatureUsage(ctx context.Context, r store.Repositories, accountID, operationID uuid.UUID, opType models.OperationType, meta map[string]any) error {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.PlanID == nil {
		return nil
	}
	feature, err := e.resolveFeature(ctx, r, e.ModuleKey(opType, meta))
	if err != nil || feature == nil {
		return err
	}
	pf, err := r.GetPlanFeature(ctx, *account.PlanID, feature.ID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !pf.IsEnabled {
		return nil
	}

	now := e.now()
	usage := &models.FeatureUsage{
		ID:            uuid.New(),
		AccountID:     accountID,
		PlanFeatureID: pf.ID,
		OperationID:   operationID,
		Period:        CurrentPeriod(pf.ResetPeriod, now),
		UsageDate:     now,
	}
	if err := r.CreateFeatureUsage(ctx, usage); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"account_id":   accountID,
		"feature_key":  feature.Key,
		"period":       usage.Period,
		"operation_id": operationID,
	}).Debug("Feature usage recorded")
	return nil
}

// AccountFeatureLimits lists the enabled features of the account's plan with their usage
// in the current period. Accounts without a plan have none.
func (e *Evaluator) AccountFeatureLimits(ctx context.Context, accountID uuid.UUID) ([]FeatureLimit, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.PlanID == nil {
		return []FeatureLimit{}, nil
	}
	bindings, err := e.store.ListPlanFeatures(ctx, *account.PlanID, true)
	if err != nil {
		return nil, err
	}

	now := e.now()
	limits := make([]FeatureLimit, 0, len(bindings))
	for _, pf := range bindings {
		limit := FeatureLimit{
			FeatureID:      pf.FeatureID,
			FeatureKey:     pf.Feature.Key,
			FeatureName:    pf.Feature.Name,
			ModuleKey:      pf.Module.Key,
			ModuleName:     pf.Module.Name,
			PlanFeatureID:  pf.ID,
			OperationLimit: pf.OperationLimit,
			ResetPeriod:    pf.ResetPeriod,
			Period:         CurrentPeriod(pf.ResetPeriod, now),
		}
		limit.CurrentUsage, err = e.store.CountFeatureUsage(ctx, accountID, pf.ID, limit.Period)
		if err != nil {
			return nil, err
		}
		if pf.OperationLimit != nil {
			remaining := max(*pf.OperationLimit-limit.CurrentUsage, 0)
			limit.Remaining = &remaining
		}
		limits = append(limits, limit)
	}
	return limits, nil
}

// ResetFeatureUsage clears one usage bucket and returns the number of rows removed.
func (e *Evaluator) ResetFeatureUsage(ctx context.Context, accountID, planFeatureID uuid.UUID, period string) (int64, error) {
	if period == "" {
		return 0, apperrors.NewValidation("period", "required")
	}
	n, err := e.store.DeleteFeatureUsage(ctx, accountID, planFeatureID, period)
	if err != nil {
		return 0, err
	}
	e.logger.WithFields(logrus.Fields{
		"account_id":      accountID,
		"plan_feature_id": planFeatureID,
		"period":          period,
		"removed":         n,
	}).Info("Feature usage reset")
	return n, nil
}

// resolveFeature returns nil without error when the module or its active feature is absent.
func (e *Evaluator) resolveFeature(ctx context.Context, r store.Repositories, moduleKey string) (*models.Feature, error) {
	module, err := r.GetModuleByKey(ctx, moduleKey)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	feature, err := r.FirstActiveFeature(ctx, module.ID)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return feature, nil
}
