package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/models"
)

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var (
		a      models.Account
		planID uuid.NullUUID
	)
	err := s.q.QueryRowContext(ctx, `SELECT id, name, plan_id, created_at FROM accounts WHERE id = ?`, id.String()).
		Scan(&a.ID, &a.Name, &planID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("account", id)
		}
		return nil, storageErr("get account", err)
	}
	if planID.Valid {
		a.PlanID = &planID.UUID
	}
	return &a, nil
}

// GetClient retrieves a client by its ID.
func (s *SQLiteStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var c models.Client
	err := s.q.QueryRowContext(ctx, `SELECT id, account_id, name, created_at FROM clients WHERE id = ?`, id.String()).
		Scan(&c.ID, &c.AccountID, &c.Name, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("client", id)
		}
		return nil, storageErr("get client", err)
	}
	return &c, nil
}

// GetPlan retrieves a plan by its ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var (
		p      models.Plan
		maxOps sql.NullInt64
	)
	err := s.q.QueryRowContext(ctx, `SELECT id, name, max_operations, created_at FROM plans WHERE id = ?`, id.String()).
		Scan(&p.ID, &p.Name, &maxOps, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("plan", id)
		}
		return nil, storageErr("get plan", err)
	}
	p.MaxOperations = intPtr(maxOps)
	return &p, nil
}

// GetModuleByKey retrieves a module by its key.
func (s *SQLiteStore) GetModuleByKey(ctx context.Context, key string) (*models.Module, error) {
	var m models.Module
	err := s.q.QueryRowContext(ctx, `SELECT id, key, name FROM modules WHERE key = ?`, key).Scan(&m.ID, &m.Key, &m.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperrors.NotFoundError{Entity: "module", ID: key}
		}
		return nil, storageErr("get module", err)
	}
	return &m, nil
}

// FirstActiveFeature retrieves the first active feature of a module by sort order.
func (s *SQLiteStore) FirstActiveFeature(ctx context.Context, moduleID uuid.UUID) (*models.Feature, error) {
	var (
		f         models.Feature
		deletedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, module_id, key, name, is_active, sort_order, deleted_at FROM features
		WHERE module_id = ? AND is_active = 1 AND deleted_at IS NULL ORDER BY sort_order ASC LIMIT 1`, moduleID.String()).
		Scan(&f.ID, &f.ModuleID, &f.Key, &f.Name, &f.IsActive, &f.SortOrder, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperrors.NotFoundError{Entity: "feature", ID: "module " + moduleID.String()}
		}
		return nil, storageErr("get feature", err)
	}
	f.DeletedAt = timePtr(deletedAt)
	return &f, nil
}

// GetPlanFeature retrieves the binding of a feature to a plan.
func (s *SQLiteStore) GetPlanFeature(ctx context.Context, planID, featureID uuid.UUID) (*models.PlanFeature, error) {
	var (
		pf    models.PlanFeature
		limit sql.NullInt64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, plan_id, feature_id, is_enabled, operation_limit, reset_period FROM plan_features WHERE plan_id = ? AND feature_id = ?`,
		planID.String(), featureID.String()).
		Scan(&pf.ID, &pf.PlanID, &pf.FeatureID, &pf.IsEnabled, &limit, &pf.ResetPeriod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperrors.NotFoundError{Entity: "plan feature", ID: featureID.String()}
		}
		return nil, storageErr("get plan feature", err)
	}
	pf.OperationLimit = intPtr(limit)
	return &pf, nil
}

// ListPlanFeatures returns a plan's feature bindings joined with their feature and module.
func (s *SQLiteStore) ListPlanFeatures(ctx context.Context, planID uuid.UUID, enabledOnly bool) ([]*models.PlanFeature, error) {
	query := `SELECT pf.id, pf.plan_id, pf.feature_id, pf.is_enabled, pf.operation_limit, pf.reset_period,
		f.id, f.module_id, f.key, f.name, f.is_active, f.sort_order, m.id, m.key, m.name
		FROM plan_features pf
		JOIN features f ON f.id = pf.feature_id
		JOIN modules m ON m.id = f.module_id
		WHERE pf.plan_id = ?`
	if enabledOnly {
		query += ` AND pf.is_enabled = 1`
	}
	query += ` ORDER BY m.key ASC, f.sort_order ASC`

	rows, err := s.q.QueryContext(ctx, query, planID.String())
	if err != nil {
		return nil, storageErr("list plan features", err)
	}
	defer rows.Close()

	var out []*models.PlanFeature
	for rows.Next() {
		var (
			pf    models.PlanFeature
			f     models.Feature
			m     models.Module
			limit sql.NullInt64
		)
		if err := rows.Scan(&pf.ID, &pf.PlanID, &pf.FeatureID, &pf.IsEnabled, &limit, &pf.ResetPeriod,
			&f.ID, &f.ModuleID, &f.Key, &f.Name, &f.IsActive, &f.SortOrder, &m.ID, &m.Key, &m.Name); err != nil {
			return nil, storageErr("scan plan feature row", err)
		}
		pf.OperationLimit = intPtr(limit)
		pf.Feature = &f
		pf.Module = &m
		out = append(out, &pf)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list plan features", err)
	}
	return out, nil
}

// The writers below seed tenants and the plan catalog. They are owned by the admin side of
// the system and are not part of Repositories.

// CreatePlan inserts a plan.
func (s *SQLiteStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO plans (id, name, max_operations, created_at) VALUES (?, ?, ?, ?)`,
		p.ID.String(), p.Name, nullInt(p.MaxOperations), p.CreatedAt.UTC())
	if err != nil {
		return storageErr("create plan", err)
	}
	return nil
}

// CreateAccount inserts an account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *models.Account) error {
	var planID sql.NullString
	if a.PlanID != nil {
		planID = sql.NullString{String: a.PlanID.String(), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO accounts (id, name, plan_id, created_at) VALUES (?, ?, ?, ?)`,
		a.ID.String(), a.Name, planID, a.CreatedAt.UTC())
	if err != nil {
		return storageErr("create account", err)
	}
	return nil
}

// CreateClient inserts a client.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *models.Client) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO clients (id, account_id, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID.String(), c.AccountID.String(), c.Name, c.CreatedAt.UTC())
	if err != nil {
		return storageErr("create client", err)
	}
	return nil
}

// CreateModule inserts a module.
func (s *SQLiteStore) CreateModule(ctx context.Context, m *models.Module) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO modules (id, key, name) VALUES (?, ?, ?)`, m.ID.String(), m.Key, m.Name)
	if err != nil {
		return storageErr("create module", err)
	}
	return nil
}

// CreateFeature inserts a feature.
func (s *SQLiteStore) CreateFeature(ctx context.Context, f *models.Feature) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO features (id, module_id, key, name, is_active, sort_order, deleted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID.String(), f.ModuleID.String(), f.Key, f.Name, f.IsActive, f.SortOrder, nullTime(f.DeletedAt))
	if err != nil {
		return storageErr("create feature", err)
	}
	return nil
}

// CreatePlanFeature binds a feature to a plan.
func (s *SQLiteStore) CreatePlanFeature(ctx context.Context, pf *models.PlanFeature) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plan_features (id, plan_id, feature_id, is_enabled, operation_limit, reset_period) VALUES (?, ?, ?, ?, ?, ?)`,
		pf.ID.String(), pf.PlanID.String(), pf.FeatureID.String(), pf.IsEnabled, nullInt(pf.OperationLimit), pf.ResetPeriod)
	if err != nil {
		return storageErr("create plan feature", err)
	}
	return nil
}
