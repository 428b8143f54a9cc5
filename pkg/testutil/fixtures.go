// Package testutil seeds throwaway SQLite stores for tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// NewStore opens a migrated store in a temp directory and closes it when the test ends.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Tenant is a seeded account with one client and an optional plan.
type Tenant struct {
	Plan    *models.Plan
	Account *models.Account
	Client  *models.Client
}

// SeedTenant creates a plan (when maxOperations is not nil or withPlan is set), an account and a client.
func SeedTenant(t testing.TB, s *store.SQLiteStore, withPlan bool, maxOperations *int) *Tenant {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tenant := &Tenant{}
	account := &models.Account{ID: uuid.New(), Name: "acme", CreatedAt: now}
	if withPlan || maxOperations != nil {
		tenant.Plan = &models.Plan{ID: uuid.New(), Name: "starter", MaxOperations: maxOperations, CreatedAt: now}
		if err := s.CreatePlan(ctx, tenant.Plan); err != nil {
			t.Fatalf("Failed to create plan: %v", err)
		}
		account.PlanID = &tenant.Plan.ID
	}
	if err := s.CreateAccount(ctx, account); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	tenant.Account = account

	tenant.Client = &models.Client{ID: uuid.New(), AccountID: account.ID, Name: "jane", CreatedAt: now}
	if err := s.CreateClient(ctx, tenant.Client); err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return tenant
}

// SeedFeature creates a module with one active feature and binds it to the plan.
func SeedFeature(t testing.TB, s *store.SQLiteStore, planID uuid.UUID, moduleKey string, enabled bool, limit *int, period models.ResetPeriod) *models.PlanFeature {
	t.Helper()
	ctx := context.Background()

	module := &models.Module{ID: uuid.New(), Key: moduleKey, Name: moduleKey + " module"}
	if err := s.CreateModule(ctx, module); err != nil {
		t.Fatalf("Failed to create module: %v", err)
	}
	feature := &models.Feature{ID: uuid.New(), ModuleID: module.ID, Key: moduleKey + "_ops", Name: moduleKey + " operations", IsActive: true}
	if err := s.CreateFeature(ctx, feature); err != nil {
		t.Fatalf("Failed to create feature: %v", err)
	}
	pf := &models.PlanFeature{
		ID:             uuid.New(),
		PlanID:         planID,
		FeatureID:      feature.ID,
		IsEnabled:      enabled,
		OperationLimit: limit,
		ResetPeriod:    period,
		Feature:        feature,
		Module:         module,
	}
	if err := s.CreatePlanFeature(ctx, pf); err != nil {
		t.Fatalf("Failed to create plan feature: %v", err)
	}
	return pf
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
