package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/logging"
	"github.com/mcclellann/opledger/pkg/metrics"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/quota"
	"github.com/mcclellann/opledger/pkg/schedule"
	"github.com/mcclellann/opledger/pkg/store"
	"github.com/mcclellann/opledger/pkg/testutil"
)

func newTestLedger(t *testing.T, s store.Storage, opts Options) *Ledger {
	t.Helper()
	logger := logging.NewDiscardLogger()
	q := quota.NewEvaluator(s, nil, logger)
	return NewLedger(s, q, schedule.NewGenerator(true), logger, metrics.NewCollector(), opts)
}

func loanInput(tenant *testutil.Tenant) CreateOperationInput {
	return CreateOperationInput{
		AccountID:    tenant.Account.ID,
		ClientID:     tenant.Client.ID,
		Type:         models.OperationTypeLoan,
		Title:        "equipment loan",
		Principal:    decimal.RequireFromString("1200.00"),
		StartDate:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Installments: 12,
		Frequency:    models.FrequencyMonthly,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateOperationAndPayFirstInstallment(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	if op.Currency != "BRL" {
		t.Errorf("Expected default currency BRL, got %s", op.Currency)
	}
	if op.Account == nil || op.Client == nil {
		t.Fatal("Expected account and client to be hydrated")
	}
	if len(op.Installments) != 12 {
		t.Fatalf("Expected 12 installments, got %d", len(op.Installments))
	}
	for i, inst := range op.Installments {
		if !inst.Amount.Equal(dec("100")) {
			t.Errorf("Installment %d: expected amount 100.00, got %s", i+1, inst.Amount)
		}
		wantMonth := time.Month(int(time.February) + i)
		wantYear := 2024
		if wantMonth > time.December {
			wantMonth -= 12
			wantYear++
		}
		if inst.DueDate.Day() != 15 || inst.DueDate.Month() != wantMonth || inst.DueDate.Year() != wantYear {
			t.Errorf("Installment %d: expected due %d-%02d-15, got %s", i+1, wantYear, wantMonth, inst.DueDate.Format("2006-01-02"))
		}
		if inst.Status != models.InstallmentStatusPending {
			t.Errorf("Installment %d: expected PENDING, got %s", i+1, inst.Status)
		}
	}

	first := op.Installments[0]
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{
		OperationID: op.ID, Amount: dec("100.00"), Method: "PIX", InstallmentID: &first.ID,
	}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}

	insts, err := l.ListInstallments(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to list installments: %v", err)
	}
	if insts[0].Status != models.InstallmentStatusPaid || insts[0].PaidAt == nil {
		t.Errorf("Expected installment 1 PAID with paid_at, got %s %v", insts[0].Status, insts[0].PaidAt)
	}
	for _, inst := range insts[1:] {
		if inst.Status != models.InstallmentStatusPending {
			t.Errorf("Expected installment %d to remain PENDING, got %s", inst.Number, inst.Status)
		}
	}

	fetched, err := l.GetOperation(ctx, op.ID, false)
	if err != nil {
		t.Fatalf("Failed to get operation: %v", err)
	}
	if fetched.Status != models.OperationStatusActive {
		t.Errorf("Expected operation to stay ACTIVE, got %s", fetched.Status)
	}
}

func TestRegisterPaymentPartial(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	inst := op.Installments[0]

	payment, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("50"), InstallmentID: &inst.ID})
	if err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}
	if payment.Currency != op.Currency {
		t.Errorf("Expected payment currency %s, got %s", op.Currency, payment.Currency)
	}
	if payment.ClientID != tenant.Client.ID {
		t.Errorf("Expected payment client to default to the operation's client")
	}

	fetched, err := s.GetInstallment(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Failed to get installment: %v", err)
	}
	if fetched.Status != models.InstallmentStatusPending || fetched.PaidAt != nil {
		t.Errorf("Expected PENDING without paid_at after half payment, got %s %v", fetched.Status, fetched.PaidAt)
	}
}

func TestRegisterPaymentOrderIndependent(t *testing.T) {
	orders := [][]string{{"30.00", "70.00"}, {"70.00", "30.00"}, {"60.00", "60.00"}}
	for _, amounts := range orders {
		t.Run(amounts[0]+"+"+amounts[1], func(t *testing.T) {
			s := testutil.NewStore(t)
			tenant := testutil.SeedTenant(t, s, false, nil)
			l := newTestLedger(t, s, Options{})
			ctx := context.Background()

			op, err := l.CreateOperation(ctx, loanInput(tenant))
			if err != nil {
				t.Fatalf("Failed to create operation: %v", err)
			}
			inst := op.Installments[3]
			for _, a := range amounts {
				if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec(a), InstallmentID: &inst.ID}); err != nil {
					t.Fatalf("Failed to register payment: %v", err)
				}
			}

			fetched, err := s.GetInstallment(ctx, inst.ID)
			if err != nil {
				t.Fatalf("Failed to get installment: %v", err)
			}
			if fetched.Status != models.InstallmentStatusPaid {
				t.Errorf("Expected PAID, got %s", fetched.Status)
			}
		})
	}
}

func TestRegisterPaymentClosesSettledOperation(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	in := loanInput(tenant)
	in.Principal = dec("200")
	in.Installments = 2
	op, err := l.CreateOperation(ctx, in)
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	for _, inst := range op.Installments {
		if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: inst.Amount, InstallmentID: &inst.ID}); err != nil {
			t.Fatalf("Failed to register payment: %v", err)
		}
	}

	fetched, err := l.GetOperation(ctx, op.ID, false)
	if err != nil {
		t.Fatalf("Failed to get operation: %v", err)
	}
	if fetched.Status != models.OperationStatusClosed {
		t.Errorf("Expected CLOSED after last installment paid, got %s", fetched.Status)
	}

	// Payments on a closed operation are still accepted.
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("-5"), Reference: "refund"}); err != nil {
		t.Errorf("Expected adjusting payment to be accepted, got %v", err)
	}
}

func TestRegisterPaymentNotFound(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	other, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}

	_, err = l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: uuid.New(), Amount: dec("10")})
	if !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found for unknown operation, got %v", err)
	}

	foreign := other.Installments[0].ID
	_, err = l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("10"), InstallmentID: &foreign})
	var nf *apperrors.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "installment" {
		t.Errorf("Expected installment not found, got %v", err)
	}
	payments, err := l.ListPayments(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("Expected no payment to be written, got %d", len(payments))
	}

	if err := l.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("Failed to delete operation: %v", err)
	}
	_, err = l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("10")})
	if !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found for deleted operation, got %v", err)
	}
}

func TestRegisterPaymentRoundsToCents(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	first, second := op.Installments[0], op.Installments[1]

	for i := 0; i < 3; i++ {
		payment, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("33.3333"), InstallmentID: &first.ID})
		if err != nil {
			t.Fatalf("Failed to register payment: %v", err)
		}
		if !payment.Amount.Equal(dec("33.33")) {
			t.Errorf("Expected amount rounded to 33.33, got %s", payment.Amount)
		}
	}
	fetched, err := s.GetInstallment(ctx, first.ID)
	if err != nil {
		t.Fatalf("Failed to get installment: %v", err)
	}
	if fetched.Status != models.InstallmentStatusPending {
		t.Errorf("Expected 99.99 of 100.00 to leave the installment PENDING, got %s", fetched.Status)
	}

	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("99.995"), InstallmentID: &second.ID}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}
	if fetched, _ = s.GetInstallment(ctx, second.ID); fetched.Status != models.InstallmentStatusPaid {
		t.Errorf("Expected 99.995 rounded to 100.00 to pay the installment, got %s", fetched.Status)
	}

	_, err = l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("0.004")})
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) || ve.Field != "amount" {
		t.Errorf("Expected amount validation error for a sub-cent payment, got %v", err)
	}
	payments, err := l.ListPayments(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(payments) != 4 {
		t.Errorf("Expected 4 stored payments, got %d", len(payments))
	}
}

func TestRegisterPaymentClientMustBelongToAccount(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	stranger := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}

	_, err = l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("10"), ClientID: &stranger.Client.ID})
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) || ve.Field != "client_id" {
		t.Errorf("Expected client_id validation error, got %v", err)
	}
	unknown := uuid.New()
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("10"), ClientID: &unknown}); !apperrors.IsNotFound(err) {
		t.Errorf("Expected unknown client to be not found, got %v", err)
	}
	payments, err := l.ListPayments(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("Expected refused payments to write nothing, got %d", len(payments))
	}

	payment, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("10"), ClientID: &tenant.Client.ID})
	if err != nil {
		t.Fatalf("Expected payment by the operation's own client, got %v", err)
	}
	if payment.ClientID != tenant.Client.ID {
		t.Errorf("Expected client %s, got %s", tenant.Client.ID, payment.ClientID)
	}
}

func TestOperationBalanceCountsFloatingPayments(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	first := op.Installments[0]
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("100"), InstallmentID: &first.ID}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("250"), Method: "CASH"}); err != nil {
		t.Fatalf("Failed to register floating payment: %v", err)
	}

	b, err := l.OperationBalance(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to compute balance: %v", err)
	}
	if !b.Scheduled.Equal(dec("1200")) || !b.Allocated.Equal(dec("100")) || !b.Floating.Equal(dec("250")) {
		t.Errorf("Unexpected balance: %+v", b)
	}
	if !b.Outstanding.Equal(dec("850")) {
		t.Errorf("Expected outstanding 850, got %s", b.Outstanding)
	}
	if b.PaidInstallments != 1 || b.PendingInstallments != 11 {
		t.Errorf("Expected 1 paid and 11 pending, got %d and %d", b.PaidInstallments, b.PendingInstallments)
	}

	insts, _ := l.ListInstallments(ctx, op.ID)
	if insts[1].Status != models.InstallmentStatusPending {
		t.Errorf("Expected floating payment to leave installments untouched, got %s", insts[1].Status)
	}
}

func TestCheckOperationLimitAtCeiling(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, true, testutil.IntPtr(2))
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	check, err := l.CheckOperationLimit(ctx, tenant.Account.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !check.Allowed {
		t.Errorf("Expected allowed one below ceiling, got %+v", check)
	}

	if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	check, err = l.CheckOperationLimit(ctx, tenant.Account.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if check.Allowed || check.Current != 2 || check.Limit == nil || *check.Limit != 2 {
		t.Errorf("Expected allowed=false current=2 limit=2, got %+v", check)
	}

	_, err = l.CreateOperation(ctx, loanInput(tenant))
	var q *apperrors.QuotaExceededError
	if !errors.As(err, &q) {
		t.Fatalf("Expected quota error, got %v", err)
	}
	if q.Current != 2 || *q.Limit != 2 {
		t.Errorf("Expected limit detail 2/2, got %+v", q)
	}
	page, err := l.ListOperations(ctx, store.OperationFilter{AccountID: &tenant.Account.ID})
	if err != nil {
		t.Fatalf("Failed to list operations: %v", err)
	}
	if page.Pagination.Total != 2 {
		t.Errorf("Expected refused creation to write nothing, got %d operations", page.Pagination.Total)
	}

	// Deleting frees a slot.
	if err := l.DeleteOperation(ctx, page.Items[0].ID); err != nil {
		t.Fatalf("Failed to delete operation: %v", err)
	}
	if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
		t.Errorf("Expected creation after delete to succeed, got %v", err)
	}
}

func TestCreateOperationConcurrentAtCeiling(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, true, testutil.IntPtr(1))
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		refused   int
		unexpects []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CreateOperation(ctx, loanInput(tenant))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperrors.IsQuotaExceeded(err):
				refused++
			default:
				unexpects = append(unexpects, err)
			}
		}()
	}
	wg.Wait()

	if len(unexpects) > 0 {
		t.Fatalf("Unexpected errors: %v", unexpects)
	}
	if created != 1 || refused != workers-1 {
		t.Errorf("Expected exactly 1 creation and %d refusals, got %d and %d", workers-1, created, refused)
	}
}

func TestCreateOperationValidation(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	stranger := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateOperationInput)
		field  string
	}{
		{"zero principal", func(in *CreateOperationInput) { in.Principal = decimal.Zero }, "principal_amount"},
		{"unsupported frequency", func(in *CreateOperationInput) { in.Frequency = "DAILY" }, "frequency"},
		{"no installments", func(in *CreateOperationInput) { in.Installments = 0 }, "installments"},
		{"missing account", func(in *CreateOperationInput) { in.AccountID = uuid.Nil }, "account_id"},
		{"bad currency", func(in *CreateOperationInput) { in.Currency = "R$" }, "currency"},
		{"negative rate", func(in *CreateOperationInput) { r := dec("-1"); in.InterestRate = &r }, "interest_rate"},
		{"entry covers principal", func(in *CreateOperationInput) { e := dec("1200"); in.EntryAmount = &e }, "entry_amount"},
		{"client of another account", func(in *CreateOperationInput) { in.ClientID = stranger.Client.ID }, "client_id"},
		{"installment under one cent", func(in *CreateOperationInput) { in.Principal = dec("1.00"); in.Installments = 150 }, "schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := loanInput(tenant)
			tc.mutate(&in)
			_, err := l.CreateOperation(ctx, in)
			var ve *apperrors.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("Expected field %s, got %s (%s)", tc.field, ve.Field, ve.Reason)
			}
		})
	}

	in := loanInput(tenant)
	in.ClientID = uuid.New()
	if _, err := l.CreateOperation(ctx, in); !apperrors.IsNotFound(err) {
		t.Errorf("Expected unknown client to be not found, got %v", err)
	}
}

func TestCreateOperationWithEntryAndInterest(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})

	in := loanInput(tenant)
	in.Principal = dec("1000")
	entry, rate := dec("100"), dec("10")
	in.EntryAmount, in.InterestRate = &entry, &rate
	in.Installments = 3
	in.Currency = "usd"

	op, err := l.CreateOperation(context.Background(), in)
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	if op.Currency != "USD" {
		t.Errorf("Expected USD, got %s", op.Currency)
	}
	principal, interest := decimal.Zero, decimal.Zero
	for _, inst := range op.Installments {
		principal = principal.Add(inst.Principal)
		interest = interest.Add(inst.Interest.Decimal)
		if !inst.Amount.Equal(inst.Principal.Add(inst.Interest.Decimal)) {
			t.Errorf("Installment %d: amount %s != principal %s + interest %s", inst.Number, inst.Amount, inst.Principal, inst.Interest.Decimal)
		}
	}
	if !principal.Equal(dec("900")) {
		t.Errorf("Expected financed principal 900, got %s", principal)
	}
	if !interest.Equal(dec("100")) {
		t.Errorf("Expected total interest 100, got %s", interest)
	}
}

func TestCreateOperationFeatureQuota(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, true, nil)
	pf := testutil.SeedFeature(t, s, tenant.Plan.ID, "LOAN", true, testutil.IntPtr(1), models.ResetPeriodMonthly)
	l := newTestLedger(t, s, Options{EnforceFeatureQuota: true})
	ctx := context.Background()

	if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	_, err := l.CreateOperation(ctx, loanInput(tenant))
	var q *apperrors.QuotaExceededError
	if !errors.As(err, &q) {
		t.Fatalf("Expected feature quota error, got %v", err)
	}
	if q.Gate != apperrors.GateFeature || q.FeatureKey != pf.Feature.Key {
		t.Errorf("Unexpected quota detail: %+v", q)
	}

	// RENTAL maps to RENT_ROOM, which has no catalog entry.
	rental := loanInput(tenant)
	rental.Type = models.OperationTypeRental
	_, err = l.CreateOperation(ctx, rental)
	if !errors.As(err, &q) || q.Reason != apperrors.ReasonFeatureMissing {
		t.Errorf("Expected missing feature rejection, got %v", err)
	}

	limits, err := l.AccountFeatureLimits(ctx, tenant.Account.ID)
	if err != nil {
		t.Fatalf("Failed to list feature limits: %v", err)
	}
	if len(limits) != 1 || limits[0].CurrentUsage != 1 || *limits[0].Remaining != 0 {
		t.Errorf("Expected one exhausted LOAN feature, got %+v", limits)
	}

	if _, err := l.ResetFeatureUsage(ctx, tenant.Account.ID, pf.ID, limits[0].Period); err != nil {
		t.Fatalf("Failed to reset usage: %v", err)
	}
	if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
		t.Errorf("Expected creation after reset to succeed, got %v", err)
	}
}

func TestCreateOperationRecordsUsageWithoutEnforcement(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, true, nil)
	testutil.SeedFeature(t, s, tenant.Plan.ID, "LOAN", true, testutil.IntPtr(1), models.ResetPeriodLifetime)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
			t.Fatalf("Failed to create operation %d: %v", i+1, err)
		}
	}
	limits, err := l.AccountFeatureLimits(ctx, tenant.Account.ID)
	if err != nil {
		t.Fatalf("Failed to list feature limits: %v", err)
	}
	if limits[0].CurrentUsage != 2 {
		t.Errorf("Expected 2 recorded uses, got %d", limits[0].CurrentUsage)
	}
}

// failingUsage makes feature usage recording fail inside the creation transaction.
type failingUsage struct {
	store.Repositories
}

func (failingUsage) CreateFeatureUsage(context.Context, *models.FeatureUsage) error {
	return &apperrors.TransientError{Op: "create feature usage", Err: context.DeadlineExceeded}
}

type failingStorage struct {
	store.Storage
}

func (f failingStorage) WithTx(ctx context.Context, fn func(store.Repositories) error) error {
	return f.Storage.WithTx(ctx, func(r store.Repositories) error {
		return fn(failingUsage{r})
	})
}

func TestCreateOperationRollsBackOnFailure(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, true, nil)
	testutil.SeedFeature(t, s, tenant.Plan.ID, "LOAN", true, nil, models.ResetPeriodMonthly)
	l := newTestLedger(t, failingStorage{s}, Options{})
	ctx := context.Background()

	_, err := l.CreateOperation(ctx, loanInput(tenant))
	if !apperrors.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	n, err := s.CountActiveOperations(ctx, tenant.Account.ID)
	if err != nil {
		t.Fatalf("Failed to count operations: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no partial writes, found %d operations", n)
	}
}

func TestDeleteOperationKeepsHistory(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	inst := op.Installments[0]
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("100"), InstallmentID: &inst.ID}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}

	if err := l.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("Failed to delete operation: %v", err)
	}
	if _, err := l.GetOperation(ctx, op.ID, false); !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
	if err := l.DeleteOperation(ctx, op.ID); !apperrors.IsNotFound(err) {
		t.Errorf("Expected second delete to be not found, got %v", err)
	}

	payments, err := l.ListPayments(ctx, op.ID)
	if err != nil {
		t.Fatalf("Failed to list payments of deleted operation: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("Expected payment history to survive, got %d payments", len(payments))
	}
	deleted, err := l.GetOperation(ctx, op.ID, true)
	if err != nil {
		t.Fatalf("Failed to get deleted operation: %v", err)
	}
	if len(deleted.Installments) != 12 {
		t.Errorf("Expected 12 installments to survive, got %d", len(deleted.Installments))
	}
}

func TestUpdateOperationKeepsSchedule(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	title := "renamed"
	status := models.OperationStatusCancelled
	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	updated, err := l.UpdateOperation(ctx, op.ID, UpdateOperationInput{Title: &title, Status: &status, DueDate: &due})
	if err != nil {
		t.Fatalf("Failed to update operation: %v", err)
	}
	if updated.Title != "renamed" || updated.Status != models.OperationStatusCancelled {
		t.Errorf("Unexpected update result: %s %s", updated.Title, updated.Status)
	}

	fetched, err := l.GetOperation(ctx, op.ID, false)
	if err != nil {
		t.Fatalf("Failed to get operation: %v", err)
	}
	if fetched.DueDate == nil || !fetched.DueDate.Equal(due) {
		t.Errorf("Expected due date override %v, got %v", due, fetched.DueDate)
	}
	if len(fetched.Installments) != 12 || !fetched.PrincipalAmount.Equal(dec("1200")) {
		t.Errorf("Expected schedule and principal to be untouched")
	}

	bad := models.OperationStatus("ARCHIVED")
	if _, err := l.UpdateOperation(ctx, op.ID, UpdateOperationInput{Status: &bad}); !apperrors.IsValidation(err) {
		t.Errorf("Expected validation error for unknown status, got %v", err)
	}
	if _, err := l.UpdateOperation(ctx, uuid.New(), UpdateOperationInput{Title: &title}); !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found for unknown operation, got %v", err)
	}
}

func TestUpdateInstallmentStateMachine(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	in := loanInput(tenant)
	in.Principal = dec("300")
	in.Installments = 3
	op, err := l.CreateOperation(ctx, in)
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}
	first, second, third := op.Installments[0], op.Installments[1], op.Installments[2]
	status := func(s models.InstallmentStatus) *models.InstallmentStatus { return &s }

	late, err := l.UpdateInstallment(ctx, first.ID, UpdateInstallmentInput{Status: status(models.InstallmentStatusLate)})
	if err != nil {
		t.Fatalf("Expected PENDING -> LATE, got %v", err)
	}
	if late.Status != models.InstallmentStatusLate {
		t.Errorf("Expected LATE, got %s", late.Status)
	}
	if _, err := l.UpdateInstallment(ctx, first.ID, UpdateInstallmentInput{Status: status(models.InstallmentStatusPaid)}); !apperrors.IsValidation(err) {
		t.Errorf("Expected manual PAID to be refused, got %v", err)
	}

	// A LATE installment can still be settled by payment.
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: first.Amount, InstallmentID: &first.ID}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}
	if _, err := l.UpdateInstallment(ctx, first.ID, UpdateInstallmentInput{Status: status(models.InstallmentStatusCancelled)}); !apperrors.IsValidation(err) {
		t.Errorf("Expected PAID to be terminal, got %v", err)
	}

	notes := "renegotiated"
	amount := dec("150.005")
	edited, err := l.UpdateInstallment(ctx, second.ID, UpdateInstallmentInput{Notes: &notes, Amount: &amount})
	if err != nil {
		t.Fatalf("Failed to edit installment: %v", err)
	}
	if edited.Notes != "renegotiated" || !edited.Amount.Equal(dec("150.01")) {
		t.Errorf("Unexpected edit result: %q %s", edited.Notes, edited.Amount)
	}
	if _, err := l.RegisterPayment(ctx, RegisterPaymentInput{OperationID: op.ID, Amount: dec("150.01"), InstallmentID: &second.ID}); err != nil {
		t.Fatalf("Failed to register payment: %v", err)
	}

	// Cancelling the last open installment settles the operation.
	if _, err := l.UpdateInstallment(ctx, third.ID, UpdateInstallmentInput{Status: status(models.InstallmentStatusCancelled)}); err != nil {
		t.Fatalf("Expected PENDING -> CANCELLED, got %v", err)
	}
	fetched, err := l.GetOperation(ctx, op.ID, false)
	if err != nil {
		t.Fatalf("Failed to get operation: %v", err)
	}
	if fetched.Status != models.OperationStatusClosed {
		t.Errorf("Expected CLOSED, got %s", fetched.Status)
	}

	if _, err := l.UpdateInstallment(ctx, uuid.New(), UpdateInstallmentInput{Notes: &notes}); !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found for unknown installment, got %v", err)
	}
}

func TestAlerts(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	op, err := l.CreateOperation(ctx, loanInput(tenant))
	if err != nil {
		t.Fatalf("Failed to create operation: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	alert, err := l.TriggerAlert(ctx, TriggerAlertInput{OperationID: op.ID, Type: "DUE_SOON", Template: "Installment due"})
	if err != nil {
		t.Fatalf("Failed to trigger alert: %v", err)
	}
	if !alert.Enabled {
		t.Error("Expected alert to be enabled by default")
	}
	if alert.SendAt.Before(before) {
		t.Errorf("Expected send_at to default to now, got %v", alert.SendAt)
	}

	off := false
	later := time.Now().UTC().Add(48 * time.Hour)
	if _, err := l.TriggerAlert(ctx, TriggerAlertInput{OperationID: op.ID, Type: "OVERDUE", SendAt: &later, Enabled: &off}); err != nil {
		t.Fatalf("Failed to trigger alert: %v", err)
	}

	enabled, err := l.ListAlerts(ctx, op.ID, true)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != alert.ID {
		t.Errorf("Expected only the enabled alert, got %d", len(enabled))
	}

	on := true
	if _, err := l.UpdateAlert(ctx, alert.ID, UpdateAlertInput{Enabled: &off}); err != nil {
		t.Fatalf("Failed to update alert: %v", err)
	}
	all, err := l.ListAlerts(ctx, op.ID, false)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 alerts, got %d", len(all))
	}
	if _, err := l.UpdateAlert(ctx, alert.ID, UpdateAlertInput{Enabled: &on}); err != nil {
		t.Fatalf("Failed to update alert: %v", err)
	}

	if err := l.DeleteAlert(ctx, alert.ID); err != nil {
		t.Fatalf("Failed to delete alert: %v", err)
	}
	if _, err := l.UpdateAlert(ctx, alert.ID, UpdateAlertInput{Enabled: &on}); !apperrors.IsNotFound(err) {
		t.Errorf("Expected deleted alert to be not found, got %v", err)
	}

	if _, err := l.TriggerAlert(ctx, TriggerAlertInput{OperationID: op.ID}); !apperrors.IsValidation(err) {
		t.Errorf("Expected validation error without type, got %v", err)
	}
	if err := l.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("Failed to delete operation: %v", err)
	}
	if _, err := l.TriggerAlert(ctx, TriggerAlertInput{OperationID: op.ID, Type: "OVERDUE"}); !apperrors.IsNotFound(err) {
		t.Errorf("Expected not found for deleted operation, got %v", err)
	}
}

func TestListOperationsPagination(t *testing.T) {
	s := testutil.NewStore(t)
	tenant := testutil.SeedTenant(t, s, false, nil)
	l := newTestLedger(t, s, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.CreateOperation(ctx, loanInput(tenant)); err != nil {
			t.Fatalf("Failed to create operation: %v", err)
		}
	}
	page, err := l.ListOperations(ctx, store.OperationFilter{AccountID: &tenant.Account.ID, Limit: 2, Page: 2})
	if err != nil {
		t.Fatalf("Failed to list operations: %v", err)
	}
	if len(page.Items) != 1 || page.Pagination.Total != 3 || page.Pagination.TotalPages != 2 {
		t.Errorf("Unexpected page: %d items, %+v", len(page.Items), page.Pagination)
	}

	page, err = l.ListOperations(ctx, store.OperationFilter{AccountID: &tenant.Account.ID, Limit: 1000})
	if err != nil {
		t.Fatalf("Failed to list operations: %v", err)
	}
	if page.Pagination.Limit != maxPageSize {
		t.Errorf("Expected limit capped at %d, got %d", maxPageSize, page.Pagination.Limit)
	}
}
