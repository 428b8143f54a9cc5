// Package schedule turns contract terms into an ordered list of installments.
package schedule

import (
	"fmt"
	"time"

	"github.com/mcclellann/opledger/pkg/calc"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -2)
)

// Terms are the contract inputs the schedule is derived from.
type Terms struct {
	StartDate    time.Time
	Frequency    models.Frequency
	Count        int
	Principal    decimal.Decimal
	EntryAmount  decimal.Decimal // paid up front, subtracted before splitting
	InterestRate decimal.Decimal // flat percent over the whole contract
}

// Generator builds installment schedules.
type Generator struct {
	// AbsorbRemainder makes the last installment carry the rounding remainder so that the
	// principals sum to exactly Principal-EntryAmount and the interests to the rounded total
	// interest. When false every installment gets the same rounded share.
	AbsorbRemainder bool
}

// NewGenerator creates a Generator.
func NewGenerator(absorbRemainder bool) *Generator {
	return &Generator{AbsorbRemainder: absorbRemainder}
}

// Generate returns Count installments, all PENDING, numbered from 1.
// It fails before producing anything when the terms are unusable.
func (g *Generator) Generate(t Terms) ([]*models.Installment, error) {
	if t.Count <= 0 {
		return nil, fmt.Errorf("installment count must be positive, got %d", t.Count)
	}
	financed := t.Principal.Sub(t.EntryAmount)
	if !financed.IsPositive() {
		return nil, fmt.Errorf("entry amount %s leaves nothing to finance from principal %s", t.EntryAmount, t.Principal)
	}

	dueDates := make([]time.Time, t.Count)
	for i := range dueDates {
		d, err := calc.AdvanceDate(t.StartDate, t.Frequency, i+1)
		if err != nil {
			return nil, err
		}
		dueDates[i] = d
	}

	n := decimal.NewFromInt(int64(t.Count))
	if financed.Div(n).LessThan(cent) {
		return nil, fmt.Errorf("financed amount %s is less than one cent per installment over %d installments", financed, t.Count)
	}

	// With absorption the shares are truncated so the last installment only ever adds.
	share := calc.Round2
	if g.AbsorbRemainder {
		share = func(d decimal.Decimal) decimal.Decimal { return d.RoundDown(2) }
	}
	base := share(financed.Div(n))

	hasInterest := t.InterestRate.IsPositive()
	var totalInterest, interestEach decimal.Decimal
	if hasInterest {
		totalInterest = t.Principal.Mul(t.InterestRate).Div(hundred)
		interestEach = share(totalInterest.Div(n))
	}

	installments := make([]*models.Installment, t.Count)
	for i := 0; i < t.Count; i++ {
		principal := base
		interest := interestEach
		if g.AbsorbRemainder && i == t.Count-1 {
			rest := decimal.NewFromInt(int64(t.Count - 1))
			principal = financed.Sub(base.Mul(rest))
			if hasInterest {
				interest = calc.Round2(totalInterest).Sub(interestEach.Mul(rest))
			}
		}

		inst := &models.Installment{
			Number:    i + 1,
			DueDate:   dueDates[i],
			Principal: principal,
			Amount:    calc.Round2(principal.Add(interest)),
			Status:    models.InstallmentStatusPending,
		}
		if hasInterest {
			inst.Interest = decimal.NewNullDecimal(interest)
		}
		installments[i] = inst
	}
	return installments, nil
}

// Total sums the amounts of a schedule.
func Total(installments []*models.Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, inst := range installments {
		sum = sum.Add(inst.Amount)
	}
	return sum
}
