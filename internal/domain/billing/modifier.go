package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Modifier appends at most one adjustment line to a bill per call. Calling a
// modifier twice appends twice.
type Modifier interface {
	Kind() ModifierKind
	Apply(b *MasterBill)
}

// ModifierKind names a modifier in its serialized form
type ModifierKind string

const (
	KindDiscount ModifierKind = "DISCOUNT"
	KindTax      ModifierKind = "TAX"
	KindLateFee  ModifierKind = "LATE_FEE"
)

// ErrInvalidModifier is returned when a ModifierSpec cannot be built
var ErrInvalidModifier = errors.New("invalid modifier")

// RunModifierPipeline applies the modifiers in the given order and returns the
// same bill.
func RunModifierPipeline(b *MasterBill, modifiers ...Modifier) *MasterBill {
	if b == nil {
		panic("billing: nil bill passed to modifier pipeline")
	}
	for _, m := range modifiers {
		m.Apply(b)
	}
	return b
}

// Discount takes a percentage off the running total, earlier adjustments included.
type Discount struct {
	Percentage decimal.Decimal
	Reason     string
}

func (d Discount) Kind() ModifierKind { return KindDiscount }

func (d Discount) Apply(b *MasterBill) {
	amount := round2(percentOf(b.Cost(), d.Percentage))
	desc := fmt.Sprintf("Discount (%s%%)", d.Percentage.String())
	if d.Reason != "" {
		desc += ": " + d.Reason
	}
	b.Add(NewLeaf(desc, amount.Neg(), CategoryDiscount))
}

// Tax is charged on every direct line except earlier taxes, so discounts
// shrink the base and taxes never compound.
type Tax struct {
	Rate  decimal.Decimal
	Label string
}

func (t Tax) Kind() ModifierKind { return KindTax }

func (t Tax) Apply(b *MasterBill) {
	base := b.costExcluding(CategoryTax)
	label := t.Label
	if label == "" {
		label = "Tax"
	}
	b.Add(NewLeaf(fmt.Sprintf("%s (%s%%)", label, t.Rate.String()), round2(percentOf(base, t.Rate)), CategoryTax))
}

// LateFee charges a daily percentage of the original charges for every day
// past the grace period. The fee is left unrounded.
type LateFee struct {
	GracePeriodDays  int
	DailyRatePercent decimal.Decimal
	// Now defaults to time.Now
	Now func() time.Time
}

func (l LateFee) Kind() ModifierKind { return KindLateFee }

func (l LateFee) Apply(b *MasterBill) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	days := int(now().Sub(b.CreatedAt()) / (24 * time.Hour))
	if days <= l.GracePeriodDays || b.Status() == StatusPaid {
		return
	}
	lateDays := days - l.GracePeriodDays
	original := b.costExcluding(CategoryLateFee, CategoryTax, CategoryDiscount)
	fee := original.Mul(l.DailyRatePercent).Mul(decimal.NewFromInt(int64(lateDays))).Div(hundred)
	b.Add(NewLeaf(fmt.Sprintf("Late fee (%d days overdue)", lateDays), fee, CategoryLateFee))
}

// ModifierSpec is the wire form of a modifier. Only the fields of its kind are read.
type ModifierSpec struct {
	Kind             ModifierKind    `json:"kind"`
	Percentage       decimal.Decimal `json:"percentage"`
	Reason           string          `json:"reason,omitempty"`
	Rate             decimal.Decimal `json:"rate"`
	Label            string          `json:"label,omitempty"`
	GracePeriodDays  int             `json:"grace_period_days,omitempty"`
	DailyRatePercent decimal.Decimal `json:"daily_rate_percent"`
}

// Build validates the spec. now is handed to late-fee modifiers and may be nil.
func (s ModifierSpec) Build(now func() time.Time) (Modifier, error) {
	switch ModifierKind(strings.ToUpper(string(s.Kind))) {
	case KindDiscount:
		if s.Percentage.IsNegative() || s.Percentage.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: discount percentage %s outside 0-100", ErrInvalidModifier, s.Percentage)
		}
		return Discount{Percentage: s.Percentage, Reason: s.Reason}, nil
	case KindTax:
		if s.Rate.IsNegative() {
			return nil, fmt.Errorf("%w: negative tax rate %s", ErrInvalidModifier, s.Rate)
		}
		return Tax{Rate: s.Rate, Label: s.Label}, nil
	case KindLateFee:
		if s.GracePeriodDays < 0 || s.DailyRatePercent.IsNegative() {
			return nil, fmt.Errorf("%w: late fee needs a non-negative grace period and rate", ErrInvalidModifier)
		}
		return LateFee{GracePeriodDays: s.GracePeriodDays, DailyRatePercent: s.DailyRatePercent, Now: now}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidModifier, s.Kind)
	}
}

// BuildModifiers builds every spec, stopping at the first invalid one.
func BuildModifiers(specs []ModifierSpec, now func() time.Time) ([]Modifier, error) {
	mods := make([]Modifier, 0, len(specs))
	for i, s := range specs {
		m, err := s.Build(now)
		if err != nil {
			return nil, fmt.Errorf("modifier %d: %w", i, err)
		}
		mods = append(mods, m)
	}
	return mods, nil
}
