package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Known providers
const (
	ProviderPremium  = "PREMIUM_INSURANCE"
	ProviderStandard = "STANDARD_INSURANCE"
	ProviderBasic    = "BASIC_INSURANCE"
)

// CoverageRate splits a bill between insurer and patient. Both are fractions.
type CoverageRate struct {
	Covered decimal.Decimal
	Patient decimal.Decimal
}

// CoverageTable maps upper-case provider names to their rates
type CoverageTable map[string]CoverageRate

// DefaultCoverageTable returns the hospital's contracted rates
func DefaultCoverageTable() CoverageTable {
	return CoverageTable{
		ProviderPremium:  {Covered: decimal.RequireFromString("0.90"), Patient: decimal.RequireFromString("0.10")},
		ProviderStandard: {Covered: decimal.RequireFromString("0.80"), Patient: decimal.RequireFromString("0.20")},
		ProviderBasic:    {Covered: decimal.RequireFromString("0.70"), Patient: decimal.RequireFromString("0.30")},
	}
}

// Lookup matches the provider name case-insensitively
func (t CoverageTable) Lookup(provider string) (CoverageRate, bool) {
	rate, ok := t[strings.ToUpper(provider)]
	return rate, ok
}

// Coverage is the insurer/patient split computed for one claim
type Coverage struct {
	Provider              string
	Rate                  CoverageRate
	ApprovedAmount        decimal.Decimal
	PatientResponsibility decimal.Decimal
}

// Calculate splits total for provider. The insurer share is rounded half-up to
// cents and the patient pays the remainder.
func (t CoverageTable) Calculate(total decimal.Decimal, provider string) (Coverage, bool) {
	rate, ok := t.Lookup(provider)
	if !ok {
		return Coverage{}, false
	}
	insurer := round2(total.Mul(rate.Covered))
	return Coverage{
		Provider:              strings.ToUpper(provider),
		Rate:                  rate,
		ApprovedAmount:        insurer,
		PatientResponsibility: total.Sub(insurer),
	}, true
}

// Notes renders the split for ClaimResult.ProcessingNotes
func (c Coverage) Notes() string {
	return fmt.Sprintf("%s covers %s%%: insurer pays %s, patient pays %s",
		c.Provider,
		c.Rate.Covered.Mul(hundred).String(),
		c.ApprovedAmount.StringFixed(2),
		c.PatientResponsibility.StringFixed(2))
}
