package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Thresholds are the named limits used by the adjudication stages
type Thresholds struct {
	// HospitalCeiling is the largest total the hospital approves on its own
	HospitalCeiling decimal.Decimal
	// HighValueThreshold marks totals that need final high-value review
	HighValueThreshold decimal.Decimal
	FraudFloor         decimal.Decimal
	FraudRoundingUnit  decimal.Decimal
	// CarryCoverage makes final approval report the insurer/patient split for
	// insurance claims instead of the full total.
	CarryCoverage bool
}

// DefaultThresholds returns the hospital's standard limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		HospitalCeiling:    decimal.NewFromInt(1000),
		HighValueThreshold: decimal.NewFromInt(5000),
		FraudFloor:         decimal.NewFromInt(10000),
		FraudRoundingUnit:  decimal.NewFromInt(1000),
	}
}

type verdict int

const (
	forward verdict = iota
	approve
	reject
)

// outcome is what a stage hands back to the chain
type outcome struct {
	verdict verdict
	result  ClaimResult
	// status is written to the bill for terminal outcomes
	status Status
}

func forwarded() outcome { return outcome{verdict: forward} }

// claimContext carries what earlier stages learned to later ones
type claimContext struct {
	req      ClaimRequest
	total    decimal.Decimal
	coverage *Coverage
}

type stage struct {
	name Stage
	run  func(a *Adjudicator, cc *claimContext) outcome
}

// chain is fixed. Order matters: each stage assumes the checks before it passed.
var chain = []stage{
	{name: StageHospitalApproval, run: (*Adjudicator).hospitalApproval},
	{name: StageInsuranceValidation, run: (*Adjudicator).insuranceValidation},
	{name: StageFinalApproval, run: (*Adjudicator).finalApproval},
}

// Adjudicator runs claims through hospital approval, insurance validation and
// final approval. It holds no per-claim state and may be shared.
type Adjudicator struct {
	thresholds Thresholds
	coverage   CoverageTable
}

// NewAdjudicator creates an adjudicator. A nil table means DefaultCoverageTable.
func NewAdjudicator(thresholds Thresholds, coverage CoverageTable) *Adjudicator {
	if coverage == nil {
		coverage = DefaultCoverageTable()
	}
	return &Adjudicator{thresholds: thresholds, coverage: coverage}
}

// Thresholds returns the limits in use
func (a *Adjudicator) Thresholds() Thresholds { return a.thresholds }

// AdjudicateClaim runs a claim with the default thresholds and coverage table
func AdjudicateClaim(b *MasterBill, claimType ClaimType, provider, policyNumber string) ClaimResult {
	return NewAdjudicator(DefaultThresholds(), nil).Adjudicate(ClaimRequest{
		Bill:              b,
		ClaimType:         claimType,
		InsuranceProvider: provider,
		PolicyNumber:      policyNumber,
	})
}

// Adjudicate walks the chain until a stage approves or rejects, writes the
// resulting status to the bill and records the decision. The bill is mutated
// in place; nothing is rolled back.
func (a *Adjudicator) Adjudicate(req ClaimRequest) ClaimResult {
	if req.Bill == nil {
		panic("billing: claim request without a bill")
	}
	cc := &claimContext{req: req, total: req.Bill.Cost()}

	for _, st := range chain {
		out := st.run(a, cc)
		if out.verdict == forward {
			continue
		}
		out.result.Stage = st.name
		req.Bill.recordAdjudication(req, out.result, out.status, cc.total)
		return out.result
	}
	// final approval always decides
	panic("billing: adjudication chain ended without a decision")
}

func (a *Adjudicator) hospitalApproval(cc *claimContext) outcome {
	b := cc.req.Bill
	if !b.IsWellFormed() {
		return outcome{verdict: reject, result: rejected(MsgMalformedBill), status: StatusRejected}
	}
	if cc.total.GreaterThan(a.thresholds.HospitalCeiling) {
		return forwarded()
	}
	if cc.req.ClaimType == ClaimDirectPay {
		res := approved(MsgHospitalApproved, cc.total)
		res.PatientResponsibility = cc.total
		return outcome{verdict: approve, result: res, status: StatusApproved}
	}
	return forwarded()
}

func (a *Adjudicator) insuranceValidation(cc *claimContext) outcome {
	if cc.req.ClaimType == ClaimDirectPay {
		return forwarded()
	}
	policy := strings.TrimSpace(cc.req.PolicyNumber)
	switch {
	case policy == "":
		return outcome{verdict: reject, result: rejected(MsgMissingPolicy), status: StatusRejected}
	case strings.HasPrefix(strings.ToUpper(policy), "EXPIRED"):
		return outcome{verdict: reject, result: rejected(MsgExpiredPolicy), status: StatusRejected}
	}

	cov, ok := a.coverage.Calculate(cc.total, cc.req.InsuranceProvider)
	if !ok {
		return outcome{
			verdict: reject,
			result:  rejected(MsgUnknownProvider + ": " + cc.req.InsuranceProvider),
			status:  StatusRejected,
		}
	}
	cc.coverage = &cov
	return forwarded()
}

func (a *Adjudicator) finalApproval(cc *claimContext) outcome {
	t := a.thresholds
	if cc.total.GreaterThan(t.HighValueThreshold) {
		if a.suspicious(cc.total) {
			// status is left as it was so the bill can be reviewed and resubmitted
			return outcome{verdict: reject, result: rejected(MsgSuspiciousAmount), status: cc.req.Bill.Status()}
		}
		res := approved(MsgHighValueApproved, cc.total)
		a.applyCoverage(cc, &res)
		return outcome{verdict: approve, result: res, status: StatusApprovedHighValue}
	}

	res := approved(MsgApproved, cc.total)
	if cc.req.ClaimType == ClaimDirectPay {
		res.PatientResponsibility = cc.total
	} else {
		a.applyCoverage(cc, &res)
	}
	return outcome{verdict: approve, result: res, status: StatusApproved}
}

// suspicious flags exact multiples of the rounding unit above the fraud floor
func (a *Adjudicator) suspicious(total decimal.Decimal) bool {
	t := a.thresholds
	if t.FraudRoundingUnit.IsZero() {
		return false
	}
	return total.GreaterThan(t.FraudFloor) && total.Mod(t.FraudRoundingUnit).IsZero()
}

func (a *Adjudicator) applyCoverage(cc *claimContext, res *ClaimResult) {
	if cc.coverage == nil {
		return
	}
	res.ProcessingNotes = cc.coverage.Notes()
	if a.thresholds.CarryCoverage {
		res.ApprovedAmount = cc.coverage.ApprovedAmount
		res.PatientResponsibility = cc.coverage.PatientResponsibility
	}
}
