// Package mapper exports bills and claim decisions as FHIR R5 resources.
package mapper

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	fhir "github.com/carepoint/billing-engine/internal/fhir/r5"
)

// BillToFHIRMapper converts billing aggregates to FHIR R5
type BillToFHIRMapper struct {
	Currency string
}

// NewBillToFHIRMapper creates a mapper that stamps amounts with currency
func NewBillToFHIRMapper(currency string) *BillToFHIRMapper {
	if currency == "" {
		currency = "USD"
	}
	return &BillToFHIRMapper{Currency: currency}
}

// MapInvoice converts a bill into an Invoice. Groups are flattened into one
// line per leaf; the line text carries the group path.
func (m *BillToFHIRMapper) MapInvoice(b *billing.MasterBill) *fhir.Invoice {
	created := b.CreatedAt()
	inv := &fhir.Invoice{
		ResourceType: "Invoice",
		ID:           b.ID(),
		Meta:         &fhir.Meta{VersionID: strconv.Itoa(b.Version()), LastUpdated: b.UpdatedAt()},
		Identifier: []fhir.Identifier{
			{System: fhir.SystemBillID, Value: b.ID()},
			{System: fhir.SystemAppointmentID, Value: b.AppointmentID()},
		},
		Status:       invoiceStatus(b.Status()),
		CreationDate: &created,
	}
	if b.InsuranceDetails() != "" {
		inv.Note = append(inv.Note, fhir.Annotation{Text: "Insurance: " + b.InsuranceDetails()})
	}

	totals := map[string]decimal.Decimal{}
	var order []string
	var walk func(c billing.Component, path []string)
	walk = func(c billing.Component, path []string) {
		if g, ok := c.(*billing.Group); ok {
			next := append(append([]string(nil), path...), g.Description())
			for _, child := range g.Children() {
				walk(child, next)
			}
			return
		}
		kind := priceType(c.Category())
		amount := c.Cost()
		if kind == fhir.PriceDiscount {
			amount = amount.Abs()
		}
		inv.LineItem = append(inv.LineItem, fhir.InvoiceLine{
			Sequence: len(inv.LineItem) + 1,
			ChargeItemCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: fhir.SystemChargeCategory, Code: string(c.Category())}},
				Text:   strings.Join(append(path, c.Description()), " / "),
			},
			PriceComponent: []fhir.PriceComponent{{Type: kind, Amount: m.money(amount)}},
		})
		if _, seen := totals[kind]; !seen {
			order = append(order, kind)
		}
		totals[kind] = totals[kind].Add(amount)
	}
	for _, c := range b.Children() {
		walk(c, nil)
	}

	for _, kind := range order {
		inv.TotalPriceComp = append(inv.TotalPriceComp, fhir.PriceComponent{Type: kind, Amount: m.money(totals[kind])})
	}
	gross := b.Cost()
	inv.TotalGross = m.money(gross)
	inv.TotalNet = m.money(gross.Sub(totals[fhir.PriceTax]))

	if b.Status() == billing.StatusCancelled {
		inv.CancelledReason = "cancelled"
	}
	return inv
}

// ClaimDecision is everything needed to describe one adjudication
type ClaimDecision struct {
	BillID    string
	ClaimType billing.ClaimType
	Provider  string
	Total     decimal.Decimal
	Result    billing.ClaimResult
	Created   time.Time
}

// DecisionFromOutcome builds a ClaimDecision from a service outcome
func DecisionFromOutcome(out *engine.ClaimOutcome, claimType billing.ClaimType, provider string) ClaimDecision {
	return ClaimDecision{
		BillID:    out.Bill.ID,
		ClaimType: claimType,
		Provider:  provider,
		Total:     out.Bill.Total,
		Result:    out.Result,
		Created:   out.Bill.UpdatedAt,
	}
}

// MapClaimResponse converts an adjudication into a ClaimResponse
func (m *BillToFHIRMapper) MapClaimResponse(d ClaimDecision) *fhir.ClaimResponse {
	res := d.Result
	cr := &fhir.ClaimResponse{
		ResourceType: "ClaimResponse",
		Status:       "active",
		Use:          "claim",
		Created:      d.Created,
		Outcome:      fhir.OutcomeComplete,
		Disposition:  res.Message,
		Type: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemClaimType, Code: "institutional"}},
			Text:   string(d.ClaimType),
		},
		Extension: []fhir.Extension{{URL: fhir.ExtensionClaimStage, ValueCode: string(res.Stage)}},
	}
	if d.BillID != "" {
		cr.Identifier = []fhir.Identifier{{System: fhir.SystemBillID, Value: d.BillID}}
		cr.Request = &fhir.Reference{Reference: "Invoice/" + d.BillID, Type: "Invoice"}
	}
	if d.Provider != "" {
		cr.Insurer = &fhir.Reference{Display: d.Provider}
	}

	decision := "approved"
	if !res.Approved {
		decision = "denied"
		cr.Error = []fhir.ClaimResponseError{{Code: fhir.CodeableConcept{Text: res.Message}}}
	}
	cr.Decision = &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: decision}}}

	cr.Total = []fhir.ClaimResponseTotal{
		m.total(fhir.AdjudicationSubmitted, d.Total),
		m.total(fhir.AdjudicationBenefit, res.ApprovedAmount),
		m.total(fhir.AdjudicationCopay, res.PatientResponsibility),
	}
	if res.ProcessingNotes != "" {
		cr.ProcessNote = []fhir.ClaimResponseProcessNote{{Number: 1, Type: "display", Text: res.ProcessingNotes}}
	}
	return cr
}

// MapError converts a service error into an OperationOutcome
func (m *BillToFHIRMapper) MapError(err error) *fhir.OperationOutcome {
	code := "exception"
	switch {
	case errors.Is(err, billing.ErrBillNotFound):
		code = "not-found"
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, billing.ErrInvalidModifier):
		code = "invalid"
	case errors.Is(err, billing.ErrInvalidTransition):
		code = "business-rule"
	case errors.Is(err, engine.ErrBillBusy), errors.Is(err, billing.ErrVersionConflict):
		code = "conflict"
	}
	return fhir.NewErrorOutcome(code, err.Error())
}

func (m *BillToFHIRMapper) money(v decimal.Decimal) *fhir.Money {
	return &fhir.Money{Value: v, Currency: m.Currency}
}

func (m *BillToFHIRMapper) total(category string, v decimal.Decimal) fhir.ClaimResponseTotal {
	return fhir.ClaimResponseTotal{
		Category: fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemAdjudication, Code: category}}},
		Amount:   *m.money(v),
	}
}

func invoiceStatus(s billing.Status) string {
	switch s {
	case billing.StatusPending:
		return fhir.InvoiceDraft
	case billing.StatusPaid:
		return fhir.InvoiceBalanced
	case billing.StatusCancelled:
		return fhir.InvoiceCancelled
	default:
		return fhir.InvoiceIssued
	}
}

func priceType(c billing.Category) string {
	switch c {
	case billing.CategoryTax:
		return fhir.PriceTax
	case billing.CategoryDiscount:
		return fhir.PriceDiscount
	case billing.CategoryLateFee:
		return fhir.PriceSurcharge
	default:
		return fhir.PriceBase
	}
}

