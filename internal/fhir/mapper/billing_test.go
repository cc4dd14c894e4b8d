package mapper

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	fhir "github.com/carepoint/billing-engine/internal/fhir/r5"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleBill() *billing.MasterBill {
	b := billing.NewMasterBill("APT-7", "STANDARD_INSURANCE/POL-1")
	b.AssignID("bill-7")
	b.Add(billing.NewLeaf("Consultation", d("100"), billing.CategoryConsultation))
	labs := billing.NewGroup("Lab panel", billing.CategoryDiagnostic)
	labs.Add(billing.NewLeaf("CBC", d("60"), billing.CategoryDiagnostic))
	labs.Add(billing.NewLeaf("Lipids", d("40"), billing.CategoryDiagnostic))
	b.Add(labs)
	billing.RunModifierPipeline(b,
		billing.Discount{Percentage: d("10")},
		billing.Tax{Rate: d("5")},
	)
	return b
}

func TestMapInvoice(t *testing.T) {
	b := sampleBill()
	inv := NewBillToFHIRMapper("").MapInvoice(b)

	assert.Equal(t, "Invoice", inv.ResourceType)
	assert.Equal(t, "bill-7", inv.BillID())
	assert.Equal(t, fhir.InvoiceDraft, inv.Status)
	require.Len(t, inv.LineItem, 5)
	assert.Equal(t, "Lab panel / CBC", inv.LineItem[1].ChargeItemCodeableConcept.Text)
	assert.Equal(t, 5, inv.LineItem[4].Sequence)

	discount := inv.LineItem[3].PriceComponent[0]
	assert.Equal(t, fhir.PriceDiscount, discount.Type)
	assert.True(t, discount.Amount.Value.Equal(d("20")), discount.Amount.Value.String())

	// 200 - 20 = 180, tax 9
	assert.True(t, inv.TotalGross.Value.Equal(d("189")), inv.TotalGross.Value.String())
	assert.True(t, inv.TotalNet.Value.Equal(d("180")), inv.TotalNet.Value.String())
	assert.Equal(t, "USD", inv.TotalGross.Currency)
}

func TestInvoiceJSONUsesNumbers(t *testing.T) {
	data, err := NewBillToFHIRMapper("EUR").MapInvoice(sampleBill()).ToJSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	gross := raw["totalGross"].(map[string]any)
	assert.Equal(t, 189.0, gross["value"])
	assert.Equal(t, "EUR", gross["currency"])
}

func TestInvoiceStatus(t *testing.T) {
	tests := map[billing.Status]string{
		billing.StatusPending:           fhir.InvoiceDraft,
		billing.StatusApproved:          fhir.InvoiceIssued,
		billing.StatusApprovedHighValue: fhir.InvoiceIssued,
		billing.StatusRejected:          fhir.InvoiceIssued,
		billing.StatusPaid:              fhir.InvoiceBalanced,
		billing.StatusCancelled:         fhir.InvoiceCancelled,
	}
	for status, want := range tests {
		assert.Equal(t, want, invoiceStatus(status), status)
	}
}

func TestMapClaimResponseApproved(t *testing.T) {
	b := billing.NewMasterBill("APT-1", "")
	b.Add(billing.NewLeaf("Consultation", d("200"), billing.CategoryConsultation))
	res := billing.AdjudicateClaim(b, billing.ClaimInsurance, billing.ProviderStandard, "POL-1")
	require.True(t, res.Approved)

	cr := NewBillToFHIRMapper("USD").MapClaimResponse(ClaimDecision{
		BillID:    "bill-1",
		ClaimType: billing.ClaimInsurance,
		Provider:  billing.ProviderStandard,
		Total:     b.Cost(),
		Result:    res,
		Created:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	assert.Equal(t, "approved", cr.Decision.Coding[0].Code)
	assert.Equal(t, "Invoice/bill-1", cr.Request.Reference)
	submitted, ok := cr.TotalFor(fhir.AdjudicationSubmitted)
	require.True(t, ok)
	assert.True(t, submitted.Value.Equal(d("200")))
	assert.NotEmpty(t, cr.ProcessNote)
	assert.Equal(t, string(billing.StageFinalApproval), cr.Extension[0].ValueCode)
	assert.Empty(t, cr.Error)
}

func TestMapClaimResponseRejected(t *testing.T) {
	b := billing.NewMasterBill("APT-1", "")
	b.Add(billing.NewLeaf("Consultation", d("200"), billing.CategoryConsultation))
	res := billing.AdjudicateClaim(b, billing.ClaimInsurance, billing.ProviderStandard, "")

	cr := NewBillToFHIRMapper("USD").MapClaimResponse(ClaimDecision{Result: res, Total: b.Cost()})
	assert.Equal(t, "denied", cr.Decision.Coding[0].Code)
	require.Len(t, cr.Error, 1)
	assert.Equal(t, billing.MsgMissingPolicy, cr.Error[0].Code.Text)
	assert.Nil(t, cr.Request)
}

func TestMapError(t *testing.T) {
	m := NewBillToFHIRMapper("USD")
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("load: %w", billing.ErrBillNotFound), "not-found"},
		{fmt.Errorf("%w: bad", engine.ErrInvalidInput), "invalid"},
		{billing.ErrInvalidTransition, "business-rule"},
		{engine.ErrBillBusy, "conflict"},
		{fmt.Errorf("boom"), "exception"},
	}
	for _, tt := range tests {
		out := m.MapError(tt.err)
		assert.Equal(t, "OperationOutcome", out.ResourceType)
		assert.Equal(t, tt.want, out.Issue[0].Code, tt.err.Error())
	}
}
