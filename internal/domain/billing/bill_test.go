package billing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMasterBill(t *testing.T) {
	b := NewMasterBill("APT-1", "PREMIUM_INSURANCE/POL-9")

	assert.Empty(t, b.ID())
	assert.Equal(t, "APT-1", b.AppointmentID())
	assert.Equal(t, StatusPending, b.Status())
	assert.True(t, b.Cost().IsZero())
	assert.False(t, b.IsWellFormed())
	require.Len(t, b.Changes(), 1)
	assert.Equal(t, EventBillCreated, b.Changes()[0].EventType)
	assert.Equal(t, 1, b.Version())
}

func TestNewMasterBillRequiresAppointment(t *testing.T) {
	assert.Panics(t, func() { NewMasterBill("", "") })
}

func TestMasterBillAddAndCost(t *testing.T) {
	b := NewMasterBill("APT-1", "")
	b.Add(NewLeaf("Consultation", d("100.00"), CategoryConsultation))

	meds := NewGroup("Pharmacy", CategoryMedication)
	meds.Add(NewLeaf("Amoxicillin", d("12.50"), CategoryMedication))
	meds.Add(NewLeaf("Ibuprofen", d("7.50"), CategoryMedication))
	b.Add(meds)

	assertAmount(t, "120.00", b.Cost())
	assert.True(t, b.IsWellFormed())
	assert.Len(t, b.Children(), 2)
	assert.Equal(t, 3, b.Version())

	assert.Panics(t, func() { b.Add(nil) })
}

func TestIsWellFormedNeedsPositiveTotal(t *testing.T) {
	b := NewMasterBill("APT-1", "")
	b.Add(NewLeaf("charge", d("50"), CategoryTreatment))
	b.Add(NewLeaf("write-off", d("-50"), CategoryDiscount))
	assert.False(t, b.IsWellFormed())
}

func TestAssignIDStampsPendingEvents(t *testing.T) {
	b := NewMasterBill("APT-1", "")
	b.Add(NewLeaf("x", d("1"), CategoryTreatment))
	b.AssignID("bill-1")
	b.AssignID("bill-2")

	assert.Equal(t, "bill-1", b.ID())
	for _, e := range b.Changes() {
		assert.Equal(t, "bill-1", e.AggregateID)
		assert.Equal(t, "APT-1", e.AppointmentID)
	}
}

func TestSettleAndCancel(t *testing.T) {
	b := NewMasterBill("APT-1", "")
	b.Add(NewLeaf("x", d("10"), CategoryTreatment))

	err := b.Settle("PAY-1")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	AdjudicateClaim(b, ClaimDirectPay, "", "")
	require.Equal(t, StatusApproved, b.Status())
	require.NoError(t, b.Settle("PAY-1"))
	assert.Equal(t, StatusPaid, b.Status())

	assert.ErrorIs(t, b.Cancel("late"), ErrInvalidTransition)
}

func TestCancelTwiceFails(t *testing.T) {
	b := NewMasterBill("APT-1", "")
	require.NoError(t, b.Cancel("duplicate visit"))
	assert.Equal(t, StatusCancelled, b.Status())
	assert.ErrorIs(t, b.Cancel("again"), ErrInvalidTransition)
}

func TestLoadFromHistoryRebuildsBill(t *testing.T) {
	created := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	b := newMasterBillAt("APT-7", "STANDARD_INSURANCE", created)
	b.Add(NewLeaf("Consultation", d("150"), CategoryConsultation))
	labs := NewGroup("Labs", CategoryDiagnostic)
	labs.Add(NewLeaf("CBC", d("50"), CategoryDiagnostic))
	labs.Add(NewGroup("Pending cultures", CategoryDiagnostic))
	b.Add(labs)
	RunModifierPipeline(b, Discount{Percentage: d("10")}, Tax{Rate: d("8")})
	AdjudicateClaim(b, ClaimInsurance, "STANDARD_INSURANCE", "POL-1")

	// round-trip through JSON the way the store does
	raw, err := json.Marshal(b.Changes())
	require.NoError(t, err)
	var events []*Event
	require.NoError(t, json.Unmarshal(raw, &events))

	got, err := LoadFromHistory("bill-7", events)
	require.NoError(t, err)

	assert.Equal(t, "bill-7", got.ID())
	assert.Equal(t, b.AppointmentID(), got.AppointmentID())
	assert.Equal(t, b.InsuranceDetails(), got.InsuranceDetails())
	assert.True(t, created.Equal(got.CreatedAt()))
	assert.Equal(t, b.Status(), got.Status())
	assert.Equal(t, b.Version(), got.Version())
	assertAmount(t, b.Cost().String(), got.Cost())
	assert.Empty(t, got.Changes())

	require.Len(t, got.Children(), 4)
	g, ok := got.Children()[1].(*Group)
	require.True(t, ok)
	require.Len(t, g.Children(), 2)
	empty, ok := g.Children()[1].(*Group)
	require.True(t, ok, "empty group must survive replay")
	assert.Empty(t, empty.Children())
}

func TestLoadFromHistoryErrors(t *testing.T) {
	_, err := LoadFromHistory("missing", nil)
	assert.ErrorIs(t, err, ErrBillNotFound)

	_, err = LoadFromHistory("x", []*Event{{EventType: "Bogus", EventData: json.RawMessage(`{}`)}})
	assert.Error(t, err)
}
