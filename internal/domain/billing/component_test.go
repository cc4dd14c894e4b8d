package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("medication")
	require.NoError(t, err)
	assert.Equal(t, CategoryMedication, c)

	_, err = ParseCategory("SURGERY")
	assert.Error(t, err)
}

func TestCategoryIsAdjustment(t *testing.T) {
	for _, c := range []Category{CategoryTax, CategoryDiscount, CategoryLateFee} {
		assert.True(t, c.IsAdjustment(), c)
	}
	for _, c := range []Category{CategoryConsultation, CategoryTreatment, CategoryMedication, CategoryDiagnostic} {
		assert.False(t, c.IsAdjustment(), c)
	}
}

func TestGroupCostIsRecursive(t *testing.T) {
	labs := NewGroup("Lab panel", CategoryDiagnostic)
	labs.Add(NewLeaf("CBC", d("40.00"), CategoryDiagnostic))
	labs.Add(NewLeaf("Lipid panel", d("60.00"), CategoryDiagnostic))

	visit := NewGroup("Visit", CategoryConsultation)
	visit.Add(NewLeaf("Consultation", d("150.00"), CategoryConsultation))
	visit.Add(labs)

	assertAmount(t, "250.00", visit.Cost())

	// cost is read live, never cached
	labs.Add(NewLeaf("A1C", d("25.50"), CategoryDiagnostic))
	assertAmount(t, "275.50", visit.Cost())
}

func TestEmptyGroupCostsZero(t *testing.T) {
	assert.True(t, NewGroup("empty", CategoryTreatment).Cost().IsZero())
}

func TestGroupChildrenIsACopy(t *testing.T) {
	g := NewGroup("g", CategoryTreatment)
	g.Add(NewLeaf("a", d("1"), CategoryTreatment))

	kids := g.Children()
	kids[0] = NewLeaf("b", d("999"), CategoryTreatment)

	assertAmount(t, "1", g.Cost())
}

func TestGroupAddNilPanics(t *testing.T) {
	assert.Panics(t, func() { NewGroup("g", CategoryTreatment).Add(nil) })
}

func TestLeafNegativeAmountIsACredit(t *testing.T) {
	g := NewGroup("g", CategoryTreatment)
	g.Add(NewLeaf("charge", d("80"), CategoryTreatment))
	g.Add(NewLeaf("credit", d("-30"), CategoryDiscount))
	assertAmount(t, "50", g.Cost())
}
