// Package billing implements the bill composite, the modifier pipeline and
// the claim adjudication chain.
package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Category classifies a bill line
type Category string

const (
	CategoryConsultation Category = "CONSULTATION"
	CategoryTreatment    Category = "TREATMENT"
	CategoryMedication   Category = "MEDICATION"
	CategoryDiagnostic   Category = "DIAGNOSTIC"
	CategoryTax          Category = "TAX"
	CategoryDiscount     Category = "DISCOUNT"
	CategoryLateFee      Category = "LATE_FEE"
)

var validCategories = map[Category]bool{
	CategoryConsultation: true,
	CategoryTreatment:    true,
	CategoryMedication:   true,
	CategoryDiagnostic:   true,
	CategoryTax:          true,
	CategoryDiscount:     true,
	CategoryLateFee:      true,
}

// ParseCategory accepts any letter case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !validCategories[c] {
		return "", fmt.Errorf("invalid category: %q", s)
	}
	return c, nil
}

// IsAdjustment reports whether lines of this category are produced by modifiers.
func (c Category) IsAdjustment() bool {
	return c == CategoryTax || c == CategoryDiscount || c == CategoryLateFee
}

// Component is anything that contributes cost to a bill.
type Component interface {
	Description() string
	Cost() decimal.Decimal
	Category() Category
}

// Leaf is a single charge or adjustment line. Credits carry a negative amount.
type Leaf struct {
	description string
	amount      decimal.Decimal
	category    Category
}

// NewLeaf creates a bill line
func NewLeaf(description string, amount decimal.Decimal, category Category) *Leaf {
	return &Leaf{description: description, amount: amount, category: category}
}

func (l *Leaf) Description() string   { return l.description }
func (l *Leaf) Cost() decimal.Decimal { return l.amount }
func (l *Leaf) Category() Category    { return l.category }

// Group is a nested composite, e.g. a treatment package made of several lines.
type Group struct {
	description string
	category    Category
	children    []Component
}

// NewGroup creates an empty group
func NewGroup(description string, category Category) *Group {
	return &Group{description: description, category: category}
}

func (g *Group) Description() string { return g.description }
func (g *Group) Category() Category  { return g.category }

// Add appends a child. A nil child is a programming error.
func (g *Group) Add(c Component) {
	if c == nil {
		panic("billing: nil component added to group")
	}
	g.children = append(g.children, c)
}

// Cost is recomputed from the children on every call.
func (g *Group) Cost() decimal.Decimal {
	return sum(g.children, nil)
}

// Children returns a copy of the children in insertion order.
func (g *Group) Children() []Component {
	out := make([]Component, len(g.children))
	copy(out, g.children)
	return out
}

// sum adds the cost of every component accepted by keep (all when keep is nil).
func sum(components []Component, keep func(Component) bool) decimal.Decimal {
	total := decimal.Zero
	for _, c := range components {
		if keep != nil && !keep(c) {
			continue
		}
		total = total.Add(c.Cost())
	}
	return total
}

// round2 rounds half-up to cents. Amounts reaching it are non-negative, where
// decimal's half-away-from-zero rounding is half-up.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

var hundred = decimal.NewFromInt(100)

// percentOf returns base * pct / 100 without rounding.
func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}
