package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carepoint/billing-engine/internal/domain/billing"
)

// ChargeInput describes a charge. With Items set it becomes a group whose
// Amount is ignored.
type ChargeInput struct {
	Description string          `json:"description" validate:"required,max=200"`
	Category    string          `json:"category" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Items       []ChargeInput   `json:"items,omitempty" validate:"omitempty,dive"`
}

// Component builds the domain tree
func (c ChargeInput) Component() (billing.Component, error) {
	cat, err := billing.ParseCategory(c.Category)
	if err != nil {
		return nil, err
	}
	if c.Description == "" {
		return nil, fmt.Errorf("charge description is required")
	}
	if c.Items == nil {
		return billing.NewLeaf(c.Description, c.Amount, cat), nil
	}
	g := billing.NewGroup(c.Description, cat)
	for i, item := range c.Items {
		child, err := item.Component()
		if err != nil {
			return nil, fmt.Errorf("%s item %d: %w", c.Description, i, err)
		}
		g.Add(child)
	}
	return g, nil
}

func buildCharges(items []ChargeInput) ([]billing.Component, error) {
	out := make([]billing.Component, 0, len(items))
	for i, item := range items {
		c, err := item.Component()
		if err != nil {
			return nil, fmt.Errorf("%w: charge %d: %v", ErrInvalidInput, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateBillInput opens a bill
type CreateBillInput struct {
	AppointmentID    string        `json:"appointment_id" validate:"required,max=64"`
	InsuranceDetails string        `json:"insurance_details,omitempty" validate:"max=256"`
	Items            []ChargeInput `json:"items,omitempty" validate:"omitempty,dive"`
}

// ClaimInput is a claim against an existing bill
type ClaimInput struct {
	ClaimType         string `json:"claim_type" validate:"required"`
	InsuranceProvider string `json:"insurance_provider,omitempty"`
	PolicyNumber      string `json:"policy_number,omitempty"`
}

func (c ClaimInput) request(b *billing.MasterBill) (billing.ClaimRequest, error) {
	ct, err := billing.ParseClaimType(c.ClaimType)
	if err != nil {
		return billing.ClaimRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return billing.ClaimRequest{
		Bill:              b,
		ClaimType:         ct,
		InsuranceProvider: c.InsuranceProvider,
		PolicyNumber:      c.PolicyNumber,
	}, nil
}

// QuoteInput runs compose, modify and adjudicate without storing anything
type QuoteInput struct {
	AppointmentID    string                 `json:"appointment_id" validate:"required"`
	InsuranceDetails string                 `json:"insurance_details,omitempty"`
	Items            []ChargeInput          `json:"items" validate:"required,min=1,dive"`
	Modifiers        []billing.ModifierSpec `json:"modifiers,omitempty"`
	Claim            ClaimInput             `json:"claim"`
}

// BillView is the read shape of a bill
type BillView struct {
	ID               string                      `json:"id"`
	AppointmentID    string                      `json:"appointment_id"`
	InsuranceDetails string                      `json:"insurance_details,omitempty"`
	Status           billing.Status              `json:"status"`
	Total            decimal.Decimal             `json:"total"`
	Version          int                         `json:"version"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
	Items            []billing.ComponentSnapshot `json:"items"`
}

// NewBillView snapshots b
func NewBillView(b *billing.MasterBill) *BillView {
	items := make([]billing.ComponentSnapshot, 0, len(b.Children()))
	for _, c := range b.Children() {
		items = append(items, billing.Snapshot(c))
	}
	return &BillView{
		ID:               b.ID(),
		AppointmentID:    b.AppointmentID(),
		InsuranceDetails: b.InsuranceDetails(),
		Status:           b.Status(),
		Total:            b.Cost(),
		Version:          b.Version(),
		CreatedAt:        b.CreatedAt(),
		UpdatedAt:        b.UpdatedAt(),
		Items:            items,
	}
}

// ClaimOutcome pairs a decision with the bill it left behind
type ClaimOutcome struct {
	Result billing.ClaimResult `json:"result"`
	Bill   *BillView           `json:"bill"`
}
