package r5

import (
	"encoding/json"
	"time"
)

// Invoice statuses
const (
	InvoiceDraft     = "draft"
	InvoiceIssued    = "issued"
	InvoiceBalanced  = "balanced"
	InvoiceCancelled = "cancelled"
)

// Price component types
const (
	PriceBase      = "base"
	PriceSurcharge = "surcharge"
	PriceDiscount  = "discount"
	PriceTax       = "tax"
)

// Invoice represents a FHIR R5 Invoice resource.
type Invoice struct {
	ResourceType    string           `json:"resourceType"`
	ID              string           `json:"id,omitempty"`
	Meta            *Meta            `json:"meta,omitempty"`
	Identifier      []Identifier     `json:"identifier,omitempty"`
	Status          string           `json:"status"`
	CancelledReason string           `json:"cancelledReason,omitempty"`
	Type            *CodeableConcept `json:"type,omitempty"`
	Date            *time.Time       `json:"date,omitempty"`
	CreationDate    *time.Time       `json:"creation,omitempty"`
	LineItem        []InvoiceLine    `json:"lineItem,omitempty"`
	TotalPriceComp  []PriceComponent `json:"totalPriceComponent,omitempty"`
	TotalNet        *Money           `json:"totalNet,omitempty"`
	TotalGross      *Money           `json:"totalGross,omitempty"`
	PaymentTerms    string           `json:"paymentTerms,omitempty"`
	Note            []Annotation     `json:"note,omitempty"`
	Extension       []Extension      `json:"extension,omitempty"`
}

// InvoiceLine is one line of an invoice. Nested groups are flattened; the
// group name survives in ChargeItemCodeableConcept.Text.
type InvoiceLine struct {
	Sequence                  int              `json:"sequence"`
	ChargeItemCodeableConcept *CodeableConcept `json:"chargeItemCodeableConcept,omitempty"`
	PriceComponent            []PriceComponent `json:"priceComponent,omitempty"`
}

// PriceComponent is a typed amount on a line or on the invoice total.
type PriceComponent struct {
	Type   string           `json:"type"`
	Code   *CodeableConcept `json:"code,omitempty"`
	Amount *Money           `json:"amount,omitempty"`
}

// ToJSON serializes the invoice
func (i *Invoice) ToJSON() ([]byte, error) {
	i.ResourceType = "Invoice"
	return json.Marshal(i)
}

// BillID returns the bill identifier value, if present.
func (i *Invoice) BillID() string {
	for _, id := range i.Identifier {
		if id.System == SystemBillID {
			return id.Value
		}
	}
	return ""
}
