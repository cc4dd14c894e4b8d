// Package r5 provides the FHIR R5 data structures used to export bills and
// claim decisions.
package r5

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Security    []Coding  `json:"security,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use      string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type     *CodeableConcept `json:"type,omitempty"`
	System   string           `json:"system,omitempty"`
	Value    string           `json:"value,omitempty"`
	Period   *Period          `json:"period,omitempty"`
	Assigner *Reference       `json:"assigner,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System       string `json:"system,omitempty"`
	Version      string `json:"version,omitempty"`
	Code         string `json:"code,omitempty"`
	Display      string `json:"display,omitempty"`
	UserSelected bool   `json:"userSelected,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	AuthorString    string     `json:"authorString,omitempty"`
	Time            time.Time  `json:"time,omitempty"`
	Text            string     `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL          string `json:"url"`
	ValueString  string `json:"valueString,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Location    []string         `json:"location,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Money is an amount in a currency. Value is written as a JSON number with
// two decimals.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

func (m Money) MarshalJSON() ([]byte, error) {
	out := []byte(`{"value":` + m.Value.StringFixed(2))
	if m.Currency != "" {
		out = append(out, `,"currency":"`+m.Currency+`"`...)
	}
	return append(out, '}'), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value    decimal.Decimal `json:"value"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Value, m.Currency = raw.Value, raw.Currency
	return nil
}

// Code systems used by the billing exports
const (
	SystemBillID            = "urn:carepoint:bill"
	SystemAppointmentID     = "urn:carepoint:appointment"
	SystemChargeCategory    = "urn:carepoint:charge-category"
	SystemAdjudication      = "http://terminology.hl7.org/CodeSystem/adjudication"
	SystemClaimType         = "http://terminology.hl7.org/CodeSystem/claim-type"
	SystemPriceComponent    = "http://hl7.org/fhir/invoice-priceComponentType"
	SystemRemittanceOutcome = "http://hl7.org/fhir/remittance-outcome"
	ExtensionClaimStage     = "urn:carepoint:fhir:claim-stage"
)
