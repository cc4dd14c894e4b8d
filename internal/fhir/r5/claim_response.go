package r5

import (
	"encoding/json"
	"time"
)

// ClaimResponse outcomes
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
)

// Adjudication category codes
const (
	AdjudicationSubmitted = "submitted"
	AdjudicationEligible  = "eligible"
	AdjudicationBenefit   = "benefit"
	AdjudicationCopay     = "copay"
)

// ClaimResponse represents a FHIR R5 ClaimResponse resource.
type ClaimResponse struct {
	ResourceType string                     `json:"resourceType"`
	ID           string                     `json:"id,omitempty"`
	Identifier   []Identifier               `json:"identifier,omitempty"`
	Status       string                     `json:"status"`
	Type         *CodeableConcept           `json:"type,omitempty"`
	Use          string                     `json:"use"`
	Created      time.Time                  `json:"created"`
	Insurer      *Reference                 `json:"insurer,omitempty"`
	Request      *Reference                 `json:"request,omitempty"`
	Outcome      string                     `json:"outcome"`
	Decision     *CodeableConcept           `json:"decision,omitempty"`
	Disposition  string                     `json:"disposition,omitempty"`
	Total        []ClaimResponseTotal       `json:"total,omitempty"`
	ProcessNote  []ClaimResponseProcessNote `json:"processNote,omitempty"`
	Error        []ClaimResponseError       `json:"error,omitempty"`
	Extension    []Extension                `json:"extension,omitempty"`
}

// ClaimResponseTotal is an adjudication category total
type ClaimResponseTotal struct {
	Category CodeableConcept `json:"category"`
	Amount   Money           `json:"amount"`
}

// ClaimResponseProcessNote is a free-text processing note
type ClaimResponseProcessNote struct {
	Number int    `json:"number,omitempty"`
	Type   string `json:"type,omitempty"`
	Text   string `json:"text"`
}

// ClaimResponseError is a processing error
type ClaimResponseError struct {
	Code CodeableConcept `json:"code"`
}

// ToJSON serializes the claim response
func (c *ClaimResponse) ToJSON() ([]byte, error) {
	c.ResourceType = "ClaimResponse"
	return json.Marshal(c)
}

// TotalFor returns the total of an adjudication category
func (c *ClaimResponse) TotalFor(category string) (Money, bool) {
	for _, t := range c.Total {
		for _, code := range t.Category.Coding {
			if code.Code == category {
				return t.Amount, true
			}
		}
	}
	return Money{}, false
}
