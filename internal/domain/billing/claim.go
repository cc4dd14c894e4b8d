package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ClaimType says who is expected to pay
type ClaimType string

const (
	ClaimDirectPay        ClaimType = "DIRECT_PAY"
	ClaimInsurance        ClaimType = "INSURANCE"
	ClaimPartialInsurance ClaimType = "PARTIAL_INSURANCE"
)

// ParseClaimType accepts any letter case.
func ParseClaimType(s string) (ClaimType, error) {
	switch ct := ClaimType(strings.ToUpper(strings.TrimSpace(s))); ct {
	case ClaimDirectPay, ClaimInsurance, ClaimPartialInsurance:
		return ct, nil
	default:
		return "", fmt.Errorf("invalid claim type: %q", s)
	}
}

// Stage identifies a link of the adjudication chain
type Stage string

const (
	StageHospitalApproval    Stage = "HOSPITAL_APPROVAL"
	StageInsuranceValidation Stage = "INSURANCE_VALIDATION"
	StageFinalApproval       Stage = "FINAL_APPROVAL"
)

// ClaimRequest is one adjudication call against a bill
type ClaimRequest struct {
	Bill              *MasterBill
	ClaimType         ClaimType
	InsuranceProvider string
	PolicyNumber      string
}

// ClaimResult is the terminal decision of the chain
type ClaimResult struct {
	Approved              bool            `json:"approved"`
	Message               string          `json:"message"`
	ApprovedAmount        decimal.Decimal `json:"approved_amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	ProcessingNotes       string          `json:"processing_notes,omitempty"`
	Stage                 Stage           `json:"stage"`
}

// Rejection messages. Each failure class has its own text.
const (
	MsgMalformedBill    = "Invalid bill structure: a bill needs at least one item and a positive total"
	MsgMissingPolicy    = "Invalid policy: policy number is missing"
	MsgExpiredPolicy    = "Invalid policy: policy has expired"
	MsgUnknownProvider  = "Unknown insurance provider"
	MsgSuspiciousAmount = "Claim held for fraud review: suspiciously round high-value amount"

	MsgHospitalApproved  = "Approved by hospital: direct payment within hospital approval limit"
	MsgHighValueApproved = "High-value claim approved"
	MsgApproved          = "Claim approved"
)

func rejected(msg string) ClaimResult {
	return ClaimResult{
		Approved:              false,
		Message:               msg,
		ApprovedAmount:        decimal.Zero,
		PatientResponsibility: decimal.Zero,
	}
}

func approved(msg string, amount decimal.Decimal) ClaimResult {
	return ClaimResult{
		Approved:              true,
		Message:               msg,
		ApprovedAmount:        amount,
		PatientResponsibility: decimal.Zero,
	}
}
