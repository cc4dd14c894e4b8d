package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents bill status
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusApproved          Status = "APPROVED"
	StatusApprovedHighValue Status = "APPROVED_HIGH_VALUE"
	StatusRejected          Status = "REJECTED"
	StatusPaid              Status = "PAID"
	StatusCancelled         Status = "CANCELLED"
)

var (
	// ErrBillNotFound is returned by stores when no events exist for an id
	ErrBillNotFound = errors.New("bill not found")
	// ErrInvalidTransition is returned when a collaborator transition is not allowed
	ErrInvalidTransition = errors.New("invalid bill status transition")
)

// MasterBill is the root composite of a bill and its aggregate root.
// It is not safe for concurrent use; callers serialize work per bill id.
type MasterBill struct {
	id               string
	version          int
	appointmentID    string
	insuranceDetails string
	status           Status
	createdAt        time.Time
	updatedAt        time.Time
	children         []Component
	changes          []*Event
}

// NewMasterBill creates an empty PENDING bill for an appointment.
// It panics when appointmentID is empty.
func NewMasterBill(appointmentID, insuranceDetails string) *MasterBill {
	return newMasterBillAt(appointmentID, insuranceDetails, time.Now().UTC())
}

func newMasterBillAt(appointmentID, insuranceDetails string, createdAt time.Time) *MasterBill {
	if appointmentID == "" {
		panic("billing: appointment id is required")
	}
	b := &MasterBill{
		appointmentID:    appointmentID,
		insuranceDetails: insuranceDetails,
		status:           StatusPending,
		createdAt:        createdAt,
		updatedAt:        createdAt,
	}
	b.record(EventBillCreated, &BillCreatedData{
		AppointmentID:    appointmentID,
		InsuranceDetails: insuranceDetails,
		CreatedAt:        createdAt,
	})
	return b
}

// ID is empty until the bill is first persisted
func (b *MasterBill) ID() string { return b.id }

// Version returns the current version
func (b *MasterBill) Version() int { return b.version }

func (b *MasterBill) AppointmentID() string    { return b.appointmentID }
func (b *MasterBill) InsuranceDetails() string { return b.insuranceDetails }
func (b *MasterBill) Status() Status           { return b.status }
func (b *MasterBill) CreatedAt() time.Time     { return b.createdAt }
func (b *MasterBill) UpdatedAt() time.Time     { return b.updatedAt }

// Changes returns uncommitted events
func (b *MasterBill) Changes() []*Event { return b.changes }

// ClearChanges clears uncommitted events
func (b *MasterBill) ClearChanges() { b.changes = nil }

// AssignID is called by the store on first save. It stamps pending events.
func (b *MasterBill) AssignID(id string) {
	if b.id != "" {
		return
	}
	b.id = id
	for _, e := range b.changes {
		e.AggregateID = id
	}
}

// Add appends a charge or adjustment. A nil component is a programming error.
func (b *MasterBill) Add(c Component) {
	if c == nil {
		panic("billing: nil component added to bill")
	}
	b.children = append(b.children, c)
	b.record(EventLineItemAdded, &LineItemAddedData{Item: Snapshot(c)})
}

// Cost is the recursive sum of all children, recomputed on every call.
func (b *MasterBill) Cost() decimal.Decimal {
	return sum(b.children, nil)
}

// Children returns a read-only copy in insertion order.
func (b *MasterBill) Children() []Component {
	out := make([]Component, len(b.children))
	copy(out, b.children)
	return out
}

// IsWellFormed reports whether the bill has at least one line and a
// strictly positive total.
func (b *MasterBill) IsWellFormed() bool {
	return len(b.children) > 0 && b.Cost().IsPositive()
}

// costExcluding sums direct children whose category is not in excluded.
func (b *MasterBill) costExcluding(excluded ...Category) decimal.Decimal {
	return sum(b.children, func(c Component) bool {
		for _, cat := range excluded {
			if c.Category() == cat {
				return false
			}
		}
		return true
	})
}

// recordAdjudication is the only status write made during adjudication.
func (b *MasterBill) recordAdjudication(req ClaimRequest, res ClaimResult, status Status, total decimal.Decimal) {
	b.status = status
	b.record(EventClaimAdjudicated, &ClaimAdjudicatedData{
		ClaimType:             req.ClaimType,
		InsuranceProvider:     req.InsuranceProvider,
		Stage:                 res.Stage,
		Approved:              res.Approved,
		Message:               res.Message,
		ApprovedAmount:        res.ApprovedAmount,
		PatientResponsibility: res.PatientResponsibility,
		ProcessingNotes:       res.ProcessingNotes,
		Status:                status,
		Total:                 total,
	})
}

// Settle marks an approved bill as paid
func (b *MasterBill) Settle(reference string) error {
	if b.status != StatusApproved && b.status != StatusApprovedHighValue {
		return fmt.Errorf("%w: cannot pay a %s bill", ErrInvalidTransition, b.status)
	}
	from := b.status
	b.status = StatusPaid
	b.record(EventBillPaid, &StatusChangedData{From: from, To: StatusPaid, Reason: reference})
	return nil
}

// Cancel voids a bill that has not been paid
func (b *MasterBill) Cancel(reason string) error {
	if b.status == StatusPaid || b.status == StatusCancelled {
		return fmt.Errorf("%w: cannot cancel a %s bill", ErrInvalidTransition, b.status)
	}
	from := b.status
	b.status = StatusCancelled
	b.record(EventBillCancelled, &StatusChangedData{From: from, To: StatusCancelled, Reason: reason})
	return nil
}

// record appends a new event for a change already made to the bill.
func (b *MasterBill) record(eventType EventType, data interface{}) {
	// payloads are plain structs of strings, times and decimals
	event, err := NewEvent(b.id, eventType, data)
	if err != nil {
		panic(fmt.Sprintf("billing: encode %s: %v", eventType, err))
	}
	event.AppointmentID = b.appointmentID
	b.version++
	event.Version = b.version
	b.updatedAt = event.Timestamp
	b.changes = append(b.changes, event)
}

// LoadFromHistory rebuilds a bill from its stored events
func LoadFromHistory(id string, events []*Event) (*MasterBill, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBillNotFound, id)
	}
	b := &MasterBill{id: id}
	for _, event := range events {
		if err := b.apply(event); err != nil {
			return nil, fmt.Errorf("replay %s v%d: %w", event.EventType, event.Version, err)
		}
	}
	return b, nil
}

// apply applies a stored event to update state
func (b *MasterBill) apply(event *Event) error {
	b.version++
	b.updatedAt = event.Timestamp

	switch event.EventType {
	case EventBillCreated:
		var data BillCreatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		b.appointmentID = data.AppointmentID
		b.insuranceDetails = data.InsuranceDetails
		b.createdAt = data.CreatedAt
		b.status = StatusPending
	case EventLineItemAdded:
		var data LineItemAddedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		b.children = append(b.children, data.Item.Component())
	case EventClaimAdjudicated:
		var data ClaimAdjudicatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		b.status = data.Status
	case EventBillPaid:
		b.status = StatusPaid
	case EventBillCancelled:
		b.status = StatusCancelled
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	return nil
}
