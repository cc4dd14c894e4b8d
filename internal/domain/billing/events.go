package billing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of bill event
type EventType string

const (
	EventBillCreated      EventType = "BillCreated"
	EventLineItemAdded    EventType = "LineItemAdded"
	EventClaimAdjudicated EventType = "ClaimAdjudicated"
	EventBillPaid         EventType = "BillPaid"
	EventBillCancelled    EventType = "BillCancelled"
)

// AggregateType is stored alongside every bill event and outbox entry.
const AggregateType = "MasterBill"

// Event represents a bill event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// BillCreatedData contains bill creation details
type BillCreatedData struct {
	AppointmentID    string    `json:"appointment_id"`
	InsuranceDetails string    `json:"insurance_details,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// LineItemAddedData carries the added component as it looked when attached.
type LineItemAddedData struct {
	Item ComponentSnapshot `json:"item"`
}

// ClaimAdjudicatedData records the outcome of one adjudication pass
type ClaimAdjudicatedData struct {
	ClaimType             ClaimType       `json:"claim_type"`
	InsuranceProvider     string          `json:"insurance_provider,omitempty"`
	Stage                 Stage           `json:"stage"`
	Approved              bool            `json:"approved"`
	Message               string          `json:"message"`
	ApprovedAmount        decimal.Decimal `json:"approved_amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	ProcessingNotes       string          `json:"processing_notes,omitempty"`
	Status                Status          `json:"status"`
	Total                 decimal.Decimal `json:"total"`
}

// StatusChangedData is used by the paid and cancelled events
type StatusChangedData struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ComponentSnapshot is the serialized form of a Leaf or a Group.
type ComponentSnapshot struct {
	Description string              `json:"description"`
	Category    Category            `json:"category"`
	Amount      decimal.Decimal     `json:"amount"`
	Children    []ComponentSnapshot `json:"children"`
}

// Snapshot converts a component tree into its serialized form. Amount holds the
// leaf amount, or the group total at snapshot time.
func Snapshot(c Component) ComponentSnapshot {
	s := ComponentSnapshot{
		Description: c.Description(),
		Category:    c.Category(),
		Amount:      c.Cost(),
	}
	if g, ok := c.(*Group); ok {
		s.Children = make([]ComponentSnapshot, 0, len(g.children))
		for _, child := range g.children {
			s.Children = append(s.Children, Snapshot(child))
		}
	}
	return s
}

// Component rebuilds the tree. Any snapshot with a children slice, even an
// empty one, becomes a Group.
func (s ComponentSnapshot) Component() Component {
	if s.Children == nil {
		return NewLeaf(s.Description, s.Amount, s.Category)
	}
	g := NewGroup(s.Description, s.Category)
	for _, child := range s.Children {
		g.Add(child.Component())
	}
	return g
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
