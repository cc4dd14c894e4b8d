package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
)

// ErrVersionConflict is returned when another writer appended events first
var ErrVersionConflict = errors.New("bill was modified concurrently")

// RevenueReport rolls up the bills read model
type RevenueReport struct {
	PaidTotal decimal.Decimal  `json:"paid_total"`
	PaidCount int64            `json:"paid_count"`
	ByStatus  map[Status]int64 `json:"by_status"`
}

// Repository stores bills as event streams. Every save also updates the bills
// read model and queues the new events in the outbox, all in one transaction.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a repository publishing to eventsTopic
func NewRepository(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: eventsTopic, logger: logger}
}

// Save persists uncommitted events. A bill without an id gets one here.
func (r *Repository) Save(ctx context.Context, b *MasterBill) error {
	changes := b.Changes()
	if len(changes) == 0 {
		return nil
	}
	if b.ID() == "" {
		b.AssignID(uuid.NewString())
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range changes {
		if err := insertEvent(ctx, tx, event); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s v%d", ErrVersionConflict, b.ID(), event.Version)
			}
			return fmt.Errorf("insert event: %w", err)
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   b.ID(),
			AggregateType: AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    r.topic,
			KafkaKey:      b.ID(),
		}); err != nil {
			return err
		}
	}

	if err := upsertProjection(ctx, tx, b); err != nil {
		return fmt.Errorf("update bills: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("bill saved",
		zap.String("bill_id", b.ID()),
		zap.Int("events", len(changes)),
		zap.Int("version", b.Version()))
	b.ClearChanges()
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO bill_events
		(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, appointment_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.AppointmentID,
		event.CorrelationID,
	)
	return err
}

func upsertProjection(ctx context.Context, tx pgx.Tx, b *MasterBill) error {
	query := `
		INSERT INTO bills (id, appointment_id, insurance_details, status, total, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    total = EXCLUDED.total,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := tx.Exec(ctx, query,
		b.ID(),
		b.AppointmentID(),
		b.InsuranceDetails(),
		b.Status(),
		b.Cost().String(),
		b.Version(),
		b.CreatedAt(),
		b.UpdatedAt(),
	)
	return err
}

// Load rebuilds a bill from its events
func (r *Repository) Load(ctx context.Context, id string) (*MasterBill, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return LoadFromHistory(id, events)
}

// GetEvents returns the event stream of a bill in version order
func (r *Repository) GetEvents(ctx context.Context, id string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
		       COALESCE(appointment_id, ''), COALESCE(correlation_id, '')
		FROM bill_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.AppointmentID, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Revenue sums the totals of paid bills and counts bills per status
func (r *Repository) Revenue(ctx context.Context) (*RevenueReport, error) {
	report := &RevenueReport{PaidTotal: decimal.Zero, ByStatus: map[Status]int64{}}

	var paid string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total), 0)::text, COUNT(*) FROM bills WHERE status = $1`,
		StatusPaid,
	).Scan(&paid, &report.PaidCount)
	if err != nil {
		return nil, fmt.Errorf("sum paid bills: %w", err)
	}
	if report.PaidTotal, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("parse paid total: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM bills GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count bills: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		report.ByStatus[status] = n
	}
	return report, rows.Err()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
