// Package engine runs bill composition, modifiers and claim adjudication
// against a store, one writer per bill at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/observability/metrics"
)

var (
	// ErrBillBusy is returned when another writer holds the bill past LockWait
	ErrBillBusy = errors.New("bill is being modified by another request")
	// ErrInvalidInput wraps request validation failures
	ErrInvalidInput = errors.New("invalid input")
)

// Store persists bills. billing.Repository is the production implementation.
type Store interface {
	Save(ctx context.Context, b *billing.MasterBill) error
	Load(ctx context.Context, id string) (*billing.MasterBill, error)
	GetEvents(ctx context.Context, id string) ([]*billing.Event, error)
	Revenue(ctx context.Context) (*billing.RevenueReport, error)
}

// Config tunes the service
type Config struct {
	Thresholds billing.Thresholds
	Coverage   billing.CoverageTable
	// LockTTL bounds how long a crashed writer can block a bill
	LockTTL time.Duration
	// LockWait is how long to wait for a busy bill before ErrBillBusy
	LockWait time.Duration
	// Now is the clock seen by late fees
	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Thresholds: billing.DefaultThresholds(),
		LockTTL:    30 * time.Second,
		LockWait:   2 * time.Second,
		Now:        time.Now,
	}
}

// Service is the billing application service
type Service struct {
	store       Store
	locker      Locker
	adjudicator *billing.Adjudicator
	cfg         Config
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewService wires a service. A nil locker means NewLocalLocker; m may be nil.
func NewService(store Store, locker Locker, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:       store,
		locker:      locker,
		adjudicator: billing.NewAdjudicator(cfg.Thresholds, cfg.Coverage),
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("billing-engine"),
	}
}

// CreateBill opens a bill and attaches its initial charges
func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (*BillView, error) {
	ctx, span := s.tracer.Start(ctx, "create_bill")
	defer span.End()

	if in.AppointmentID == "" {
		return nil, fmt.Errorf("%w: appointment id is required", ErrInvalidInput)
	}
	charges, err := buildCharges(in.Items)
	if err != nil {
		return nil, err
	}

	b := billing.NewMasterBill(in.AppointmentID, in.InsuranceDetails)
	for _, c := range charges {
		b.Add(c)
	}
	if err := s.save(ctx, b); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("bill_id", b.ID()))

	if s.metrics != nil {
		s.metrics.BillsCreated.Inc()
		s.metrics.LineItemsAdded.Add(float64(len(charges)))
	}
	s.logger.Info("bill created",
		zap.String("bill_id", b.ID()),
		zap.String("appointment_id", b.AppointmentID()),
		zap.Int("items", len(charges)),
		zap.String("total", b.Cost().String()))
	return NewBillView(b), nil
}

// AddItems attaches charges to an existing bill
func (s *Service) AddItems(ctx context.Context, id string, items []ChargeInput) (*BillView, error) {
	charges, err := buildCharges(items)
	if err != nil {
		return nil, err
	}
	var view *BillView
	err = s.withBill(ctx, "add_items", id, func(ctx context.Context, b *billing.MasterBill) error {
		if err := requireOpen(b, "add items to"); err != nil {
			return err
		}
		for _, c := range charges {
			b.Add(c)
		}
		if err := s.save(ctx, b); err != nil {
			return err
		}
		view = NewBillView(b)
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.LineItemsAdded.Add(float64(len(charges)))
	}
	return view, err
}

// ApplyModifiers runs the modifier pipeline in the given order
func (s *Service) ApplyModifiers(ctx context.Context, id string, specs []billing.ModifierSpec) (*BillView, error) {
	mods, err := billing.BuildModifiers(specs, s.cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var view *BillView
	err = s.withBill(ctx, "apply_modifiers", id, func(ctx context.Context, b *billing.MasterBill) error {
		if err := requireOpen(b, "modify"); err != nil {
			return err
		}
		before := len(b.Children())
		billing.RunModifierPipeline(b, mods...)
		if err := s.save(ctx, b); err != nil {
			return err
		}
		s.logger.Info("modifiers applied",
			zap.String("bill_id", id),
			zap.Int("modifiers", len(mods)),
			zap.Int("lines_added", len(b.Children())-before),
			zap.String("total", b.Cost().String()))
		view = NewBillView(b)
		return nil
	})
	if err == nil && s.metrics != nil {
		for _, m := range mods {
			s.metrics.ModifiersApplied.WithLabelValues(string(m.Kind())).Inc()
		}
	}
	return view, err
}

// Adjudicate runs a claim through the approval chain and stores the decision.
// Rejections are results, not errors.
func (s *Service) Adjudicate(ctx context.Context, id string, claim ClaimInput) (*ClaimOutcome, error) {
	start := time.Now()
	var out *ClaimOutcome
	err := s.withBill(ctx, "adjudicate", id, func(ctx context.Context, b *billing.MasterBill) error {
		if err := requireOpen(b, "adjudicate"); err != nil {
			return err
		}
		req, err := claim.request(b)
		if err != nil {
			return err
		}
		res := s.adjudicator.Adjudicate(req)
		if err := s.save(ctx, b); err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Bool("approved", res.Approved),
			attribute.String("stage", string(res.Stage)),
		)
		s.observeClaim(id, req, res, b.Status())
		out = &ClaimOutcome{Result: res, Bill: NewBillView(b)}
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.AdjudicationDuration.Observe(time.Since(start).Seconds())
	}
	return out, err
}

// requireOpen refuses changes to PAID and CANCELLED bills
func requireOpen(b *billing.MasterBill, action string) error {
	switch st := b.Status(); st {
	case billing.StatusPaid, billing.StatusCancelled:
		return fmt.Errorf("%w: cannot %s a %s bill", billing.ErrInvalidTransition, action, st)
	}
	return nil
}

func (s *Service) observeClaim(id string, req billing.ClaimRequest, res billing.ClaimResult, status billing.Status) {
	if s.metrics != nil {
		s.metrics.ClaimsAdjudicated.WithLabelValues(string(res.Stage), metrics.Outcome(res.Approved)).Inc()
		s.metrics.BillTransitions.WithLabelValues(string(status)).Inc()
	}
	fields := []zap.Field{
		zap.String("bill_id", id),
		zap.String("claim_type", string(req.ClaimType)),
		zap.String("stage", string(res.Stage)),
		zap.Bool("approved", res.Approved),
		zap.String("approved_amount", res.ApprovedAmount.String()),
		zap.String("status", string(status)),
	}
	if res.Approved {
		s.logger.Info("claim approved", fields...)
		return
	}
	s.logger.Warn("claim rejected", append(fields, zap.String("reason", res.Message))...)
}

// Settle records payment of an approved bill
func (s *Service) Settle(ctx context.Context, id, reference string) (*BillView, error) {
	return s.transition(ctx, "settle", id, func(b *billing.MasterBill) error { return b.Settle(reference) })
}

// Cancel voids an unpaid bill
func (s *Service) Cancel(ctx context.Context, id, reason string) (*BillView, error) {
	return s.transition(ctx, "cancel", id, func(b *billing.MasterBill) error { return b.Cancel(reason) })
}

func (s *Service) transition(ctx context.Context, op, id string, fn func(*billing.MasterBill) error) (*BillView, error) {
	var view *BillView
	err := s.withBill(ctx, op, id, func(ctx context.Context, b *billing.MasterBill) error {
		if err := fn(b); err != nil {
			return err
		}
		if err := s.save(ctx, b); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.BillTransitions.WithLabelValues(string(b.Status())).Inc()
		}
		s.logger.Info("bill status changed", zap.String("bill_id", id), zap.String("status", string(b.Status())))
		view = NewBillView(b)
		return nil
	})
	return view, err
}

// Get returns the current state of a bill
func (s *Service) Get(ctx context.Context, id string) (*BillView, error) {
	b, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewBillView(b), nil
}

// Load returns the bill aggregate itself, for exporters
func (s *Service) Load(ctx context.Context, id string) (*billing.MasterBill, error) {
	return s.store.Load(ctx, id)
}

// Events returns the stored event stream of a bill
func (s *Service) Events(ctx context.Context, id string) ([]*billing.Event, error) {
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillNotFound, id)
	}
	return events, nil
}

// Revenue reports paid totals
func (s *Service) Revenue(ctx context.Context) (*billing.RevenueReport, error) {
	return s.store.Revenue(ctx)
}

// Quote composes, modifies and adjudicates a throwaway bill
func (s *Service) Quote(ctx context.Context, in QuoteInput) (*ClaimOutcome, error) {
	_, span := s.tracer.Start(ctx, "quote")
	defer span.End()

	if in.AppointmentID == "" {
		return nil, fmt.Errorf("%w: appointment id is required", ErrInvalidInput)
	}
	charges, err := buildCharges(in.Items)
	if err != nil {
		return nil, err
	}
	mods, err := billing.BuildModifiers(in.Modifiers, s.cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	b := billing.NewMasterBill(in.AppointmentID, in.InsuranceDetails)
	for _, c := range charges {
		b.Add(c)
	}
	billing.RunModifierPipeline(b, mods...)
	req, err := in.Claim.request(b)
	if err != nil {
		return nil, err
	}
	res := s.adjudicator.Adjudicate(req)
	return &ClaimOutcome{Result: res, Bill: NewBillView(b)}, nil
}

// withBill loads the bill under its lock, runs fn and releases the lock
func (s *Service) withBill(ctx context.Context, op, id string, fn func(context.Context, *billing.MasterBill) error) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("bill_id", id)))
	defer span.End()

	key := "bill-lock:" + id
	token, err := s.acquire(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		// release even if ctx was cancelled mid-operation
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("failed to release bill lock", zap.String("bill_id", id), zap.Error(err))
		}
	}()

	b, err := s.store.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := fn(ctx, b); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Service) acquire(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(s.cfg.LockWait)
	backoff := 10 * time.Millisecond
	for {
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			if s.metrics != nil {
				s.metrics.LockContention.Inc()
			}
			return "", ErrBillBusy
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Service) save(ctx context.Context, b *billing.MasterBill) error {
	if id := CorrelationID(ctx); id != "" {
		for _, e := range b.Changes() {
			e.WithCorrelation(id)
		}
	}
	if err := s.store.Save(ctx, b); err != nil {
		return fmt.Errorf("save bill: %w", err)
	}
	return nil
}

type correlationKey struct{}

// WithCorrelationID tags events saved under ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
