// Package claims adjudicates claim requests arriving from the broker.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
	"github.com/carepoint/billing-engine/internal/observability/metrics"
	"github.com/carepoint/billing-engine/pkg/circuitbreaker"
	"github.com/carepoint/billing-engine/pkg/idempotency"
	"github.com/carepoint/billing-engine/pkg/workerpool"
)

// HandlerName tags inbox entries written by the processor
const HandlerName = "adjudicate_claim"

// Request is a claims.requests message
type Request struct {
	RequestID         string `json:"request_id"`
	BillID            string `json:"bill_id"`
	ClaimType         string `json:"claim_type"`
	InsuranceProvider string `json:"insurance_provider,omitempty"`
	PolicyNumber      string `json:"policy_number,omitempty"`
}

// Response is a claims.results message
type Response struct {
	RequestID string              `json:"request_id"`
	BillID    string              `json:"bill_id"`
	Result    billing.ClaimResult `json:"result"`
	Status    billing.Status      `json:"status"`
	Total     string              `json:"total"`
	DecidedAt time.Time           `json:"decided_at"`
}

// Publisher sends a message to the broker. *redpanda.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Processor turns claim requests into adjudications. Each request runs at
// most once per idempotency key, and store calls go through a breaker.
type Processor struct {
	svc          *engine.Service
	inbox        *idempotency.Inbox
	breaker      *circuitbreaker.CircuitBreaker
	publisher    Publisher
	resultsTopic string
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewProcessor wires a processor. m may be nil.
func NewProcessor(svc *engine.Service, inbox *idempotency.Inbox, breaker *circuitbreaker.CircuitBreaker,
	publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		svc:          svc,
		inbox:        inbox,
		breaker:      breaker,
		publisher:    publisher,
		resultsTopic: redpanda.TopicClaimsResults,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("claims-processor"),
		now:          time.Now,
	}
}

// IsDomainError reports errors caused by the request rather than the
// infrastructure. Retrying them cannot succeed.
func IsDomainError(err error) bool {
	return errors.Is(err, billing.ErrBillNotFound) ||
		errors.Is(err, billing.ErrInvalidTransition) ||
		errors.Is(err, billing.ErrInvalidModifier) ||
		errors.Is(err, engine.ErrInvalidInput)
}

// BreakerConfig is the store breaker config: domain errors do not trip it.
func BreakerConfig(m *metrics.Metrics) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("bill-store")
	cfg.IsSuccessful = func(err error) bool { return err == nil || IsDomainError(err) }
	if m != nil {
		cfg.StateGauge = m.CircuitBreakerState
	}
	return cfg
}

// InboxConfig marks domain errors as terminal
func InboxConfig() idempotency.InboxConfig {
	cfg := idempotency.DefaultInboxConfig()
	cfg.IsTerminal = IsDomainError
	return cfg
}

// Key is the idempotency key of a request
func (r Request) Key() string {
	return idempotency.GenerateKey(r.BillID, r.ClaimType, r.InsuranceProvider, r.PolicyNumber, r.RequestID)
}

// Handle is a redpanda.MessageHandler. Errors wrapped with
// workerpool.Permanent go to the dead letter topic without retries.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return workerpool.Permanent(fmt.Errorf("decode claim request: %w", err))
	}
	if req.BillID == "" || req.ClaimType == "" {
		return workerpool.Permanent(errors.New("claim request needs bill_id and claim_type"))
	}
	if req.RequestID == "" {
		req.RequestID = msg.Headers["x-request-id"]
	}

	ctx, span := p.tracer.Start(ctx, "process_claim", trace.WithAttributes(
		attribute.String("bill_id", req.BillID),
		attribute.String("request_id", req.RequestID),
	))
	defer span.End()
	ctx = engine.WithCorrelationID(ctx, req.RequestID)

	res, err := p.inbox.Process(ctx, req.Key(), HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return p.adjudicate(ctx, req)
	})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		p.duplicate(req)
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), IsDomainError(err):
		span.RecordError(err)
		return workerpool.Permanent(err)
	default:
		// in progress elsewhere, breaker open or store down: let the pool retry
		span.RecordError(err)
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		p.duplicate(req)
	}
	if err := p.publisher.Publish(ctx, p.resultsTopic, req.BillID, res.Result); err != nil {
		return fmt.Errorf("publish claim result: %w", err)
	}
	return nil
}

func (p *Processor) adjudicate(ctx context.Context, req Request) (json.RawMessage, error) {
	out, err := circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*engine.ClaimOutcome, error) {
		return p.svc.Adjudicate(ctx, req.BillID, engine.ClaimInput{
			ClaimType:         req.ClaimType,
			InsuranceProvider: req.InsuranceProvider,
			PolicyNumber:      req.PolicyNumber,
		})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("claim adjudicated",
		zap.String("bill_id", req.BillID),
		zap.String("request_id", req.RequestID),
		zap.Bool("approved", out.Result.Approved),
		zap.String("stage", string(out.Result.Stage)))

	return json.Marshal(Response{
		RequestID: req.RequestID,
		BillID:    req.BillID,
		Result:    out.Result,
		Status:    out.Bill.Status,
		Total:     out.Bill.Total.StringFixed(2),
		DecidedAt: p.now().UTC(),
	})
}

func (p *Processor) duplicate(req Request) {
	if p.metrics != nil {
		p.metrics.DuplicateClaims.Inc()
	}
	p.logger.Info("duplicate claim request",
		zap.String("bill_id", req.BillID),
		zap.String("request_id", req.RequestID))
}
