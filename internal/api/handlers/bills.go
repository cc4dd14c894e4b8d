// Package handlers provides HTTP handlers for the billing API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/api/middleware"
	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	"github.com/carepoint/billing-engine/internal/fhir/mapper"
)

const maxBodyBytes = 1 << 20

// BillHandler handles bill endpoints
type BillHandler struct {
	svc      *engine.Service
	mapper   *mapper.BillToFHIRMapper
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewBillHandler creates a new handler
func NewBillHandler(svc *engine.Service, currency string, logger *zap.Logger) *BillHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillHandler{
		svc:      svc,
		mapper:   mapper.NewBillToFHIRMapper(currency),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		tracer:   otel.Tracer("bill-handler"),
	}
}

// Routes returns the bill routes, mounted at /bills
func (h *BillHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/items", h.AddItems)
		r.Post("/modifiers", h.ApplyModifiers)
		r.Post("/claims", h.Adjudicate)
		r.Post("/pay", h.Pay)
		r.Post("/cancel", h.Cancel)
		r.Get("/events", h.GetEvents)
		r.Get("/fhir", h.GetInvoice)
	})
	return r
}

// AddItemsRequest adds charges to a bill
type AddItemsRequest struct {
	Items []engine.ChargeInput `json:"items" validate:"required,min=1,dive"`
}

// ModifiersRequest runs modifiers in the order given
type ModifiersRequest struct {
	Modifiers []billing.ModifierSpec `json:"modifiers" validate:"required,min=1"`
}

// PayRequest settles an approved bill
type PayRequest struct {
	Reference string `json:"reference" validate:"required,max=128"`
}

// CancelRequest voids a bill
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// Create handles POST /bills
func (h *BillHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateBillInput
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.CreateBill(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/bills/"+view.ID)
	writeJSON(w, http.StatusCreated, view)
}

// Get handles GET /bills/{id}
func (h *BillHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AddItems handles POST /bills/{id}/items
func (h *BillHandler) AddItems(w http.ResponseWriter, r *http.Request) {
	var req AddItemsRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.AddItems(r.Context(), chi.URLParam(r, "id"), req.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ApplyModifiers handles POST /bills/{id}/modifiers
func (h *BillHandler) ApplyModifiers(w http.ResponseWriter, r *http.Request) {
	var req ModifiersRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.ApplyModifiers(r.Context(), chi.URLParam(r, "id"), req.Modifiers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Adjudicate handles POST /bills/{id}/claims. A rejected claim is still a
// 200; the decision is in the body. ?format=fhir returns a ClaimResponse.
func (h *BillHandler) Adjudicate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "adjudicate_claim")
	defer span.End()

	var req engine.ClaimInput
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("bill_id", id), attribute.String("claim_type", req.ClaimType))

	out, err := h.svc.Adjudicate(ctx, id, req)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	h.logger.Info("claim adjudicated",
		zap.String("bill_id", id),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Bool("approved", out.Result.Approved),
		zap.String("stage", string(out.Result.Stage)))

	if wantsFHIR(r) {
		ct, _ := billing.ParseClaimType(req.ClaimType)
		writeFHIR(w, http.StatusOK, h.mapper.MapClaimResponse(mapper.DecisionFromOutcome(out, ct, req.InsuranceProvider)))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Pay handles POST /bills/{id}/pay
func (h *BillHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.Settle(r.Context(), chi.URLParam(r, "id"), req.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Cancel handles POST /bills/{id}/cancel
func (h *BillHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEvents handles GET /bills/{id}/events
func (h *BillHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetInvoice handles GET /bills/{id}/fhir
func (h *BillHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, _ := statusFor(err)
		writeFHIR(w, status, h.mapper.MapError(err))
		return
	}
	writeFHIR(w, http.StatusOK, h.mapper.MapInvoice(b))
}

// Quote handles POST /quote: a stateless compose, modify and adjudicate run
func (h *BillHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req engine.QuoteInput
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Quote(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Revenue handles GET /revenue
func (h *BillHandler) Revenue(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Revenue(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads and validates the body, writing a 400 on failure
func (h *BillHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (h *BillHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	if status == http.StatusLocked {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, msg)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrBillNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, billing.ErrInvalidModifier):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, billing.ErrInvalidTransition), errors.Is(err, billing.ErrVersionConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, engine.ErrBillBusy):
		return http.StatusLocked, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func wantsFHIR(r *http.Request) bool {
	return r.URL.Query().Get("format") == "fhir" ||
		strings.Contains(r.Header.Get("Accept"), "application/fhir+json")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
