package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BillsCreated.Inc()
	m.ClaimsAdjudicated.WithLabelValues("FINAL_APPROVAL", Outcome(true)).Inc()
	m.ClaimsAdjudicated.WithLabelValues("FINAL_APPROVAL", Outcome(true)).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BillsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClaimsAdjudicated.WithLabelValues("FINAL_APPROVAL", "approved")))

	// a second registry accepts a second set
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BillsCreated.Add(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bills_created_total 3")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "approved", Outcome(true))
	assert.Equal(t, "rejected", Outcome(false))
}
