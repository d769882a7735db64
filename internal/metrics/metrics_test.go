package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsExposed(t *testing.T) {
	m := New()
	m.RecordReconciliation("completed", 1500)

	h := m.RequestMetricsMdlw(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, `admarket_advertisement_completions_total{outcome="completed"} 1`))
	require.True(t, strings.Contains(text, "admarket_wallet_refunded_amount_total 1500"))
	require.True(t, strings.Contains(text, `admarket_http_requests_total{method="GET",path="/api/ping",status="418"} 1`))
}
