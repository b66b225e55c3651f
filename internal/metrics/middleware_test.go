package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/targets/{target_id}/scan", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	accepted := httpRequestsTotal.WithLabelValues(http.MethodPost, "202")
	notFound := httpRequestsTotal.WithLabelValues(http.MethodGet, "404")
	beforeAccepted := testutil.ToFloat64(accepted)
	beforeNotFound := testutil.ToFloat64(notFound)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/targets/"+id+"/scan", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.InDelta(t, beforeAccepted+2, testutil.ToFloat64(accepted), 0.001)
	require.InDelta(t, beforeNotFound+1, testutil.ToFloat64(notFound), 0.001)

	// Both target IDs collapse into one duration series.
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
	hist, err := httpRequestDurationSeconds.GetMetricWithLabelValues(http.MethodPost, "/v1/targets/{target_id}/scan")
	require.NoError(t, err)
	require.NotNil(t, hist)
}

func TestMiddlewareDefaultsStatusOK(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	ok := httpRequestsTotal.WithLabelValues(http.MethodGet, "200")
	before := testutil.ToFloat64(ok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.InDelta(t, before+1, testutil.ToFloat64(ok), 0.001)
}
