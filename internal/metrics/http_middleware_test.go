package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/queue/process", func(w http.ResponseWriter, r *http.Request) {})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/messages/{id}", "404"))
	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/messages/"+id, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/messages/{id}", "404")) - before; got != 2 {
		t.Errorf("expected 2 requests under the route pattern, got %v", got)
	}

	silent := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPost, "/queue/process", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/queue/process", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPost, "/queue/process", "200")) - silent; got != 1 {
		t.Errorf("handler without a write should count as 200, got %v", got)
	}

	unmatched := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "unmatched", "404")) - unmatched; got != 1 {
		t.Errorf("expected unmatched request recorded once, got %v", got)
	}
}
