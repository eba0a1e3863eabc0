package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"gemini-proxy-go/internal/metrics"
)

// findMetric returns the first sample of family name whose labels include want.
func findMetric(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			return metric
		}
	}
	return nil
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/api/generate-special", func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, []byte(`{}`))
	})

	if rec := serve(e, http.MethodPost, "/api/generate-special"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	metric := findMetric(t, m, "gemini_proxy_http_requests_total", map[string]string{
		"method": "POST", "status_code": "200", "path_prefix": "/api/generate-special",
	})
	if metric == nil {
		t.Fatal("expected gemini_proxy_http_requests_total for POST /api/generate-special 200")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/healthz")

	metric := findMetric(t, m, "gemini_proxy_http_request_duration_seconds", map[string]string{"path_prefix": "/healthz"})
	if metric == nil || metric.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected gemini_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_StatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    string
	}{
		{"upstream status relayed", func(c echo.Context) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "x"})
		}, "429"},
		{"echo http error", func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
		}, "413"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.POST("/api/generate-special", tt.handler)

			serve(e, http.MethodPost, "/api/generate-special")

			if findMetric(t, m, "gemini_proxy_http_requests_total", map[string]string{
				"path_prefix": "/api/generate-special", "status_code": tt.want,
			}) == nil {
				t.Errorf("expected gemini_proxy_http_requests_total with status_code=%s", tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/api/generate-special", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "XYZZY", "/api/generate-special")

	if findMetric(t, m, "gemini_proxy_http_requests_total", map[string]string{
		"path_prefix": "/api/generate-special", "method": "other",
	}) == nil {
		t.Error("expected gemini_proxy_http_requests_total with method=other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))

	if rec := serve(e, http.MethodGet, "/nonexistent"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if findMetric(t, m, "gemini_proxy_http_requests_total", map[string]string{
		"path_prefix": "other", "method": "GET", "status_code": "404",
	}) == nil {
		t.Error("expected gemini_proxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
	}
}
