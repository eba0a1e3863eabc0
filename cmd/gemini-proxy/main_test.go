package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/handler"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/service"
)

// newTestServer builds the production middleware stack and routes against upstreamURL.
func newTestServer(t *testing.T, upstreamURL, apiKey string, bodyMax int64) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{BodyMaxBytes: bodyMax},
		Gemini:   config.GeminiConfig{APIKey: apiKey, Model: "gemini-test"},
		Upstream: config.UpstreamConfig{BaseURL: upstreamURL, TimeoutSeconds: 5, IdleConnections: 4},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	svc, err := service.NewProxyServiceForTest(client.NewGeminiClient(cfg, logger, m), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyServiceForTest: %v", err)
	}
	e := newEcho(cfg, logger, m)
	handler.RegisterRoutes(e, cfg, handler.NewProxyHandler(svc, logger, m), handler.NewHealthHandler(cfg, "test"), m)
	return e
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q, want %q", v, "POST, OPTIONS")
	}
	if v := rec.Header().Get("Access-Control-Allow-Headers"); v != "Content-Type" {
		t.Errorf("Access-Control-Allow-Headers = %q, want %q", v, "Content-Type")
	}
}

func TestServer_Scenarios(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "limit-me") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limited"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`))
	}))
	defer upstream.Close()

	e := newTestServer(t, upstream.URL, "secret", 1024)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "success relays candidates",
			method:     http.MethodPost,
			path:       config.GeneratePath,
			body:       `{"contents":[{"parts":[{"text":"hi"}]}]}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`,
		},
		{
			name:       "upstream 429 relayed",
			method:     http.MethodPost,
			path:       config.GeneratePath,
			body:       `{"contents":[{"parts":[{"text":"limit-me"}]}]}`,
			wantStatus: http.StatusTooManyRequests,
			wantBody:   `{"error":"Gemini API request failed","details":"rate limited"}`,
		},
		{
			name:       "preflight",
			method:     http.MethodOptions,
			path:       config.GeneratePath,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "unknown route",
			method:     http.MethodPost,
			path:       "/api/other",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "body over limit",
			method:     http.MethodPost,
			path:       config.GeneratePath,
			body:       `{"text":"` + strings.Repeat("x", 2048) + `"}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" {
				assertJSONEqual(t, rec.Body.Bytes(), tt.wantBody)
			}
			assertCORS(t, rec)
			if rec.Header().Get(echo.HeaderXRequestID) == "" {
				t.Error("missing X-Request-Id header")
			}
		})
	}
}

func TestServer_MissingAPIKey(t *testing.T) {
	e := newTestServer(t, "https://upstream.invalid", "", 1024)

	req := httptest.NewRequest(http.MethodPost, config.GeneratePath, strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	assertJSONEqual(t, rec.Body.Bytes(), `{"error":"Server configuration error: API Key missing."}`)
	assertCORS(t, rec)
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, 3000)

	out := buf.String()
	for _, want := range []string{
		"running on http://localhost:3000",
		"POST http://localhost:3000/api/generate-special",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(&config.Config{Log: config.LogConfig{Level: tt.level, Format: "text"}})
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %v not enabled for %q", tt.want, tt.level)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
				t.Errorf("level %v unexpectedly enabled for %q", tt.want-4, tt.level)
			}
		})
	}
}

func assertJSONEqual(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal got %q: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want %q: %v", want, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if !bytes.Equal(gb, wb) {
		t.Errorf("body = %s, want %s", gb, wb)
	}
}
