package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/service"
)

// Client-facing error messages.
const (
	msgMissingAPIKey  = "Server configuration error: API Key missing."
	msgUpstreamFailed = "Gemini API request failed"
	msgInternalError  = "Internal server error during API call."
	msgBadRequestBody = "Failed to read request body."
)

// apiKeyPattern matches key query parameter values in URLs embedded in error messages.
var apiKeyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// ErrorResponse is the JSON body returned for locally detected failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UpstreamErrorResponse carries the raw upstream text of a rejected call.
type UpstreamErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ProxyHandler relays generate requests to the upstream Gemini API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle forwards the request body to the upstream and relays the result.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msgBadRequestBody})
	}

	body, err := h.service.Generate(req.Context(), &model.GenerateRequest{Payload: payload})
	if err != nil {
		return h.mapError(c, err)
	}

	h.metrics.ObserveOutcome(metrics.OutcomeSuccess)
	return c.JSONBlob(http.StatusOK, body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrMissingAPIKey) {
		h.logger.Error("API key is missing; set GEMINI_API_KEY", "path", path)
		h.metrics.ObserveOutcome(metrics.OutcomeConfigError)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msgMissingAPIKey})
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		h.logger.Error("Gemini API error",
			"status", ue.StatusCode,
			"details", ue.Body,
			"path", path,
		)
		h.metrics.ObserveOutcome(metrics.OutcomeUpstreamError)
		return c.JSON(ue.StatusCode, UpstreamErrorResponse{Error: msgUpstreamFailed, Details: ue.Body})
	}

	h.logger.Error("error during API proxy",
		"err", sanitizeError(err),
		"kind", classifyError(err),
		"path", path,
	)
	h.metrics.ObserveOutcome(metrics.OutcomeTransportError)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msgInternalError})
}

// classifyError names the transport failure class for logs. The client always
// sees the same generic message.
func classifyError(err error) string {
	if errors.Is(err, service.ErrMalformedResponse) {
		return "malformed_response"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection"
	}
	return "other"
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
