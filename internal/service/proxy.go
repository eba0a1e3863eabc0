// Package service implements the core relay logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

// ErrMissingAPIKey is returned when no Gemini API key is configured.
var ErrMissingAPIKey = errors.New("gemini API key is not configured")

// ErrMalformedResponse is returned when the upstream reports success but the
// body is not valid JSON.
var ErrMalformedResponse = errors.New("upstream returned a non-JSON success body")

// UpstreamError reports a non-2xx reply from the upstream. Body holds the raw
// upstream text.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// Poster sends a JSON body upstream and returns the fully read reply.
type Poster interface {
	PostJSON(ctx context.Context, url string, body []byte) (*model.UpstreamResponse, error)
}

// ProxyService relays generate requests to the upstream Gemini API.
type ProxyService struct {
	client   Poster
	cfg      *config.Config
	logger   *slog.Logger
	endpoint *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c Poster, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	s, err := newProxyService(c, cfg, logger)
	if err != nil {
		return nil, err
	}
	if !allowedUpstreamHosts[s.endpoint.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", s.endpoint.Hostname())
	}
	return s, nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c Poster, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	return newProxyService(c, cfg, logger)
}

func newProxyService(c Poster, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	u.Path = generatePath(u.Path, cfg.Gemini.Model)
	u.RawPath = ""
	u.RawQuery = ""
	return &ProxyService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		endpoint: u,
	}, nil
}

// generatePath returns the generateContent path for model under base.
func generatePath(base, model string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/v1beta/models/" + model + ":generateContent"
}

// Generate forwards req.Payload verbatim and returns the upstream JSON body on
// success. A non-2xx upstream reply is returned as *UpstreamError; any other
// error means the call itself failed.
func (s *ProxyService) Generate(ctx context.Context, req *model.GenerateRequest) (json.RawMessage, error) {
	if !s.cfg.HasAPIKey() {
		return nil, ErrMissingAPIKey
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	s.logger.Info("proxying request to Gemini API",
		"model", s.cfg.Gemini.Model,
		"bytes_in", len(payload),
	)

	resp, err := s.client.PostJSON(ctx, s.upstreamURL(), payload)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if !resp.OK() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if !json.Valid(resp.Body) {
		return nil, ErrMalformedResponse
	}
	return json.RawMessage(resp.Body), nil
}

// upstreamURL returns the generateContent URL with the API key attached.
func (s *ProxyService) upstreamURL() string {
	u := *s.endpoint
	q := make(url.Values, 1)
	q.Set("key", s.cfg.Gemini.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// Endpoint returns the upstream URL without credentials.
func (s *ProxyService) Endpoint() string {
	return s.endpoint.String()
}
