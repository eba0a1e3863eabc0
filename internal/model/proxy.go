// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// GenerateRequest is a client payload bound for the upstream generateContent
// endpoint. Payload is opaque JSON and is never decoded.
type GenerateRequest struct {
	Payload []byte
}

// UpstreamResponse is a fully read upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the upstream answered with a 2xx status.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
