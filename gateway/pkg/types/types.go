// Package types defines the wire types of the LedgrAPI gateway.
package types

import (
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
)

// InvokeRequest asks the gateway to call a registered API.
type InvokeRequest struct {
	APIID   string            `json:"api_id,omitempty"` // taken from the route on HTTP
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    RawJSON           `json:"body,omitempty"`
}

// RawJSON is an undecoded JSON value.
type RawJSON []byte

// MarshalJSON returns the raw bytes, or null when empty.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of the raw bytes. A JSON null becomes empty.
func (r *RawJSON) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[0:0], b...)
	return nil
}

// CallResult is returned for every forwarded call.
type CallResult struct {
	CorrelationID string            `json:"request_id"`
	StatusCode    int               `json:"status_code"`
	LatencyMs     int64             `json:"response_time_ms"`
	Cost          int64             `json:"cost"`
	WasFree       bool              `json:"was_free"`
	Data          any               `json:"data,omitempty"`
	Headers       map[string]string `json:"headers"`
}

// UsageResponse is a consumer's counter for one API.
type UsageResponse struct {
	APIID          string    `json:"api_id"`
	Period         string    `json:"period"`
	CallsThisMonth int64     `json:"calls_this_month"`
	CallsTotal     int64     `json:"calls_total"`
	CostThisMonth  int64     `json:"cost_this_month"`
	CostTotal      int64     `json:"cost_total"`
	FreeRemaining  int64     `json:"free_calls_remaining"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewUsageResponse renders c against the API's free quota.
func NewUsageResponse(c *models.UsageCounter, freeQuota int64) *UsageResponse {
	remaining := freeQuota - c.CallsThisMonth
	if remaining < 0 {
		remaining = 0
	}
	return &UsageResponse{
		APIID:          c.APIID,
		Period:         c.Period,
		CallsThisMonth: c.CallsThisMonth,
		CallsTotal:     c.CallsTotal,
		CostThisMonth:  c.CostThisMonth,
		CostTotal:      c.CostTotal,
		FreeRemaining:  remaining,
		UpdatedAt:      c.UpdatedAt,
	}
}

// PublishRequest registers a new API.
type PublishRequest struct {
	Name              string              `json:"name"`
	Description       string              `json:"description"`
	BaseURL           string              `json:"base_url"`
	AuthScheme        models.AuthScheme   `json:"auth_type"`
	AuthConfig        map[string]string   `json:"auth_config,omitempty"`
	PricingModel      models.PricingModel `json:"pricing_model"`
	PricePerCall      int64               `json:"price_per_call"`
	FreeCallsPerMonth int64               `json:"free_calls_per_month"`
	IsPublic          *bool               `json:"is_public,omitempty"`
	Publish           bool                `json:"publish"` // publish immediately instead of draft
	Tags              []string            `json:"tags,omitempty"`
}

// StatusRequest changes an API's publication status.
type StatusRequest struct {
	Status models.APIStatus `json:"status"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// FeedEvent is one message on the call feed.
type FeedEvent struct {
	Type   string                  `json:"type"` // "replay" or "call"
	Call   *models.CallAuditRecord `json:"call"`
	SentAt time.Time               `json:"sent_at"`
}
