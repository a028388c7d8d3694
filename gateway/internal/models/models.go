// Package models provides database models for the LedgrAPI gateway.
package models

import (
	"database/sql/driver"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConsumerStatus represents the status of a consumer account.
type ConsumerStatus string

const (
	ConsumerStatusActive    ConsumerStatus = "active"
	ConsumerStatusSuspended ConsumerStatus = "suspended"
	ConsumerStatusDeleted   ConsumerStatus = "deleted"
)

// Consumer is a developer account that calls (and possibly owns) APIs.
type Consumer struct {
	ID         string         `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Email      string         `db:"email" json:"email"`
	Tier       string         `db:"tier" json:"tier"`
	Status     ConsumerStatus `db:"status" json:"status"`
	APIKeyHash string         `db:"api_key_hash" json:"-"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// AuthScheme is how the gateway authenticates against an upstream API.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthAPIKey AuthScheme = "api_key"
	AuthOAuth  AuthScheme = "oauth"
	AuthWallet AuthScheme = "wallet"
)

// Valid reports whether s is a known scheme.
func (s AuthScheme) Valid() bool {
	switch s {
	case AuthNone, AuthAPIKey, AuthOAuth, AuthWallet:
		return true
	}
	return false
}

// PricingModel describes how an API is priced.
type PricingModel string

const (
	PricingPerCall      PricingModel = "per_call"
	PricingSubscription PricingModel = "subscription"
	PricingFreemium     PricingModel = "freemium"
)

// Valid reports whether m is a known pricing model.
func (m PricingModel) Valid() bool {
	switch m {
	case PricingPerCall, PricingSubscription, PricingFreemium:
		return true
	}
	return false
}

// APIStatus is the publication state of a registered API.
type APIStatus string

const (
	APIStatusDraft      APIStatus = "draft"
	APIStatusPublished  APIStatus = "published"
	APIStatusDeprecated APIStatus = "deprecated"
)

// Valid reports whether s is a known status.
func (s APIStatus) Valid() bool {
	switch s {
	case APIStatusDraft, APIStatusPublished, APIStatusDeprecated:
		return true
	}
	return false
}

// RegisteredAPI is an upstream API published to the marketplace.
type RegisteredAPI struct {
	ID                string       `db:"id" json:"id"`
	OwnerID           string       `db:"owner_id" json:"owner_id"`
	Name              string       `db:"name" json:"name"`
	Description       string       `db:"description" json:"description"`
	BaseURL           string       `db:"base_url" json:"base_url"`
	AuthScheme        AuthScheme   `db:"auth_scheme" json:"auth_scheme"`
	AuthConfig        StringMap    `db:"auth_config" json:"-"` // secrets, never rendered
	PricingModel      PricingModel `db:"pricing_model" json:"pricing_model"`
	PricePerCall      int64        `db:"price_per_call" json:"price_per_call"`
	FreeCallsPerMonth int64        `db:"free_calls_per_month" json:"free_calls_per_month"`
	IsPublic          bool         `db:"is_public" json:"is_public"`
	IsActive          bool         `db:"is_active" json:"is_active"`
	Status            APIStatus    `db:"status" json:"status"`
	Tags              StringList   `db:"tags" json:"tags"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// Callable reports whether the API accepts calls.
func (a *RegisteredAPI) Callable() bool {
	return a.IsActive && a.Status == APIStatusPublished
}

// UsageCounter is the per (consumer, API) usage row.
type UsageCounter struct {
	ConsumerID     string    `db:"consumer_id" json:"consumer_id"`
	APIID          string    `db:"api_id" json:"api_id"`
	Period         string    `db:"period" json:"period"`
	CallsThisMonth int64     `db:"calls_this_month" json:"calls_this_month"`
	CallsTotal     int64     `db:"calls_total" json:"calls_total"`
	CostThisMonth  int64     `db:"cost_this_month" json:"cost_this_month"`
	CostTotal      int64     `db:"cost_total" json:"cost_total"`
	CallsInFlight  int64     `db:"calls_in_flight" json:"calls_in_flight"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Outcome classifies how a forwarded call ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnavailable Outcome = "unavailable"
)

// CallAuditRecord is one immutable entry of the call log.
type CallAuditRecord struct {
	ID            string    `db:"id" json:"id"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	ConsumerID    string    `db:"consumer_id" json:"consumer_id"`
	APIID         string    `db:"api_id" json:"api_id"`
	Path          string    `db:"path" json:"path"`
	Method        string    `db:"method" json:"method"`
	StatusCode    int       `db:"status_code" json:"status_code"`
	Outcome       Outcome   `db:"outcome" json:"outcome"`
	LatencyMs     int64     `db:"latency_ms" json:"latency_ms"`
	ResponseSize  int64     `db:"response_size" json:"response_size"`
	Cost          int64     `db:"cost" json:"cost"`
	WasFree       bool      `db:"was_free" json:"was_free"`
	ClientIP      string    `db:"client_ip" json:"client_ip,omitempty"`
	UserAgent     string    `db:"user_agent" json:"user_agent,omitempty"`
	Referer       string    `db:"referer" json:"referer,omitempty"`
	Headers       StringMap `db:"request_headers" json:"request_headers,omitempty"`
	RequestBody   string    `db:"request_body" json:"request_body,omitempty"`
	ResponseBody  string    `db:"response_body" json:"response_body,omitempty"`
	ErrorMessage  string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// DailyStats is the per (API, day) rollup.
type DailyStats struct {
	APIID        string  `db:"api_id" json:"api_id"`
	Day          string  `db:"day" json:"day"` // YYYY-MM-DD
	Requests     int64   `db:"requests" json:"requests"`
	Errors       int64   `db:"errors" json:"errors"`
	LatencySumMs int64   `db:"latency_sum_ms" json:"-"`
	AvgLatencyMs float64 `db:"-" json:"avg_latency_ms"`
	Revenue      int64   `db:"revenue" json:"revenue"`
}

// AuthContext contains authenticated consumer information.
type AuthContext struct {
	ConsumerID string
	Name       string
	Email      string
	Tier       string
	Status     ConsumerStatus
	CachedAt   time.Time
}

// IsValid checks if the auth context may be used for calls.
func (ac *AuthContext) IsValid() bool {
	return ac.Status == ConsumerStatusActive
}

// StringMap is a string map persisted as a JSON text column.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src any) error {
	b, err := textBytes(src)
	if err != nil || len(b) == 0 {
		*m = StringMap{}
		return err
	}
	out := StringMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return errors.Wrap(err, "decode string map")
	}
	*m = out
	return nil
}

// StringList is a string slice persisted as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	b, err := textBytes(src)
	if err != nil || len(b) == 0 {
		*l = StringList{}
		return err
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return errors.Wrap(err, "decode string list")
	}
	*l = out
	return nil
}

func textBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.Errorf("unsupported column type %T", src)
	}
}
