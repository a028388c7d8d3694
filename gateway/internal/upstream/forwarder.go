// Package upstream forwards metered calls to registered third-party APIs.
package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"
	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a call to forward.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte // raw JSON, sent for POST, PUT and PATCH
}

// Response is what the upstream answered. Any HTTP status is a response.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	ContentType string
	Body        []byte
	Size        int64
	Latency     time.Duration
}

// JSON decodes the body when the upstream declared a JSON content type.
func (r *Response) JSON() (any, bool) {
	if !strings.HasPrefix(strings.ToLower(r.ContentType), "application/json") || len(r.Body) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Forwarder sends calls to upstream APIs over a shared connection pool.
type Forwarder struct {
	client      *http.Client
	timeout     time.Duration
	maxResponse int64
	signer      *WalletSigner
	buffers     bytebufferpool.Pool
	logger      *zap.Logger
}

// NewForwarder creates a forwarder from config.
func NewForwarder(cfg *config.UpstreamConfig, logger *zap.Logger) (*Forwarder, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	idle := cfg.IdleConnTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}
	maxResponse := cfg.MaxResponseSize
	if maxResponse <= 0 {
		maxResponse = 10 << 20
	}

	var signer *WalletSigner
	if cfg.WalletKey != "" {
		s, err := NewWalletSigner(cfg.WalletKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load gateway wallet key")
		}
		signer = s
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idle,
	}

	return &Forwarder{
		client:      &http.Client{Transport: transport},
		timeout:     timeout,
		maxResponse: maxResponse,
		signer:      signer,
		logger:      logger,
	}, nil
}

// Timeout is the per-call deadline.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Forward sends req to api and reads the whole response.
// Failures are wrapped around ErrTimeout or ErrUnavailable.
func (f *Forwarder) Forward(ctx context.Context, api *models.RegisteredAPI, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target, err := BuildURL(api.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, errors.WithMessage(ErrUnavailable, err.Error())
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 && hasBody(method) {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.WithMessage(ErrUnavailable, "create request: "+err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := f.authorize(httpReq, api); err != nil {
		return nil, errors.WithMessage(ErrUnavailable, err.Error())
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	buf := f.buffers.Get()
	defer f.buffers.Put(buf)

	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, f.maxResponse)); err != nil {
		return nil, classify(err)
	}
	latency := time.Since(start)

	out := &Response{
		StatusCode:  resp.StatusCode,
		Headers:     responseHeaders(resp.Header),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        append([]byte(nil), buf.B...),
		Size:        int64(buf.Len()),
		Latency:     latency,
	}
	return out, nil
}

// BuildURL joins base and path (exactly one slash between) and appends query.
func BuildURL(base, path string, query map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.Wrap(err, "invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	raw := u.String() + path

	if len(query) == 0 {
		return raw, nil
	}
	full, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}
	q := full.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	full.RawQuery = q.Encode()
	return full.String(), nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func responseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if hopHeaders[strings.ToLower(k)] || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// classify maps a transport error onto the gateway's failure kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.WithMessage(ErrTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.WithMessage(ErrTimeout, err.Error())
	}
	return errors.WithMessage(ErrUnavailable, err.Error())
}

// Error definitions
var (
	ErrTimeout     = errors.New("upstream timed out")
	ErrUnavailable = errors.New("upstream unavailable")
)
