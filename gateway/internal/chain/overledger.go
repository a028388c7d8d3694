package chain

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Overledger speaks JSON over HTTP to an Overledger gateway.
type Overledger struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewOverledger creates a client for cfg.Endpoint.
func NewOverledger(cfg *config.ChainConfig, logger *zap.Logger) (*Overledger, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, errors.Wrap(err, "invalid overledger endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Overledger{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("overledger"),
	}, nil
}

// SendMessage posts the message to the network.
func (o *Overledger) SendMessage(ctx context.Context, req *MessageRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var msg Message
	if err := o.do(ctx, http.MethodPost, "/v2/messages", req, &msg); err != nil {
		return nil, err
	}
	o.logger.Info("cross-chain message sent",
		zap.String("message_id", msg.ID),
		zap.String("from_chain", req.FromChain),
		zap.String("to_chain", req.ToChain),
	)
	return &msg, nil
}

// MessageStatus fetches the state of a message.
func (o *Overledger) MessageStatus(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := o.do(ctx, http.MethodGet, "/v2/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SupportedNetworks lists the networks the gateway can reach.
func (o *Overledger) SupportedNetworks(ctx context.Context) ([]Network, error) {
	var out struct {
		Networks []Network `json:"networks"`
	}
	if err := o.do(ctx, http.MethodGet, "/v2/networks", nil, &out); err != nil {
		return nil, err
	}
	return out.Networks, nil
}

func (o *Overledger) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.endpoint+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return errors.WithMessage(ErrMessengerFailed, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrMessageNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return errors.WithMessage(ErrInvalidMessage, readError(resp.Body))
	case resp.StatusCode >= 300:
		return errors.WithMessagef(ErrMessengerFailed, "status %d: %s", resp.StatusCode, readError(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func readError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
