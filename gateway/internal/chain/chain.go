// Package chain sends cross-chain messages through an Overledger style
// messaging network.
package chain

import (
	"context"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Messenger modes.
const (
	ModeFake       = "fake"
	ModeOverledger = "overledger"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MessageRequest asks for a message to be relayed between two networks.
type MessageRequest struct {
	FromChain        string `json:"from_chain"`
	ToChain          string `json:"to_chain"`
	Message          string `json:"message"`
	SenderAddress    string `json:"sender_address"`
	RecipientAddress string `json:"recipient_address,omitempty"`
}

// Validate checks the required fields.
func (r *MessageRequest) Validate() error {
	if r.FromChain == "" || r.ToChain == "" {
		return errors.Wrap(ErrInvalidMessage, "from_chain and to_chain are required")
	}
	if r.Message == "" {
		return errors.Wrap(ErrInvalidMessage, "message is required")
	}
	if r.SenderAddress == "" {
		return errors.Wrap(ErrInvalidMessage, "sender_address is required")
	}
	return nil
}

// Message is a relayed message and its state.
type Message struct {
	ID              string    `json:"message_id"`
	Status          string    `json:"status"`
	FromChain       string    `json:"from_chain"`
	ToChain         string    `json:"to_chain"`
	TransactionHash string    `json:"transaction_hash"`
	EstimatedCost   float64   `json:"estimated_cost"` // in QNT
	CreatedAt       time.Time `json:"created_at"`
}

// Network is a chain the messenger can reach.
type Network struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Supported bool   `json:"supported"`
}

// Messenger relays messages between chains.
type Messenger interface {
	SendMessage(ctx context.Context, req *MessageRequest) (*Message, error)
	MessageStatus(ctx context.Context, id string) (*Message, error)
	SupportedNetworks(ctx context.Context) ([]Network, error)
}

// New returns the messenger selected by cfg.Mode.
func New(cfg *config.ChainConfig, logger *zap.Logger) (Messenger, error) {
	switch strings.ToLower(cfg.Mode) {
	case ModeFake, "":
		logger.Warn("chain messenger running in fake mode")
		return NewFake(cfg.Networks), nil
	case ModeOverledger:
		return NewOverledger(cfg, logger)
	default:
		return nil, errors.Errorf("unknown chain mode %q", cfg.Mode)
	}
}

// CanMessage reports whether a tier may send cross-chain messages.
func CanMessage(tierName string) bool {
	switch tier.Lookup(tierName).Name {
	case tier.Pro, tier.Enterprise:
		return true
	}
	return false
}

var knownNetworks = map[string]Network{
	"ethereum": {Key: "ethereum", Name: "Ethereum", ChainID: 1},
	"polygon":  {Key: "polygon", Name: "Polygon", ChainID: 137},
	"xdc":      {Key: "xdc", Name: "XDC Network", ChainID: 50},
	"xrpl":     {Key: "xrpl", Name: "XRPL"},
	"quant":    {Key: "quant", Name: "Quant Network"},
}

func describe(key string) Network {
	if n, ok := knownNetworks[key]; ok {
		n.Supported = true
		return n
	}
	return Network{Key: key, Name: key, Supported: true}
}

// Error definitions
var (
	ErrInvalidMessage     = errors.New("invalid message request")
	ErrUnsupportedNetwork = errors.New("network not supported")
	ErrMessageNotFound    = errors.New("message not found")
	ErrMessengerFailed    = errors.New("messaging network request failed")
	ErrMissingEndpoint    = errors.New("overledger endpoint is not configured")
)
