package chain

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const fakeMessageCost = 0.001

// Fake is an in-memory messenger. Ids and hashes are Keccak-256 digests of
// the request and a sequence number, so runs are reproducible.
type Fake struct {
	networks []Network
	byKey    map[string]bool

	mu       sync.Mutex
	seq      uint64
	messages map[string]*Message
	now      func() time.Time
}

// NewFake creates a fake messenger reaching networks.
func NewFake(networks []string) *Fake {
	f := &Fake{
		byKey:    make(map[string]bool, len(networks)),
		messages: make(map[string]*Message),
		now:      time.Now,
	}
	for _, key := range networks {
		f.networks = append(f.networks, describe(key))
		f.byKey[key] = true
	}
	return f
}

// SendMessage records the message as completed.
func (f *Fake) SendMessage(_ context.Context, req *MessageRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	for _, n := range []string{req.FromChain, req.ToChain} {
		if !f.byKey[n] {
			return nil, errors.Wrapf(ErrUnsupportedNetwork, "%q", n)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], f.seq)

	digest := crypto.Keccak256(
		[]byte(req.FromChain), []byte(req.ToChain), []byte(req.Message),
		[]byte(req.SenderAddress), []byte(req.RecipientAddress), seq[:],
	)
	id := hexutil.Encode(digest[:16])

	msg := &Message{
		ID:              id,
		Status:          StatusCompleted,
		FromChain:       req.FromChain,
		ToChain:         req.ToChain,
		TransactionHash: crypto.Keccak256Hash([]byte(id)).Hex(),
		EstimatedCost:   fakeMessageCost,
		CreatedAt:       f.now().UTC(),
	}
	f.messages[id] = msg

	cp := *msg
	return &cp, nil
}

// MessageStatus returns a message sent through this fake.
func (f *Fake) MessageStatus(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg, ok := f.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

// SupportedNetworks returns the configured networks.
func (f *Fake) SupportedNetworks(context.Context) ([]Network, error) {
	out := make([]Network, len(f.networks))
	copy(out, f.networks)
	return out, nil
}
