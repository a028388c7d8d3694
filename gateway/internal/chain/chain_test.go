package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func message() *MessageRequest {
	return &MessageRequest{
		FromChain:     "ethereum",
		ToChain:       "polygon",
		Message:       "hello",
		SenderAddress: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	}
}

func TestNewSelectsMode(t *testing.T) {
	m, err := New(&config.ChainConfig{Mode: "fake", Networks: []string{"ethereum"}}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Fake{}, m)

	_, err = New(&config.ChainConfig{Mode: "overledger"}, zap.NewNop())
	assert.True(t, errors.Is(err, ErrMissingEndpoint))

	m, err = New(&config.ChainConfig{Mode: "overledger", Endpoint: "https://overledger.example.com"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Overledger{}, m)

	_, err = New(&config.ChainConfig{Mode: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)
}

func TestCanMessage(t *testing.T) {
	assert.False(t, CanMessage("free"))
	assert.False(t, CanMessage("builder"))
	assert.True(t, CanMessage("pro"))
	assert.True(t, CanMessage("enterprise"))
	assert.False(t, CanMessage("unknown"))
}

func TestFakeIsDeterministic(t *testing.T) {
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	a := NewFake([]string{"ethereum", "polygon"})
	b := NewFake([]string{"ethereum", "polygon"})
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now }

	m1, err := a.SendMessage(context.Background(), message())
	require.NoError(t, err)
	m2, err := b.SendMessage(context.Background(), message())
	require.NoError(t, err)

	assert.Equal(t, m1, m2)
	assert.Len(t, m1.ID, 34)
	assert.Len(t, m1.TransactionHash, 66)
	assert.Equal(t, StatusCompleted, m1.Status)

	again, err := a.SendMessage(context.Background(), message())
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, again.ID, "repeated sends get distinct ids")

	status, err := a.MessageStatus(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, m1.TransactionHash, status.TransactionHash)

	_, err = a.MessageStatus(context.Background(), "0xmissing")
	assert.True(t, errors.Is(err, ErrMessageNotFound))
}

func TestFakeValidation(t *testing.T) {
	f := NewFake([]string{"ethereum", "polygon"})

	req := message()
	req.ToChain = "solana"
	_, err := f.SendMessage(context.Background(), req)
	assert.True(t, errors.Is(err, ErrUnsupportedNetwork))

	req = message()
	req.Message = ""
	_, err = f.SendMessage(context.Background(), req)
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	networks, err := f.SupportedNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, networks, 2)
	assert.Equal(t, int64(137), networks[1].ChainID)
}

func TestOverledgerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ol-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/messages":
			var req MessageRequest
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				return
			}
			assert.Equal(t, "polygon", req.ToChain)
			_, _ = w.Write([]byte(`{"message_id":"m-1","status":"pending","from_chain":"ethereum","to_chain":"polygon","transaction_hash":"0xabc"}`))
		case r.URL.Path == "/v2/messages/m-1":
			_, _ = w.Write([]byte(`{"message_id":"m-1","status":"completed"}`))
		case r.URL.Path == "/v2/networks":
			_, _ = w.Write([]byte(`{"networks":[{"key":"ethereum","name":"Ethereum","chain_id":1,"supported":true}]}`))
		case r.URL.Path == "/v2/messages/boom":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"relay down"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o, err := NewOverledger(&config.ChainConfig{Endpoint: srv.URL + "/", APIKey: "ol-key"}, zap.NewNop())
	require.NoError(t, err)

	msg, err := o.SendMessage(context.Background(), message())
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, StatusPending, msg.Status)

	msg, err = o.MessageStatus(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, msg.Status)

	networks, err := o.SupportedNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "Ethereum", networks[0].Name)

	_, err = o.MessageStatus(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrMessageNotFound))

	_, err = o.MessageStatus(context.Background(), "boom")
	assert.True(t, errors.Is(err, ErrMessengerFailed))
	assert.Contains(t, err.Error(), "relay down")
}
