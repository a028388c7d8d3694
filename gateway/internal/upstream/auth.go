package upstream

import (
	"crypto/ecdsa"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Headers a caller may use to authenticate against the gateway or an upstream.
// They never reach an upstream whose credentials the gateway injects.
var callerCredentialHeaders = []string{"Authorization", "X-API-Key", "Cookie", "Proxy-Authorization"}

// Wallet signature headers.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
)

// authorize applies the API's auth scheme to the outgoing request.
func (f *Forwarder) authorize(req *http.Request, api *models.RegisteredAPI) error {
	cfg := api.AuthConfig

	switch api.AuthScheme {
	case models.AuthNone, "":
		return nil

	case models.AuthAPIKey:
		stripCredentials(req)
		name := cfg["header_name"]
		if name == "" {
			name = "Authorization"
		}
		if cfg["api_key"] == "" {
			return errors.New("api_key auth config has no api_key")
		}
		req.Header.Set(name, cfg["api_key"])
		return nil

	case models.AuthOAuth:
		stripCredentials(req)
		token := cfg["access_token"]
		if token == "" {
			return errors.New("oauth auth config has no access_token")
		}
		typ := cfg["token_type"]
		if typ == "" {
			typ = "Bearer"
		}
		req.Header.Set("Authorization", typ+" "+token)
		return nil

	case models.AuthWallet:
		stripCredentials(req)
		signer := f.signer
		if k := cfg["private_key"]; k != "" {
			s, err := NewWalletSigner(k)
			if err != nil {
				return err
			}
			signer = s
		}
		if signer == nil {
			return errors.New("wallet auth requires a signing key")
		}
		return signer.Sign(req, time.Now())

	default:
		return errors.Errorf("unknown auth scheme %q", api.AuthScheme)
	}
}

func stripCredentials(req *http.Request) {
	for _, h := range callerCredentialHeaders {
		req.Header.Del(h)
	}
}

// WalletSigner signs requests with a secp256k1 key using EIP-191 personal messages.
type WalletSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWalletSigner parses a hex private key, with or without 0x prefix.
func NewWalletSigner(hexKey string) (*WalletSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid wallet key")
	}
	return &WalletSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the signer's account.
func (s *WalletSigner) Address() common.Address {
	return s.address
}

// SigningMessage is the text signed for a request.
func SigningMessage(method, path string, ts int64) string {
	return method + "\n" + path + "\n" + strconv.FormatInt(ts, 10)
}

// Sign adds the wallet headers to req.
func (s *WalletSigner) Sign(req *http.Request, now time.Time) error {
	ts := now.Unix()
	msg := SigningMessage(req.Method, req.URL.RequestURI(), ts)

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), s.key)
	if err != nil {
		return errors.Wrap(err, "failed to sign request")
	}
	sig[crypto.RecoveryIDOffset] += 27

	req.Header.Set(HeaderWalletAddress, s.address.Hex())
	req.Header.Set(HeaderWalletSignature, hexutil.Encode(sig))
	req.Header.Set(HeaderWalletTimestamp, strconv.FormatInt(ts, 10))
	return nil
}

// RecoverSigner returns the address that produced sig over msg.
func RecoverSigner(msg string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("invalid signature length")
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
