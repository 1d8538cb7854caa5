package lease

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/envalloc/envalloc/pkg/alloc"
)

const tokenInfo = "envalloc lease token v1"

// Claims is the content of a lease token.
type Claims struct {
	ReservationID string    `json:"rid"`
	RequestID     string    `json:"req"`
	Deadline      time.Time `json:"exp"`
}

// Signer issues and verifies lease tokens. A token is a weak reference: it
// proves who may release a reservation but never extends its lifetime.
type Signer struct {
	key []byte
}

// NewSigner derives the signing key from secret with HKDF-SHA256.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("signing secret must be at least 16 bytes, got %d", len(secret))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(tokenInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewRandomSigner uses a process-local random key. Tokens do not survive a restart.
func NewRandomSigner() (*Signer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}
	return NewSigner(secret)
}

// Sign returns an opaque token for claims.
func (s *Signer) Sign(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	enc := base64.RawURLEncoding
	body := enc.EncodeToString(payload)
	return body + "." + enc.EncodeToString(s.mac(body)), nil
}

// Verify checks the token signature and returns its claims.
func (s *Signer) Verify(token string) (Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return Claims{}, alloc.NewInvalidToken("malformed lease token", nil)
	}
	enc := base64.RawURLEncoding
	got, err := enc.DecodeString(sig)
	if err != nil {
		return Claims{}, alloc.NewInvalidToken("malformed lease token signature", err)
	}
	if !hmac.Equal(got, s.mac(body)) {
		return Claims{}, alloc.NewInvalidToken("lease token signature mismatch", nil)
	}
	payload, err := enc.DecodeString(body)
	if err != nil {
		return Claims{}, alloc.NewInvalidToken("malformed lease token body", err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, alloc.NewInvalidToken("malformed lease token claims", err)
	}
	if c.ReservationID == "" {
		return Claims{}, alloc.NewInvalidToken("lease token has no reservation", errors.New("empty rid"))
	}
	return c, nil
}

func (s *Signer) mac(body string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(body))
	return h.Sum(nil)
}
