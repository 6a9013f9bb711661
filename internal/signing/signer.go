// Package signing computes and verifies HMAC-SHA256 signatures over webhook
// payloads so receiving agents can authenticate deliveries.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/raullenchai/moperator/pkg/models"
)

// Signer signs webhook payloads with a per-deployment shared secret. All
// agents behind one deployment verify against the same secret.
type Signer struct {
	secret []byte
}

// New creates a Signer. An empty secret still signs (dev mode); the server
// warns about it at startup.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of body. The comparison is
// constant-time.
func (s *Signer) Verify(body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.Sign(body)))
}

// SignPayload returns the signature of the payload's canonical form: its
// JSON encoding with the signature field removed. Receivers recompute it by
// stripping "signature" from the body and re-serializing.
func (s *Signer) SignPayload(p models.WebhookPayload) (string, error) {
	p.Signature = ""
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload for signing: %w", err)
	}
	return s.Sign(body), nil
}

// VerifyPayload reports whether the payload's embedded signature matches its
// content.
func (s *Signer) VerifyPayload(p models.WebhookPayload) bool {
	sig := p.Signature
	if sig == "" {
		return false
	}
	want, err := s.SignPayload(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(want))
}
