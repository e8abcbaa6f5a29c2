package signature

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"the-digital-vault/internal/domain"
)

// Verifier checks that a notification was produced by the gateway.
// The digest is SHA-512 over order_id + status_code + gross_amount + server key.
type Verifier struct {
	secret         string
	acceptUnsigned bool
}

func NewVerifier(secret string, acceptUnsigned bool) *Verifier {
	return &Verifier{secret: secret, acceptUnsigned: acceptUnsigned}
}

// Enabled reports whether a shared secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

func (v *Verifier) Verify(n domain.Notification) bool {
	if !v.Enabled() {
		return false
	}
	if !n.Signed() {
		return v.acceptUnsigned
	}
	expected := Digest(n.OrderID, n.StatusCode, n.GrossAmount, v.secret)
	got := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Digest computes the hex signature for the canonical notification fields.
func Digest(orderID, statusCode, grossAmount, secret string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + secret))
	return hex.EncodeToString(sum[:])
}
