package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"the-digital-vault/internal/domain"
)

const secret = "SB-Mid-server-test"

func signed(orderID, code, amount string) domain.Notification {
	return domain.Notification{
		OrderID:      orderID,
		StatusCode:   code,
		GrossAmount:  amount,
		SignatureKey: Digest(orderID, code, amount, secret),
	}
}

func TestVerifyAcceptsGenuineSignature(t *testing.T) {
	v := NewVerifier(secret, false)
	assert.True(t, v.Verify(signed("ORDER-1", "200", "15000.00")))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	v := NewVerifier(secret, false)

	n := signed("ORDER-1", "200", "15000.00")
	n.GrossAmount = "1.00"
	assert.False(t, v.Verify(n))

	n = signed("ORDER-1", "200", "15000.00")
	n.SignatureKey = Digest("ORDER-1", "200", "15000.01", secret)
	assert.False(t, v.Verify(n))

	n = signed("ORDER-1", "200", "15000.00")
	assert.False(t, NewVerifier("other-secret", false).Verify(n))
}

func TestVerifyUnsignedPolicy(t *testing.T) {
	unsigned := domain.Notification{OrderID: "ORDER-1", StatusCode: "200", GrossAmount: "1"}

	assert.False(t, NewVerifier(secret, false).Verify(unsigned))
	assert.True(t, NewVerifier(secret, true).Verify(unsigned))
}

func TestVerifyWithoutSecret(t *testing.T) {
	v := NewVerifier("", true)
	assert.False(t, v.Enabled())
	assert.False(t, v.Verify(signed("ORDER-1", "200", "1")))

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}

func TestVerifyMalformedInputDoesNotPanic(t *testing.T) {
	v := NewVerifier(secret, false)
	assert.NotPanics(t, func() {
		assert.False(t, v.Verify(domain.Notification{SignatureKey: "zz-not-hex"}))
		assert.False(t, v.Verify(domain.Notification{}))
	})
}

func TestDigestIsFixedLengthHex(t *testing.T) {
	d := Digest("a", "b", "c", "d")
	assert.Len(t, d, 128)
	assert.Equal(t, d, Digest("a", "b", "c", "d"))
}
