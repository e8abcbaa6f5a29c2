package domain

import "time"

// DefaultTokenValidity is the access window granted for a time-limited asset.
const DefaultTokenValidity = 24 * time.Hour

type AccessToken struct {
	ID               string     `json:"tokenId"`
	OrderID          string     `json:"orderId"`
	ProductID        string     `json:"productId"`
	CustomerIdentity string     `json:"customerIdentity"`
	ResourceRef      string     `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	IsActive         bool       `json:"isActive"`
	AccessCount      int64      `json:"accessCount"`
	// ItemPosition is the index of the order item the token grants, nil for
	// tokens issued outside an order settlement.
	ItemPosition     *int       `json:"itemPosition,omitempty"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
}

// RevokedEarly reports whether an administrator revoked the token while its
// window was still open.
func (t *AccessToken) RevokedEarly() bool {
	return t.RevokedAt != nil && t.RevokedAt.Before(t.ExpiresAt)
}

func (t *AccessToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Remaining is the time left in the access window, floored at zero.
func (t *AccessToken) Remaining(now time.Time) time.Duration {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
