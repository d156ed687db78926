package domain

import (
	"time"
)

// Credentials is the client identity used for the client-credentials grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Token is a bearer token together with its locally computed expiry.
type Token struct {
	Value  string    `json:"-"`
	Expiry time.Time `json:"expires_at"`
}

// IsZero reports whether no token has been acquired yet.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// Usable returns true if the token can still be sent at now, keeping a
// safety margin of grace before the expiry.
func (t Token) Usable(now time.Time, grace time.Duration) bool {
	if t.IsZero() {
		return false
	}
	return now.Add(grace).Before(t.Expiry)
}
