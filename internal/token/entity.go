package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config carries the signing material for both token kinds. Secrets must differ
// so a refresh token can never pass as an access token and vice versa.
type Config struct {
	Issuer        string
	AccessSecret  []byte
	AccessTTL     time.Duration
	RefreshSecret []byte
	RefreshTTL    time.Duration
}

// Pair is the result of a successful login or refresh. It is never persisted;
// callers store Fingerprint(RefreshToken) on the user record.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshClaims is what a verified refresh token tells the caller.
type RefreshClaims struct {
	UserID    string
	ExpiresAt time.Time
}

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}
