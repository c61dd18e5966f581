package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrConfig       = errors.New("invalid token config")
)

// Service issues and verifies access/refresh token pairs. It holds no state
// besides its configuration; single-session enforcement is the caller's job.
type Service struct {
	cfg Config
	now func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	switch {
	case len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0:
		return nil, fmt.Errorf("%w: access and refresh secrets are required", ErrConfig)
	case subtle.ConstantTimeCompare(cfg.AccessSecret, cfg.RefreshSecret) == 1:
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrConfig)
	case cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0:
		return nil, fmt.Errorf("%w: token ttl must be positive", ErrConfig)
	case cfg.AccessTTL >= cfg.RefreshTTL:
		return nil, fmt.Errorf("%w: access ttl must be shorter than refresh ttl", ErrConfig)
	}
	return &Service{cfg: cfg, now: time.Now}, nil
}

// AccessTTL and RefreshTTL are exposed for cookie lifetimes.
func (s *Service) AccessTTL() time.Duration  { return s.cfg.AccessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

// IssuePair signs a fresh access/refresh pair for userID.
func (s *Service) IssuePair(userID string) (*Pair, error) {
	if userID == "" {
		return nil, errors.New("issue token pair: empty user id")
	}
	now := s.now()

	accessExp := now.Add(s.cfg.AccessTTL)
	access, err := s.sign(typeAccess, userID, now, accessExp, s.cfg.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshExp := now.Add(s.cfg.RefreshTTL)
	refresh, err := s.sign(typeRefresh, userID, now, refreshExp, s.cfg.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccessToken returns the subject of a valid access token.
func (s *Service) VerifyAccessToken(token string) (string, error) {
	c, err := s.parse(token, typeAccess, s.cfg.AccessSecret)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// VerifyRefreshToken checks signature and expiry only. Whether the token is
// still the current one for the user is decided against the store.
func (s *Service) VerifyRefreshToken(token string) (*RefreshClaims, error) {
	c, err := s.parse(token, typeRefresh, s.cfg.RefreshSecret)
	if err != nil {
		return nil, err
	}
	return &RefreshClaims{UserID: c.Subject, ExpiresAt: c.ExpiresAt.Time}, nil
}

func (s *Service) sign(typ, subject string, now, exp time.Time, secret []byte) (string, error) {
	c := claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ksuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

func (s *Service) parse(token, typ string, secret []byte) (*claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	c := &claims{}
	tkn, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tkn.Valid || c.Type != typ || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// Fingerprint is the value persisted for a refresh token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MatchesFingerprint compares token against a stored fingerprint in constant time.
func MatchesFingerprint(token, fingerprint string) bool {
	if token == "" || fingerprint == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Fingerprint(token)), []byte(fingerprint)) == 1
}
