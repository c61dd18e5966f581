package user

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher defines minimal hashing interface. Verify must accept hashes
// produced by any supported algorithm so switching the default stays safe.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// ErrPasswordTooLong is returned for input the hasher cannot represent.
var ErrPasswordTooLong = errors.New("password is too long")

// bcryptMaxBytes is the input limit of bcrypt; longer passwords are rejected
// rather than silently truncated.
const bcryptMaxBytes = 72

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

// MaxPasswordBytes reports the longest password Hash accepts.
func (BcryptHasher) MaxPasswordBytes() int { return bcryptMaxBytes }

func (b BcryptHasher) Hash(pw string) (string, error) {
	if len(pw) > bcryptMaxBytes {
		return "", ErrPasswordTooLong
	}
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return verifyAny(hash, pw)
}

// Argon2Hasher stores PHC-formatted argon2id hashes.
type Argon2Hasher struct{ Params *argon2id.Params }

func (a Argon2Hasher) Hash(pw string) (string, error) {
	params := a.Params
	if params == nil {
		params = argon2id.DefaultParams
	}
	return argon2id.CreateHash(pw, params)
}

func (a Argon2Hasher) Verify(hash, pw string) bool {
	return verifyAny(hash, pw)
}

// NewPasswordHasher picks the hasher by name: "bcrypt" (default) or "argon2id".
func NewPasswordHasher(name string) (PasswordHasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bcrypt":
		return BcryptHasher{Cost: 12}, nil
	case "argon2id":
		return Argon2Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

// checkLength rejects passwords the hasher would refuse, so callers can
// fail before doing any other work.
func checkLength(h PasswordHasher, pw string) error {
	if l, ok := h.(interface{ MaxPasswordBytes() int }); ok && len(pw) > l.MaxPasswordBytes() {
		return ErrPasswordTooLong
	}
	return nil
}

// verifyAny dispatches on the hash prefix. Both comparisons are constant time.
func verifyAny(hash, pw string) bool {
	if hash == "" {
		return false
	}
	if strings.HasPrefix(hash, "$argon2id$") {
		ok, err := argon2id.ComparePasswordAndHash(pw, hash)
		return err == nil && ok
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
