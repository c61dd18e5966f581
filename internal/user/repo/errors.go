package repo

import "errors"

var (
	// ErrNotFound indicates that no user matched.
	ErrNotFound = errors.New("user not found")

	// ErrDuplicate indicates a username or email uniqueness violation.
	ErrDuplicate = errors.New("username or email already exists")

	// ErrStaleToken indicates the stored refresh token no longer matches
	// the one being rotated.
	ErrStaleToken = errors.New("refresh token is not current")
)
