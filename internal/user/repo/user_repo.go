package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

// UserRepo provides data access for users table using sqlx.
// Schema lives in pkg/database/migrations.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, username, email, fullname, password_hash, avatar_url, avatar_public_id,
	cover_image_url, cover_image_public_id, refresh_token_hash, created_at, updated_at`

const uniqueViolation = "23505"

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// Create inserts a new user row. Uniqueness of username/email is enforced by
// the table's unique indexes and reported as ErrDuplicate.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	const q = `INSERT INTO users (id, username, email, fullname, password_hash, avatar_url, avatar_public_id,
		cover_image_url, cover_image_public_id, refresh_token_hash, created_at, updated_at)
		VALUES (:id, :username, :email, :fullname, :password_hash, :avatar_url, :avatar_public_id,
		:cover_image_url, :cover_image_public_id, :refresh_token_hash, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, u); err != nil {
		return fmt.Errorf("insert user: %w", mapErr(err))
	}
	return nil
}

// GetByID fetches a full user row or ErrNotFound.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, id); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// FindByUsernameOrEmail matches either identifier; empty identifiers are ignored.
func (r *UserRepo) FindByUsernameOrEmail(ctx context.Context, username, email string) (*entity.User, error) {
	if username == "" && email == "" {
		return nil, ErrNotFound
	}
	q := `SELECT ` + userColumns + ` FROM users
		WHERE ($1 <> '' AND username=$1) OR ($2 <> '' AND email=$2) LIMIT 1`
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, username, email); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// SetRefreshToken overwrites the stored refresh token fingerprint.
func (r *UserRepo) SetRefreshToken(ctx context.Context, id, hash string) error {
	const q = `UPDATE users SET refresh_token_hash=$2, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, ErrNotFound, q, id, hash)
}

// RotateRefreshToken swaps oldHash for newHash in a single statement, so two
// concurrent refreshes with the same token cannot both win.
func (r *UserRepo) RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error {
	const q = `UPDATE users SET refresh_token_hash=$3, updated_at=NOW() WHERE id=$1 AND refresh_token_hash=$2`
	return r.execOne(ctx, ErrStaleToken, q, id, oldHash, newHash)
}

// ClearRefreshToken revokes the current session.
func (r *UserRepo) ClearRefreshToken(ctx context.Context, id string) error {
	const q = `UPDATE users SET refresh_token_hash=NULL, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, ErrNotFound, q, id)
}

// UpdatePassword replaces the password hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	const q = `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, ErrNotFound, q, id, hash)
}

// UpdateAccount sets fullname and email and returns the updated row.
func (r *UserRepo) UpdateAccount(ctx context.Context, id, fullname, email string) (*entity.User, error) {
	q := `UPDATE users SET fullname=$2, email=$3, updated_at=NOW() WHERE id=$1 RETURNING ` + userColumns
	return r.updateReturning(ctx, q, id, fullname, email)
}

// UpdateAvatar points the user at a new avatar asset.
func (r *UserRepo) UpdateAvatar(ctx context.Context, id, url, publicID string) (*entity.User, error) {
	q := `UPDATE users SET avatar_url=$2, avatar_public_id=$3, updated_at=NOW() WHERE id=$1 RETURNING ` + userColumns
	return r.updateReturning(ctx, q, id, url, publicID)
}

// UpdateCoverImage points the user at a new cover image asset.
func (r *UserRepo) UpdateCoverImage(ctx context.Context, id, url, publicID string) (*entity.User, error) {
	q := `UPDATE users SET cover_image_url=$2, cover_image_public_id=$3, updated_at=NOW() WHERE id=$1 RETURNING ` + userColumns
	return r.updateReturning(ctx, q, id, url, publicID)
}

func (r *UserRepo) updateReturning(ctx context.Context, q string, args ...any) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, args...); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *UserRepo) execOne(ctx context.Context, none error, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
