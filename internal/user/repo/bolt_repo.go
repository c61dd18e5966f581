package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

var (
	bucketUsers      = []byte("users")
	bucketByUsername = []byte("users_by_username")
	bucketByEmail    = []byte("users_by_email")
)

// BoltUserRepo stores users as JSON documents in an embedded bbolt file.
// Username and email indexes are separate buckets kept in step inside the
// same write transaction, which bbolt serializes.
type BoltUserRepo struct {
	db *bbolt.DB
}

// OpenBoltUserRepo opens (or creates) the database at path.
func OpenBoltUserRepo(path string) (*BoltUserRepo, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketByUsername, bucketByEmail} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltUserRepo{db: db}, nil
}

func (r *BoltUserRepo) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *BoltUserRepo) Create(ctx context.Context, u *entity.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return r.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		byName := tx.Bucket(bucketByUsername)
		byEmail := tx.Bucket(bucketByEmail)
		if users.Get([]byte(u.ID)) != nil ||
			byName.Get([]byte(u.Username)) != nil ||
			byEmail.Get([]byte(u.Email)) != nil {
			return ErrDuplicate
		}
		if err := putUser(users, u); err != nil {
			return err
		}
		if err := byName.Put([]byte(u.Username), []byte(u.ID)); err != nil {
			return err
		}
		return byEmail.Put([]byte(u.Email), []byte(u.ID))
	})
}

func (r *BoltUserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u *entity.User
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx.Bucket(bucketUsers), id)
		return err
	})
	return u, err
}

func (r *BoltUserRepo) FindByUsernameOrEmail(ctx context.Context, username, email string) (*entity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u *entity.User
	err := r.db.View(func(tx *bbolt.Tx) error {
		var id []byte
		if username != "" {
			id = tx.Bucket(bucketByUsername).Get([]byte(username))
		}
		if id == nil && email != "" {
			id = tx.Bucket(bucketByEmail).Get([]byte(email))
		}
		if id == nil {
			return ErrNotFound
		}
		var err error
		u, err = getUser(tx.Bucket(bucketUsers), string(id))
		return err
	})
	return u, err
}

func (r *BoltUserRepo) SetRefreshToken(ctx context.Context, id, hash string) error {
	_, err := r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		u.RefreshTokenHash = &hash
		return nil
	})
	return err
}

func (r *BoltUserRepo) RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error {
	_, err := r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		if u.RefreshTokenHash == nil || *u.RefreshTokenHash != oldHash {
			return ErrStaleToken
		}
		u.RefreshTokenHash = &newHash
		return nil
	})
	return err
}

func (r *BoltUserRepo) ClearRefreshToken(ctx context.Context, id string) error {
	_, err := r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		u.RefreshTokenHash = nil
		return nil
	})
	return err
}

func (r *BoltUserRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	_, err := r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

func (r *BoltUserRepo) UpdateAccount(ctx context.Context, id, fullname, email string) (*entity.User, error) {
	return r.modify(ctx, id, func(tx *bbolt.Tx, u *entity.User) error {
		if email != u.Email {
			byEmail := tx.Bucket(bucketByEmail)
			if owner := byEmail.Get([]byte(email)); owner != nil && string(owner) != id {
				return ErrDuplicate
			}
			if err := byEmail.Delete([]byte(u.Email)); err != nil {
				return err
			}
			if err := byEmail.Put([]byte(email), []byte(id)); err != nil {
				return err
			}
		}
		u.Fullname = fullname
		u.Email = email
		return nil
	})
}

func (r *BoltUserRepo) UpdateAvatar(ctx context.Context, id, url, publicID string) (*entity.User, error) {
	return r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		u.AvatarURL = url
		u.AvatarPublicID = publicID
		return nil
	})
}

func (r *BoltUserRepo) UpdateCoverImage(ctx context.Context, id, url, publicID string) (*entity.User, error) {
	return r.modify(ctx, id, func(_ *bbolt.Tx, u *entity.User) error {
		u.CoverImageURL = url
		u.CoverImagePublicID = publicID
		return nil
	})
}

// modify is a read-modify-write of one user document inside a single transaction.
func (r *BoltUserRepo) modify(ctx context.Context, id string, fn func(*bbolt.Tx, *entity.User) error) (*entity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *entity.User
	err := r.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		u, err := getUser(users, id)
		if err != nil {
			return err
		}
		if err := fn(tx, u); err != nil {
			return err
		}
		u.UpdatedAt = time.Now().UTC()
		if err := putUser(users, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getUser(b *bbolt.Bucket, id string) (*entity.User, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var u entity.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &u, nil
}

func putUser(b *bbolt.Bucket, u *entity.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return b.Put([]byte(u.ID), data)
}
