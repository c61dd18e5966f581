package entity

import "time"

// User represents an account row in the `users` table / `users` bolt bucket.
// Secrets and asset ids never leave the service; use Public for responses.
type User struct {
	ID                 string    `db:"id" json:"id"`
	Username           string    `db:"username" json:"username"`
	Email              string    `db:"email" json:"email"`
	Fullname           string    `db:"fullname" json:"fullname"`
	PasswordHash       string    `db:"password_hash" json:"passwordHash"`
	AvatarURL          string    `db:"avatar_url" json:"avatarUrl"`
	AvatarPublicID     string    `db:"avatar_public_id" json:"avatarPublicId"`
	CoverImageURL      string    `db:"cover_image_url" json:"coverImageUrl"`
	CoverImagePublicID string    `db:"cover_image_public_id" json:"coverImagePublicId"`
	RefreshTokenHash   *string   `db:"refresh_token_hash" json:"refreshTokenHash,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}

// PublicUser is the client-facing projection of User.
type PublicUser struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Fullname      string    `json:"fullname"`
	AvatarURL     string    `json:"avatar"`
	CoverImageURL string    `json:"coverImage"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Public strips password hash, refresh token and asset ids.
func (u *User) Public() *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		Fullname:      u.Fullname,
		AvatarURL:     u.AvatarURL,
		CoverImageURL: u.CoverImageURL,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}
