package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/media"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account/pkg/apperror"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

// Store is the credential store. Implementations report userrepo.ErrNotFound,
// userrepo.ErrDuplicate and userrepo.ErrStaleToken.
type Store interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (*entity.User, error)
	SetRefreshToken(ctx context.Context, id, hash string) error
	RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error
	ClearRefreshToken(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, hash string) error
	UpdateAccount(ctx context.Context, id, fullname, email string) (*entity.User, error)
	UpdateAvatar(ctx context.Context, id, url, publicID string) (*entity.User, error)
	UpdateCoverImage(ctx context.Context, id, url, publicID string) (*entity.User, error)
}

// MediaStore is the external upload service.
type MediaStore interface {
	Upload(ctx context.Context, localPath string) (*media.Asset, error)
	Delete(ctx context.Context, publicID string) (bool, error)
}

// Options bounds every external call.
type Options struct {
	StoreTimeout  time.Duration
	UploadTimeout time.Duration
}

// UserService orchestrates the account and session flows.
type UserService struct {
	repo   Store
	media  MediaStore
	tokens *token.Service
	hasher PasswordHasher
	logger *zap.SugaredLogger

	storeTimeout  time.Duration
	uploadTimeout time.Duration
}

func NewUserService(repo Store, mediaStore MediaStore, tokens *token.Service, hasher PasswordHasher, logger *zap.SugaredLogger, opts Options) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	return &UserService{
		repo:          repo,
		media:         mediaStore,
		tokens:        tokens,
		hasher:        hasher,
		logger:        logger,
		storeTimeout:  opts.StoreTimeout,
		uploadTimeout: opts.UploadTimeout,
	}
}

type RegisterInput struct {
	Fullname string
	Email    string
	Username string
	Password string
	// AvatarPath is required, CoverPath optional; both are staged local files.
	AvatarPath string
	CoverPath  string
}

type LoginInput struct {
	Email    string
	Username string
	Password string
}

type ChangePasswordInput struct {
	OldPassword string
	NewPassword string
}

type UpdateAccountInput struct {
	Fullname string
	Email    string
}

// Session is returned by login and refresh.
type Session struct {
	User   *entity.PublicUser
	Tokens *token.Pair
}

// ValidateRegistration checks the text fields of a registration. It touches
// neither the store nor the media service.
func (s *UserService) ValidateRegistration(in RegisterInput) error {
	if strings.TrimSpace(in.Fullname) == "" || normalize(in.Email) == "" ||
		normalize(in.Username) == "" || strings.TrimSpace(in.Password) == "" {
		return apperror.Validation("all fields are required")
	}
	if err := checkLength(s.hasher, in.Password); err != nil {
		return passwordFailure(err)
	}
	return nil
}

// Register creates an account. The existence check below is only a
// pre-check; two concurrent registrations are settled by the store's
// uniqueness guarantee and the loser gets Conflict from Create.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*entity.PublicUser, error) {
	if err := s.ValidateRegistration(in); err != nil {
		return nil, err
	}
	fullname := strings.TrimSpace(in.Fullname)
	email := normalize(in.Email)
	username := normalize(in.Username)

	_, err := s.find(ctx, username, email)
	switch {
	case err == nil:
		return nil, apperror.Conflict("user with email or username already exists")
	case !errors.Is(err, userrepo.ErrNotFound):
		return nil, storeFailure("look up user", err)
	}

	if in.AvatarPath == "" {
		return nil, apperror.Validation("avatar file is missing")
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, passwordFailure(err)
	}

	avatar, err := s.upload(ctx, in.AvatarPath, "avatar")
	if err != nil {
		return nil, err
	}
	var cover *media.Asset
	if in.CoverPath != "" {
		if cover, err = s.upload(ctx, in.CoverPath, "cover image"); err != nil {
			s.discard(ctx, avatar)
			return nil, err
		}
	}

	u := &entity.User{
		ID:             utilities.NewSnowflakeID(),
		Username:       username,
		Email:          email,
		Fullname:       fullname,
		PasswordHash:   hash,
		AvatarURL:      avatar.URL,
		AvatarPublicID: avatar.PublicID,
	}
	if cover != nil {
		u.CoverImageURL = cover.URL
		u.CoverImagePublicID = cover.PublicID
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	err = s.repo.Create(sctx, u)
	cancel()
	if err != nil {
		// Compensate: nothing may point at these uploads now.
		s.discard(ctx, avatar, cover)
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, apperror.Conflict("user with email or username already exists")
		}
		return nil, apperror.Creation("something went wrong while registering the user", err)
	}

	s.logger.Infow("user registered", "user_id", u.ID, "username", u.Username)
	return u.Public(), nil
}

// Login authenticates by email or username and starts a new session,
// replacing any previous refresh token.
func (s *UserService) Login(ctx context.Context, in LoginInput) (*Session, error) {
	email := normalize(in.Email)
	username := normalize(in.Username)
	if email == "" && username == "" {
		return nil, apperror.Validation("email or username is required")
	}
	if in.Password == "" {
		return nil, apperror.Validation("password is required")
	}

	u, err := s.find(ctx, username, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, apperror.NotFound("user not found")
		}
		return nil, storeFailure("look up user", err)
	}
	if !s.hasher.Verify(u.PasswordHash, in.Password) {
		return nil, apperror.Unauthorized("invalid credentials")
	}

	pair, err := s.issue(u.ID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.repo.SetRefreshToken(sctx, u.ID, token.Fingerprint(pair.RefreshToken)); err != nil {
		return nil, storeFailure("save session", err)
	}

	s.logger.Infow("user logged in", "user_id", u.ID)
	return &Session{User: u.Public(), Tokens: pair}, nil
}

// Logout revokes the stored refresh token. A user that no longer exists has
// nothing to revoke, so that case succeeds too.
func (s *UserService) Logout(ctx context.Context, userID string) error {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err := s.repo.ClearRefreshToken(sctx, userID)
	if errors.Is(err, userrepo.ErrNotFound) {
		s.logger.Debugw("logout for missing user", "user_id", userID)
		return nil
	}
	if err != nil {
		return storeFailure("clear session", err)
	}
	s.logger.Infow("user logged out", "user_id", userID)
	return nil
}

// Refresh exchanges the current refresh token for a new pair. The presented
// token must be cryptographically valid and equal to the one on record; the
// swap itself is a compare-and-set in the store, so a token can be used once.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, apperror.Unauthorized("refresh token is required")
	}
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnauthorized, "invalid refresh token", err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	u, err := s.repo.GetByID(sctx, claims.UserID)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, apperror.Unauthorized("invalid refresh token")
		}
		return nil, refreshFailure(err)
	}
	if u.RefreshTokenHash == nil || !token.MatchesFingerprint(refreshToken, *u.RefreshTokenHash) {
		s.logger.Warnw("stale refresh token presented", "user_id", u.ID)
		return nil, apperror.Unauthorized("refresh token is expired or used")
	}

	pair, err := s.issue(u.ID)
	if err != nil {
		return nil, err
	}
	err = s.repo.RotateRefreshToken(sctx, u.ID, *u.RefreshTokenHash, token.Fingerprint(pair.RefreshToken))
	switch {
	case errors.Is(err, userrepo.ErrStaleToken), errors.Is(err, userrepo.ErrNotFound):
		s.logger.Warnw("refresh token rotated concurrently", "user_id", u.ID)
		return nil, apperror.Unauthorized("refresh token is expired or used")
	case err != nil:
		return nil, refreshFailure(err)
	}

	s.logger.Infow("tokens refreshed", "user_id", u.ID)
	return &Session{User: u.Public(), Tokens: pair}, nil
}

// ChangePassword replaces the password after checking the old one. Existing
// sessions stay valid.
func (s *UserService) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) error {
	if strings.TrimSpace(in.NewPassword) == "" {
		return apperror.Validation("new password is required")
	}
	if err := checkLength(s.hasher, in.NewPassword); err != nil {
		return passwordFailure(err)
	}
	u, err := s.current(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(u.PasswordHash, in.OldPassword) {
		return apperror.Unauthorized("old password is incorrect")
	}
	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return passwordFailure(err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.repo.UpdatePassword(sctx, userID, hash); err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return apperror.Unauthorized("invalid access token")
		}
		return storeFailure("update password", err)
	}
	s.logger.Infow("password changed", "user_id", userID)
	return nil
}

// CurrentUser returns the authenticated user.
func (s *UserService) CurrentUser(ctx context.Context, userID string) (*entity.PublicUser, error) {
	u, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Public(), nil
}

// UpdateAccountDetails sets fullname and email.
func (s *UserService) UpdateAccountDetails(ctx context.Context, userID string, in UpdateAccountInput) (*entity.PublicUser, error) {
	fullname := strings.TrimSpace(in.Fullname)
	email := normalize(in.Email)
	if fullname == "" || email == "" {
		return nil, apperror.Validation("fullname and email are required")
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	u, err := s.repo.UpdateAccount(sctx, userID, fullname, email)
	if err != nil {
		switch {
		case errors.Is(err, userrepo.ErrNotFound):
			return nil, apperror.Unauthorized("invalid access token")
		case errors.Is(err, userrepo.ErrDuplicate):
			return nil, apperror.Conflict("email is already in use")
		}
		return nil, storeFailure("update account", err)
	}
	return u.Public(), nil
}

// UpdateAvatar uploads a new avatar and drops the previous one.
func (s *UserService) UpdateAvatar(ctx context.Context, userID, localPath string) (*entity.PublicUser, error) {
	return s.replaceAsset(ctx, userID, localPath, "avatar", s.repo.UpdateAvatar,
		func(u *entity.User) string { return u.AvatarPublicID })
}

// UpdateCoverImage uploads a new cover image and drops the previous one.
func (s *UserService) UpdateCoverImage(ctx context.Context, userID, localPath string) (*entity.PublicUser, error) {
	return s.replaceAsset(ctx, userID, localPath, "cover image", s.repo.UpdateCoverImage,
		func(u *entity.User) string { return u.CoverImagePublicID })
}

type assetSetter func(ctx context.Context, id, url, publicID string) (*entity.User, error)

func (s *UserService) replaceAsset(ctx context.Context, userID, localPath, what string, set assetSetter, previous func(*entity.User) string) (*entity.PublicUser, error) {
	if localPath == "" {
		return nil, apperror.Validation(what + " file is required")
	}
	u, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	asset, err := s.upload(ctx, localPath, what)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	updated, err := set(sctx, userID, asset.URL, asset.PublicID)
	cancel()
	if err != nil {
		s.discard(ctx, asset)
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, apperror.Unauthorized("invalid access token")
		}
		return nil, storeFailure("update "+what, err)
	}

	if old := previous(u); old != "" && old != asset.PublicID {
		s.discard(ctx, &media.Asset{PublicID: old})
	}
	return updated.Public(), nil
}

func (s *UserService) current(ctx context.Context, userID string) (*entity.User, error) {
	if userID == "" {
		return nil, apperror.Unauthorized("unauthorized request")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	u, err := s.repo.GetByID(sctx, userID)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, apperror.Unauthorized("invalid access token")
		}
		return nil, storeFailure("load user", err)
	}
	return u, nil
}

func (s *UserService) find(ctx context.Context, username, email string) (*entity.User, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.repo.FindByUsernameOrEmail(sctx, username, email)
}

func (s *UserService) issue(userID string) (*token.Pair, error) {
	pair, err := s.tokens.IssuePair(userID)
	if err != nil {
		return nil, apperror.Server("failed to issue tokens", err)
	}
	return pair, nil
}

func (s *UserService) upload(ctx context.Context, localPath, what string) (*media.Asset, error) {
	uctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	asset, err := s.media.Upload(uctx, localPath)
	if err != nil {
		s.logger.Warnw("upload failed", "what", what, "err", err)
		return nil, apperror.Upload("failed to upload "+what, err)
	}
	if asset == nil || asset.URL == "" {
		return nil, apperror.Upload("failed to upload "+what, errors.New("upload returned no url"))
	}
	return asset, nil
}

// discard deletes uploads that no record references. It runs even if the
// request was cancelled; failures are logged and otherwise ignored.
func (s *UserService) discard(ctx context.Context, assets ...*media.Asset) {
	for _, a := range assets {
		if a == nil || a.PublicID == "" {
			continue
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.uploadTimeout)
		ok, err := s.media.Delete(dctx, a.PublicID)
		cancel()
		if err != nil || !ok {
			s.logger.Errorw("failed to delete orphaned upload", "public_id", a.PublicID, "err", err)
			continue
		}
		s.logger.Infow("deleted orphaned upload", "public_id", a.PublicID)
	}
}

func passwordFailure(err error) error {
	if errors.Is(err, ErrPasswordTooLong) {
		return apperror.Wrap(apperror.KindValidation, "password must be at most 72 bytes", err)
	}
	return apperror.Server("failed to hash password", err)
}

// refreshFailure reports a store deadline as a store error and anything else
// unexpected as a server error.
func refreshFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return storeFailure("refresh session", err)
	}
	return apperror.Server("something went wrong while refreshing token", err)
}

func storeFailure(op string, err error) error {
	return apperror.Store("failed to "+op, err)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
