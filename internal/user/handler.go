package user

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/media"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account/pkg/apperror"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"
)

// HandlerOptions configures cookies and request limits.
type HandlerOptions struct {
	SecureCookies  bool
	UploadTmpDir   string
	MaxJSONBytes   int64
	MaxUploadBytes int64
}

// Handler exposes HTTP endpoints for the account and session flows.
type Handler struct {
	svc    *UserService
	tokens *token.Service
	logger *zap.SugaredLogger
	opts   HandlerOptions
}

func NewHandler(svc *UserService, tokens *token.Service, logger *zap.SugaredLogger, opts HandlerOptions) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.UploadTmpDir == "" {
		opts.UploadTmpDir = os.TempDir()
	}
	if opts.MaxJSONBytes <= 0 {
		opts.MaxJSONBytes = 16 << 10
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{svc: svc, tokens: tokens, logger: logger, opts: opts}
}

// Mount registers the user routes on mux below prefix.
func (h *Handler) Mount(mux *http.ServeMux, prefix string) {
	p := strings.TrimRight(prefix, "/") + "/users"
	mux.HandleFunc("POST "+p+"/register", h.Register)
	mux.HandleFunc("POST "+p+"/login", h.Login)
	mux.HandleFunc("POST "+p+"/refresh-token", h.RefreshToken)
	mux.HandleFunc("POST "+p+"/logout", h.RequireAuth(h.Logout))
	mux.HandleFunc("POST "+p+"/change-password", h.RequireAuth(h.ChangePassword))
	mux.HandleFunc("GET "+p+"/me", h.RequireAuth(h.CurrentUser))
	mux.HandleFunc("PATCH "+p+"/me", h.RequireAuth(h.UpdateAccount))
	mux.HandleFunc("PATCH "+p+"/avatar", h.RequireAuth(h.UpdateAvatar))
	mux.HandleFunc("PATCH "+p+"/cover", h.RequireAuth(h.UpdateCoverImage))
}

// RequireAuth accepts the access token from the cookie or a Bearer header and
// puts its subject on the request context.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if c, err := r.Cookie(accessCookie); err == nil {
			raw = c.Value
		}
		if raw == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if raw == "" {
			h.fail(w, r, apperror.Unauthorized("unauthorized request"))
			return
		}
		userID, err := h.tokens.VerifyAccessToken(raw)
		if err != nil {
			h.fail(w, r, apperror.Wrap(apperror.KindUnauthorized, "invalid access token", err))
			return
		}
		next(w, r.WithContext(token.WithUserID(r.Context(), userID)))
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		h.fail(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := RegisterInput{
		Fullname: r.FormValue("fullname"),
		Email:    r.FormValue("email"),
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
	}
	// reject bad fields before anything is written to disk
	if err := h.svc.ValidateRegistration(in); err != nil {
		h.fail(w, r, err)
		return
	}

	var err error
	if in.AvatarPath, err = h.stage(r, "avatar"); err != nil {
		h.fail(w, r, err)
		return
	}
	defer removeStaged(in.AvatarPath)
	if in.CoverPath, err = h.stage(r, "coverImage"); err != nil {
		h.fail(w, r, err)
		return
	}
	defer removeStaged(in.CoverPath)

	u, err := h.svc.Register(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteData(w, http.StatusCreated, u, "user registered successfully")
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User         any    `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.svc.Login(r.Context(), LoginInput(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeSession(w, sess, "user logged in successfully")
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := token.UserIDFrom(r.Context())
	if err := h.svc.Logout(r.Context(), userID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearCookie(w, accessCookie)
	h.clearCookie(w, refreshCookie)
	utilities.WriteData(w, http.StatusOK, nil, "user logged out")
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		raw = c.Value
	}
	if raw == "" {
		var req refreshRequest
		if err := h.decode(w, r, &req, true); err != nil {
			h.fail(w, r, err)
			return
		}
		raw = req.RefreshToken
	}
	sess, err := h.svc.Refresh(r.Context(), raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeSession(w, sess, "access token refreshed")
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	userID, _ := token.UserIDFrom(r.Context())
	if err := h.svc.ChangePassword(r.Context(), userID, ChangePasswordInput(req)); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteData(w, http.StatusOK, nil, "password changed successfully")
}

func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := token.UserIDFrom(r.Context())
	u, err := h.svc.CurrentUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteData(w, http.StatusOK, u, "current user fetched successfully")
}

type updateAccountRequest struct {
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	userID, _ := token.UserIDFrom(r.Context())
	u, err := h.svc.UpdateAccountDetails(r.Context(), userID, UpdateAccountInput(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteData(w, http.StatusOK, u, "account details updated successfully")
}

func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	h.updateAsset(w, r, "avatar", h.svc.UpdateAvatar, "avatar updated successfully")
}

func (h *Handler) UpdateCoverImage(w http.ResponseWriter, r *http.Request) {
	h.updateAsset(w, r, "coverImage", h.svc.UpdateCoverImage, "cover image updated successfully")
}

func (h *Handler) updateAsset(w http.ResponseWriter, r *http.Request, field string,
	update func(ctx context.Context, userID, path string) (*entity.PublicUser, error), msg string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		h.fail(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	path, err := h.stage(r, field)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer removeStaged(path)

	userID, _ := token.UserIDFrom(r.Context())
	u, err := update(r.Context(), userID, path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteData(w, http.StatusOK, u, msg)
}

// stage copies the named file field to the upload dir. A missing field
// yields an empty path.
func (h *Handler) stage(r *http.Request, field string) (string, error) {
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return "", nil
	}
	path, err := media.StageFile(h.opts.UploadTmpDir, files[0])
	if err != nil {
		return "", apperror.Server("failed to stage upload", err)
	}
	return path, nil
}

// decode reads a JSON body. With optional set an empty body is accepted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxJSONBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.Wrap(apperror.KindValidation, "request body too large", err)
	}
	return apperror.Wrap(apperror.KindValidation, "invalid request body", err)
}

func (h *Handler) writeSession(w http.ResponseWriter, sess *Session, msg string) {
	h.setCookie(w, accessCookie, sess.Tokens.AccessToken, sess.Tokens.AccessExpiresAt)
	h.setCookie(w, refreshCookie, sess.Tokens.RefreshToken, sess.Tokens.RefreshExpiresAt)
	utilities.WriteData(w, http.StatusOK, sessionResponse{
		User:         sess.User,
		AccessToken:  sess.Tokens.AccessToken,
		RefreshToken: sess.Tokens.RefreshToken,
	}, msg)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge <= 0 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	utilities.WriteError(w, h.logger, r, err)
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.Wrap(apperror.KindValidation, "upload too large", err)
	}
	return apperror.Wrap(apperror.KindValidation, "expected multipart form data", err)
}

// removeStaged drops a staged file the media store did not consume.
func removeStaged(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
