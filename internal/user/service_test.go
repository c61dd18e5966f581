package user

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-account/internal/media"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account/pkg/apperror"
)

type fakeMedia struct {
	mu       sync.Mutex
	seq      int
	failOn   map[string]error
	uploaded []string
	deleted  []string
}

func newFakeMedia() *fakeMedia { return &fakeMedia{failOn: map[string]error{}} }

func (f *fakeMedia) Upload(_ context.Context, localPath string) (*media.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[localPath]; err != nil {
		return nil, err
	}
	f.seq++
	id := fmt.Sprintf("%d-%s", f.seq, filepath.Base(localPath))
	f.uploaded = append(f.uploaded, id)
	return &media.Asset{URL: "https://cdn.test/" + id, PublicID: id}, nil
}

func (f *fakeMedia) Delete(_ context.Context, publicID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, publicID)
	return true, nil
}

// createFails lets every operation through except Create.
type createFails struct {
	Store
	err error
}

func (c createFails) Create(context.Context, *entity.User) error { return c.err }

func newTokens(t *testing.T) *token.Service {
	t.Helper()
	ts, err := token.NewService(token.Config{
		Issuer:        "service-account",
		AccessSecret:  []byte("access-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshSecret: []byte("refresh-secret"),
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	return ts
}

func newBoltStore(t *testing.T) *userrepo.BoltUserRepo {
	t.Helper()
	r, err := userrepo.OpenBoltUserRepo(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestService(t *testing.T, store Store, m MediaStore) *UserService {
	t.Helper()
	return NewUserService(store, m, newTokens(t), BcryptHasher{Cost: bcrypt.MinCost}, nil, Options{})
}

func aliceInput() RegisterInput {
	return RegisterInput{
		Fullname:   "Alice Liddell",
		Email:      "Alice@Example.com",
		Username:   "Alice",
		Password:   "wonderland",
		AvatarPath: "/tmp/avatar.png",
	}
}

func register(t *testing.T, s *UserService) *entity.PublicUser {
	t.Helper()
	u, err := s.Register(context.Background(), aliceInput())
	require.NoError(t, err)
	return u
}

func assertKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), "error: %v", err)
}

func TestRegister(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)

	in := aliceInput()
	in.CoverPath = "/tmp/cover.png"
	u, err := s.Register(context.Background(), in)
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "Alice Liddell", u.Fullname)
	assert.Equal(t, "https://cdn.test/1-avatar.png", u.AvatarURL)
	assert.Equal(t, "https://cdn.test/2-cover.png", u.CoverImageURL)
	assert.Empty(t, m.deleted)
}

func TestRegister_CoverIsOptional(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)
	assert.Empty(t, u.CoverImageURL)
}

func TestRegister_Validation(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)

	cases := map[string]func(*RegisterInput){
		"blank fullname": func(in *RegisterInput) { in.Fullname = "   " },
		"blank email":    func(in *RegisterInput) { in.Email = "" },
		"blank username": func(in *RegisterInput) { in.Username = " " },
		"blank password": func(in *RegisterInput) { in.Password = "" },
		"no avatar":      func(in *RegisterInput) { in.AvatarPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := aliceInput()
			mutate(&in)
			_, err := s.Register(context.Background(), in)
			assertKind(t, err, apperror.KindValidation)
		})
	}
	assert.Empty(t, m.uploaded)
}

func TestRegister_ExistingUserConflictsBeforeUpload(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)
	register(t, s)

	byEmail := aliceInput()
	byEmail.Username = "someone"
	_, err := s.Register(context.Background(), byEmail)
	assertKind(t, err, apperror.KindConflict)

	byName := aliceInput()
	byName.Email = "other@example.com"
	_, err = s.Register(context.Background(), byName)
	assertKind(t, err, apperror.KindConflict)

	assert.Len(t, m.uploaded, 1)
}

func TestRegister_AvatarUploadFailure(t *testing.T) {
	m := newFakeMedia()
	m.failOn["/tmp/avatar.png"] = errors.New("bucket unreachable")
	store := newBoltStore(t)
	s := newTestService(t, store, m)

	_, err := s.Register(context.Background(), aliceInput())
	assertKind(t, err, apperror.KindUpload)

	_, err = store.FindByUsernameOrEmail(context.Background(), "alice", "")
	assert.ErrorIs(t, err, userrepo.ErrNotFound)
}

func TestRegister_CoverUploadFailureDiscardsAvatar(t *testing.T) {
	m := newFakeMedia()
	m.failOn["/tmp/cover.png"] = errors.New("timeout")
	s := newTestService(t, newBoltStore(t), m)

	in := aliceInput()
	in.CoverPath = "/tmp/cover.png"
	_, err := s.Register(context.Background(), in)
	assertKind(t, err, apperror.KindUpload)
	assert.Equal(t, []string{"1-avatar.png"}, m.deleted)
}

func TestRegister_StoreFailureCompensates(t *testing.T) {
	m := newFakeMedia()
	store := createFails{Store: newBoltStore(t), err: errors.New("disk full")}
	s := newTestService(t, store, m)

	in := aliceInput()
	in.CoverPath = "/tmp/cover.png"
	_, err := s.Register(context.Background(), in)
	assertKind(t, err, apperror.KindCreation)
	assert.ElementsMatch(t, m.uploaded, m.deleted)
}

func TestRegister_LostRaceIsConflict(t *testing.T) {
	m := newFakeMedia()
	store := createFails{Store: newBoltStore(t), err: userrepo.ErrDuplicate}
	s := newTestService(t, store, m)

	_, err := s.Register(context.Background(), aliceInput())
	assertKind(t, err, apperror.KindConflict)
	assert.Equal(t, m.uploaded, m.deleted)
}

func TestRegister_ConcurrentSameUsername(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := aliceInput()
			in.Email = fmt.Sprintf("alice%d@example.com", i)
			_, errs[i] = s.Register(context.Background(), in)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assertKind(t, err, apperror.KindConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestLogin(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	registered := register(t, s)
	ctx := context.Background()

	sess, err := s.Login(ctx, LoginInput{Username: "ALICE", Password: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, registered.ID, sess.User.ID)
	assert.NotEmpty(t, sess.Tokens.AccessToken)
	assert.NotEmpty(t, sess.Tokens.RefreshToken)

	sess, err = s.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wonderland"})
	require.NoError(t, err)

	sub, err := newTokens(t).VerifyAccessToken(sess.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, sub)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	register(t, s)
	ctx := context.Background()

	_, err := s.Login(ctx, LoginInput{Password: "wonderland"})
	assertKind(t, err, apperror.KindValidation)

	_, err = s.Login(ctx, LoginInput{Username: "alice"})
	assertKind(t, err, apperror.KindValidation)

	_, err = s.Login(ctx, LoginInput{Username: "bob", Password: "wonderland"})
	assertKind(t, err, apperror.KindNotFound)

	_, err = s.Login(ctx, LoginInput{Username: "alice", Password: "looking-glass"})
	assertKind(t, err, apperror.KindUnauthorized)
}

func TestLogin_SecondLoginRevokesFirstSession(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	register(t, s)
	ctx := context.Background()

	first, err := s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	second, err := s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)

	_, err = s.Refresh(ctx, first.Tokens.RefreshToken)
	assertKind(t, err, apperror.KindUnauthorized)

	_, err = s.Refresh(ctx, second.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_RotatesAndRejectsReuse(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	register(t, s)
	ctx := context.Background()

	sess, err := s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	next, err := s.Refresh(ctx, sess.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Tokens.RefreshToken, next.Tokens.RefreshToken)
	assert.Equal(t, sess.User.ID, next.User.ID)

	_, err = s.Refresh(ctx, sess.Tokens.RefreshToken)
	assertKind(t, err, apperror.KindUnauthorized)

	_, err = s.Refresh(ctx, next.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_ConcurrentUseSucceedsOnce(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	register(t, s)
	sess, err := s.Login(context.Background(), LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Refresh(context.Background(), sess.Tokens.RefreshToken)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assertKind(t, err, apperror.KindUnauthorized)
	}
	assert.Equal(t, 1, ok)
}

func TestRefresh_InvalidTokens(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	register(t, s)
	ctx := context.Background()

	_, err := s.Refresh(ctx, "")
	assertKind(t, err, apperror.KindUnauthorized)

	_, err = s.Refresh(ctx, "not-a-jwt")
	assertKind(t, err, apperror.KindUnauthorized)

	sess, err := s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	_, err = s.Refresh(ctx, sess.Tokens.AccessToken)
	assertKind(t, err, apperror.KindUnauthorized)

	pair, err := newTokens(t).IssuePair("ghost")
	require.NoError(t, err)
	_, err = s.Refresh(ctx, pair.RefreshToken)
	assertKind(t, err, apperror.KindUnauthorized)
}

func TestLogout(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)
	ctx := context.Background()

	sess, err := s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, u.ID))
	_, err = s.Refresh(ctx, sess.Tokens.RefreshToken)
	assertKind(t, err, apperror.KindUnauthorized)

	require.NoError(t, s.Logout(ctx, u.ID))
	require.NoError(t, s.Logout(ctx, "ghost"))
}

func TestChangePassword(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)
	ctx := context.Background()

	err := s.ChangePassword(ctx, u.ID, ChangePasswordInput{OldPassword: "wrong", NewPassword: "new-pass"})
	assertKind(t, err, apperror.KindUnauthorized)

	err = s.ChangePassword(ctx, u.ID, ChangePasswordInput{OldPassword: "wonderland", NewPassword: " "})
	assertKind(t, err, apperror.KindValidation)

	err = s.ChangePassword(ctx, "ghost", ChangePasswordInput{OldPassword: "wonderland", NewPassword: "new-pass"})
	assertKind(t, err, apperror.KindUnauthorized)

	require.NoError(t, s.ChangePassword(ctx, u.ID, ChangePasswordInput{OldPassword: "wonderland", NewPassword: "new-pass"}))

	_, err = s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	assertKind(t, err, apperror.KindUnauthorized)
	_, err = s.Login(ctx, LoginInput{Username: "alice", Password: "new-pass"})
	require.NoError(t, err)
}

func TestCurrentUser(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)

	got, err := s.CurrentUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.Username, got.Username)
	assert.Equal(t, u.AvatarURL, got.AvatarURL)

	_, err = s.CurrentUser(context.Background(), "ghost")
	assertKind(t, err, apperror.KindUnauthorized)
	_, err = s.CurrentUser(context.Background(), "")
	assertKind(t, err, apperror.KindUnauthorized)
}

func TestUpdateAccountDetails(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)
	ctx := context.Background()

	bob := aliceInput()
	bob.Username, bob.Email = "bob", "bob@example.com"
	_, err := s.Register(ctx, bob)
	require.NoError(t, err)

	_, err = s.UpdateAccountDetails(ctx, u.ID, UpdateAccountInput{Fullname: "Alice"})
	assertKind(t, err, apperror.KindValidation)

	_, err = s.UpdateAccountDetails(ctx, u.ID, UpdateAccountInput{Fullname: "Alice", Email: "BOB@example.com"})
	assertKind(t, err, apperror.KindConflict)

	got, err := s.UpdateAccountDetails(ctx, u.ID, UpdateAccountInput{Fullname: "Alice L.", Email: "al@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Alice L.", got.Fullname)
	assert.Equal(t, "al@example.com", got.Email)
	assert.Equal(t, "alice", got.Username)

	_, err = s.UpdateAccountDetails(ctx, "ghost", UpdateAccountInput{Fullname: "x", Email: "x@example.com"})
	assertKind(t, err, apperror.KindUnauthorized)
}

func TestUpdateAvatarReplacesPrevious(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)
	u := register(t, s)
	ctx := context.Background()

	_, err := s.UpdateAvatar(ctx, u.ID, "")
	assertKind(t, err, apperror.KindValidation)

	got, err := s.UpdateAvatar(ctx, u.ID, "/tmp/new.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/2-new.png", got.AvatarURL)
	assert.Equal(t, []string{"1-avatar.png"}, m.deleted)

	m.failOn["/tmp/broken.png"] = errors.New("boom")
	_, err = s.UpdateAvatar(ctx, u.ID, "/tmp/broken.png")
	assertKind(t, err, apperror.KindUpload)

	current, err := s.CurrentUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/2-new.png", current.AvatarURL)
}

func TestUpdateCoverImage(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)
	u := register(t, s)
	ctx := context.Background()

	got, err := s.UpdateCoverImage(ctx, u.ID, "/tmp/cover.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/2-cover.png", got.CoverImageURL)
	assert.Empty(t, m.deleted, "no previous cover to delete")

	_, err = s.UpdateCoverImage(ctx, u.ID, "/tmp/cover2.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"2-cover.png"}, m.deleted)

	_, err = s.UpdateCoverImage(ctx, "ghost", "/tmp/cover3.png")
	assertKind(t, err, apperror.KindUnauthorized)
}

func TestRegister_PasswordTooLongForBcrypt(t *testing.T) {
	m := newFakeMedia()
	s := newTestService(t, newBoltStore(t), m)

	in := aliceInput()
	in.Password = strings.Repeat("p", 80)
	_, err := s.Register(context.Background(), in)
	assertKind(t, err, apperror.KindValidation)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	assert.Empty(t, m.uploaded)
	assert.Empty(t, m.deleted)

	in.Password = strings.Repeat("p", 72)
	_, err = s.Register(context.Background(), in)
	require.NoError(t, err)
}

func TestRegister_LongPasswordWithArgon2(t *testing.T) {
	s := NewUserService(newBoltStore(t), newFakeMedia(), newTokens(t), Argon2Hasher{Params: fastArgon}, nil, Options{})

	in := aliceInput()
	in.Password = strings.Repeat("p", 200)
	_, err := s.Register(context.Background(), in)
	require.NoError(t, err)

	_, err = s.Login(context.Background(), LoginInput{Username: "alice", Password: in.Password})
	require.NoError(t, err)
}

func TestChangePassword_TooLongForBcrypt(t *testing.T) {
	s := newTestService(t, newBoltStore(t), newFakeMedia())
	u := register(t, s)
	ctx := context.Background()

	err := s.ChangePassword(ctx, u.ID, ChangePasswordInput{OldPassword: "wonderland", NewPassword: strings.Repeat("n", 73)})
	assertKind(t, err, apperror.KindValidation)

	_, err = s.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
}

// blockingStore waits for the caller's deadline on reads.
type blockingStore struct {
	Store
}

func (blockingStore) GetByID(ctx context.Context, _ string) (*entity.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) FindByUsernameOrEmail(ctx context.Context, _, _ string) (*entity.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// blockingMedia never finishes an upload before the deadline.
type blockingMedia struct {
	*fakeMedia
}

func (blockingMedia) Upload(ctx context.Context, _ string) (*media.Asset, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutIsStoreError(t *testing.T) {
	bolt := newBoltStore(t)
	s := newTestService(t, bolt, newFakeMedia())
	u := register(t, s)
	sess, err := s.Login(context.Background(), LoginInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	slow := NewUserService(blockingStore{Store: bolt}, newFakeMedia(), newTokens(t),
		BcryptHasher{Cost: bcrypt.MinCost}, nil, Options{StoreTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err = slow.CurrentUser(ctx, u.ID)
	assertKind(t, err, apperror.KindStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = slow.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"})
	assertKind(t, err, apperror.KindStore)

	_, err = slow.Register(ctx, aliceInput())
	assertKind(t, err, apperror.KindStore)

	_, err = slow.Refresh(ctx, sess.Tokens.RefreshToken)
	assertKind(t, err, apperror.KindStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadTimeoutIsUploadError(t *testing.T) {
	bolt := newBoltStore(t)
	u := register(t, newTestService(t, bolt, newFakeMedia()))

	m := blockingMedia{fakeMedia: newFakeMedia()}
	slow := NewUserService(bolt, m, newTokens(t), BcryptHasher{Cost: bcrypt.MinCost}, nil,
		Options{UploadTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := slow.UpdateAvatar(ctx, u.ID, "/tmp/new.png")
	assertKind(t, err, apperror.KindUpload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	in := aliceInput()
	in.Username, in.Email = "bob", "bob@example.com"
	_, err = slow.Register(ctx, in)
	assertKind(t, err, apperror.KindUpload)

	_, err = bolt.FindByUsernameOrEmail(ctx, "bob", "")
	assert.ErrorIs(t, err, userrepo.ErrNotFound)
}
