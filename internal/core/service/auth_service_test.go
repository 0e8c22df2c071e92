package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/identity-service/internal/core/domain"
	"github.com/99minutos/identity-service/internal/core/ports"
	"github.com/99minutos/identity-service/internal/core/security"
)

func TestAuthService_Register_Success(t *testing.T) {
	repo := newStubUserRepo()
	sink := &recordingSink{}
	svc := newTestService(t, repo, WithEventSink(sink))

	id, err := svc.Register(context.Background(), ports.RegisterInput{Email: "  Alice@Example.com ", Password: "password1"})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if id.Email != "alice@example.com" {
		t.Fatalf("expected canonical email, got %q", id.Email)
	}
	if id.IsAdmin {
		t.Fatalf("expected non-admin account")
	}

	stored := repo.user(id.ID)
	if stored.PasswordHash == "password1" || stored.PasswordHash == "" {
		t.Fatalf("expected password to be hashed, got %q", stored.PasswordHash)
	}
	if stored.HasSession() {
		t.Fatalf("a new account must not hold a session")
	}
	if got := sink.types(); len(got) != 1 || got[0] != domain.EventRegistered {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestAuthService_Register_Duplicate(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)

	mustRegister(t, svc, "bob@example.com", "password1", false)

	for _, password := range []string{"password1", "another-password", "short", ""} {
		_, err := svc.Register(context.Background(), ports.RegisterInput{Email: "BOB@example.com", Password: password})
		if !errors.Is(err, domain.ErrEmailTaken) {
			t.Fatalf("password %q: expected ErrEmailTaken, got %v", password, err)
		}
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict category, got %v", err)
		}
	}
}

func TestAuthService_Register_Validation(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)

	cases := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"empty email", "", "password1", domain.ErrInvalidEmail},
		{"malformed email", "not-an-email", "password1", domain.ErrInvalidEmail},
		{"short password", "carol@example.com", "pass", domain.ErrWeakPassword},
		{"short in characters", "carol@example.com", "ñññññññ", domain.ErrWeakPassword},
		{"oversized password", "carol@example.com", strings.Repeat("a", security.MaxPasswordBytes+1), domain.ErrWeakPassword},
		{"invalid utf-8", "carol@example.com", string([]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa, 0xf9, 0xf8}), domain.ErrPasswordEncoding},
	}
	for _, tc := range cases {
		_, err := svc.Register(context.Background(), ports.RegisterInput{Email: tc.email, Password: tc.password})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation category, got %v", tc.name, err)
		}
	}

	users, _ := repo.List(context.Background())
	if len(users) != 0 {
		t.Fatalf("rejected registrations must not create users, got %d", len(users))
	}
}

func TestAuthService_Register_MultibytePasswordCountsCharacters(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)

	if _, err := svc.Register(context.Background(), ports.RegisterInput{Email: "dora@example.com", Password: "ññññññññ"}); err != nil {
		t.Fatalf("eight characters must satisfy the policy: %v", err)
	}
}

func TestAuthService_Register_StoreFailure(t *testing.T) {
	repo := newStubUserRepo()
	repo.findErr = errStoreDown
	svc := newTestService(t, repo)

	_, err := svc.Register(context.Background(), ports.RegisterInput{Email: "erin@example.com", Password: "password1"})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrConflict) {
		t.Fatalf("store failure must not look like a caller error: %v", err)
	}
}

func TestAuthService_Login_Success(t *testing.T) {
	repo := newStubUserRepo()
	sink := &recordingSink{}
	svc := newTestService(t, repo, WithEventSink(sink))
	id := mustRegister(t, svc, "frank@example.com", "password1", false)

	pair, err := svc.Login(context.Background(), "Frank@Example.com", "password1")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}
	if pair.TokenType != "bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}

	sub, err := newTestIssuer(t).ValidateAccessToken(pair.AccessToken)
	if err != nil || sub != id.ID {
		t.Fatalf("access token subject = %q, err = %v", sub, err)
	}

	owner, err := repo.FindByRefreshToken(context.Background(), security.HashRefreshToken(pair.RefreshToken))
	if err != nil {
		t.Fatalf("refresh token does not resolve: %v", err)
	}
	if owner.ID != id.ID {
		t.Fatalf("refresh token resolves to %q, expected %q", owner.ID, id.ID)
	}
	if owner.RefreshTokenHash == pair.RefreshToken {
		t.Fatalf("refresh token must be stored hashed")
	}
}

func TestAuthService_Login_UniformFailure(t *testing.T) {
	repo := newStubUserRepo()
	sink := &recordingSink{}
	svc := newTestService(t, repo, WithEventSink(sink))
	mustRegister(t, svc, "gina@example.com", "password1", false)

	_, wrongPassword := svc.Login(context.Background(), "gina@example.com", "wrong-password")
	_, unknownEmail := svc.Login(context.Background(), "ghost@example.com", "password1")

	if wrongPassword != domain.ErrInvalidCredentials || unknownEmail != domain.ErrInvalidCredentials {
		t.Fatalf("expected identical ErrInvalidCredentials, got %v and %v", wrongPassword, unknownEmail)
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Fatalf("messages differ: %q vs %q", wrongPassword, unknownEmail)
	}

	got := sink.types()
	if len(got) != 3 || got[1] != domain.EventLoginFailed || got[2] != domain.EventLoginFailed {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestAuthService_Login_ReplacesPreviousSession(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	mustRegister(t, svc, "hank@example.com", "password1", false)

	first, err := svc.Login(context.Background(), "hank@example.com", "password1")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := svc.Login(context.Background(), "hank@example.com", "password1"); err != nil {
		t.Fatalf("second login: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("superseded refresh token must be rejected, got %v", err)
	}
}

func TestAuthService_Login_UpgradesLegacyHash(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	created, _ := repo.Create(context.Background(), &domain.User{Email: "ivan@example.com", PasswordHash: "legacy:password1"})

	if _, err := svc.Login(context.Background(), "ivan@example.com", "password1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := repo.user(created.ID).PasswordHash; got != "hashed:password1" {
		t.Fatalf("expected upgraded digest, got %q", got)
	}
}

func TestAuthService_Login_UpgradeFailureIsNotFatal(t *testing.T) {
	repo := newStubUserRepo()
	repo.updateErr = errStoreDown
	svc := newTestService(t, repo)
	created, _ := repo.Create(context.Background(), &domain.User{Email: "jane@example.com", PasswordHash: "legacy:password1"})

	if _, err := svc.Login(context.Background(), "jane@example.com", "password1"); err != nil {
		t.Fatalf("login must succeed when the upgrade write fails: %v", err)
	}
	if got := repo.user(created.ID).PasswordHash; got != "legacy:password1" {
		t.Fatalf("digest should be unchanged, got %q", got)
	}
}

func TestAuthService_Refresh_RotatesToken(t *testing.T) {
	repo := newStubUserRepo()
	ledger := newStubLedger()
	svc := newTestService(t, repo, WithRetiredTokenLedger(ledger))
	id := mustRegister(t, svc, "kate@example.com", "password1", false)

	login, err := svc.Login(context.Background(), "kate@example.com", "password1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == login.RefreshToken {
		t.Fatalf("refresh token must rotate")
	}
	sub, err := newTestIssuer(t).ValidateAccessToken(refreshed.AccessToken)
	if err != nil || sub != id.ID {
		t.Fatalf("refreshed access token subject = %q, err = %v", sub, err)
	}

	if owner, _ := ledger.Owner(context.Background(), security.HashRefreshToken(login.RefreshToken)); owner != id.ID {
		t.Fatalf("rotated token should be retired for %q, got %q", id.ID, owner)
	}

	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); err != nil {
		t.Fatalf("new refresh token should work: %v", err)
	}
}

func TestAuthService_Refresh_ReuseEndsSession(t *testing.T) {
	repo := newStubUserRepo()
	sink := &recordingSink{}
	svc := newTestService(t, repo, WithRetiredTokenLedger(newStubLedger()), WithEventSink(sink))
	id := mustRegister(t, svc, "liam@example.com", "password1", false)

	login, _ := svc.Login(context.Background(), "liam@example.com", "password1")
	rotated, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("replayed token: expected ErrInvalidRefreshToken, got %v", err)
	}
	if repo.user(id.ID).HasSession() {
		t.Fatalf("replay must end the session")
	}
	if _, err := svc.Refresh(context.Background(), rotated.RefreshToken); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("live token after replay: expected ErrInvalidRefreshToken, got %v", err)
	}

	found := false
	for _, typ := range sink.types() {
		if typ == domain.EventRefreshReuse {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a refresh_reuse event, got %v", sink.types())
	}
}

func TestAuthService_Refresh_LedgerFailureIsNotFatal(t *testing.T) {
	repo := newStubUserRepo()
	ledger := newStubLedger()
	ledger.err = errStoreDown
	svc := newTestService(t, repo, WithRetiredTokenLedger(ledger))
	mustRegister(t, svc, "mia@example.com", "password1", false)

	login, _ := svc.Login(context.Background(), "mia@example.com", "password1")
	if _, err := svc.Refresh(context.Background(), login.RefreshToken); err != nil {
		t.Fatalf("refresh must succeed when the ledger is down: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), "never-issued"); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestAuthService_Refresh_Expired(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	id := mustRegister(t, svc, "nina@example.com", "password1", false)

	login, _ := svc.Login(context.Background(), "nina@example.com", "password1")
	svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	if _, err := svc.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if repo.user(id.ID).HasSession() {
		t.Fatalf("an expired session should be cleared")
	}
}

func TestAuthService_Refresh_Unknown(t *testing.T) {
	svc := newTestService(t, newStubUserRepo())

	for _, token := range []string{"", "garbage"} {
		if _, err := svc.Refresh(context.Background(), token); !errors.Is(err, domain.ErrInvalidRefreshToken) {
			t.Fatalf("token %q: expected ErrInvalidRefreshToken, got %v", token, err)
		}
	}
}

func TestAuthService_Refresh_ConcurrentSingleWinner(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	mustRegister(t, svc, "omar@example.com", "password1", false)
	login, _ := svc.Login(context.Background(), "omar@example.com", "password1")

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(context.Background(), login.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInvalidRefreshToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winning refresh, got %d", successes)
	}
}

func TestAuthService_Logout_InvalidatesRefresh(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	id := mustRegister(t, svc, "paul@example.com", "password1", false)
	login, _ := svc.Login(context.Background(), "paul@example.com", "password1")

	if err := svc.Logout(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if repo.user(id.ID).HasSession() {
		t.Fatalf("logout must clear the session")
	}
	if _, err := svc.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if err := svc.Logout(context.Background(), "not-a-token"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthService_ListIdentities(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(t, repo)
	mustRegister(t, svc, "root@example.com", "password1", true)
	mustRegister(t, svc, "user@example.com", "password1", false)

	admin, _ := svc.Login(context.Background(), "root@example.com", "password1")
	user, _ := svc.Login(context.Background(), "user@example.com", "password1")

	list, err := svc.ListIdentities(context.Background(), admin.AccessToken)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(list))
	}

	if _, err := svc.ListIdentities(context.Background(), user.AccessToken); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-admin: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ListIdentities(context.Background(), ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("anonymous: expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthService_Scenario(t *testing.T) {
	repo := newStubUserRepo()
	svc, err := NewAuthService(repo, security.NewArgon2idHasher(), newTestIssuer(t), AuthConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.Register(ctx, ports.RegisterInput{Email: "a@x.com", Password: "password1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	pair, err := svc.Login(ctx, "a@x.com", "password1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	me, err := svc.CurrentIdentity(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Email != "a@x.com" {
		t.Fatalf("unexpected identity %+v", me)
	}
	if err := svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidRefreshToken) {
		t.Fatalf("refresh after logout: expected ErrInvalidRefreshToken, got %v", err)
	}
}

// verifyRecorder remembers which digests Verify was asked about.
type verifyRecorder struct {
	stubHasher
	mu      sync.Mutex
	digests []string
	hashErr error
}

func (h *verifyRecorder) Hash(password string) (string, error) {
	if h.hashErr != nil {
		return "", h.hashErr
	}
	return h.stubHasher.Hash(password)
}

func (h *verifyRecorder) Verify(password, digest string) bool {
	h.mu.Lock()
	h.digests = append(h.digests, digest)
	h.mu.Unlock()
	return h.stubHasher.Verify(password, digest)
}

func TestAuthService_Login_OversizedPasswordUsesDummyHash(t *testing.T) {
	repo := newStubUserRepo()
	hasher := &verifyRecorder{}
	svc, err := NewAuthService(repo, hasher, newTestIssuer(t), AuthConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}

	long := strings.Repeat("a", security.MaxPasswordBytes+1)
	// A digest that would verify if the oversized password ever reached it.
	if _, err := repo.Create(context.Background(), &domain.User{Email: "big@x.com", PasswordHash: "hashed:" + long}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	_, err = svc.Login(context.Background(), "big@x.com", long)
	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if len(hasher.digests) != 1 {
		t.Fatalf("expected exactly one verification, got %d", len(hasher.digests))
	}
	if hasher.digests[0] != svc.dummyHash {
		t.Fatalf("oversized password was verified against the stored digest")
	}
}

func TestAuthService_Register_HasherRejectionIsValidation(t *testing.T) {
	cases := []struct {
		hashErr error
		want    error
	}{
		{security.ErrPasswordEncoding, domain.ErrPasswordEncoding},
		{security.ErrPasswordTooLong, domain.ErrWeakPassword},
	}
	for _, tc := range cases {
		hasher := &verifyRecorder{}
		svc, err := NewAuthService(newStubUserRepo(), hasher, newTestIssuer(t), AuthConfig{}, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewAuthService: %v", err)
		}
		hasher.hashErr = tc.hashErr

		_, err = svc.Register(context.Background(), ports.RegisterInput{Email: "a@x.com", Password: "password1"})
		if !errors.Is(err, tc.want) || !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("hasher error %v: expected %v in the validation category, got %v", tc.hashErr, tc.want, err)
		}
	}
}
