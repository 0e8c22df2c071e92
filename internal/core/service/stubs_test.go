package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/identity-service/internal/core/domain"
	"github.com/99minutos/identity-service/internal/core/ports"
	"github.com/99minutos/identity-service/internal/core/security"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubUserRepo struct {
	mu     sync.Mutex
	byID   map[string]*domain.User
	nextID int

	findErr   error
	updateErr error
	upgraded  []string
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{byID: make(map[string]*domain.User)}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

func (r *stubUserRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, u := range r.byID {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (r *stubUserRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	u, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (r *stubUserRepo) FindByRefreshToken(_ context.Context, tokenHash string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tokenHash == "" {
		return nil, domain.ErrUserNotFound
	}
	for _, u := range r.byID {
		if u.RefreshTokenHash == tokenHash {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (r *stubUserRepo) List(_ context.Context) ([]*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *stubUserRepo) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == user.Email {
			return nil, domain.ErrEmailTaken
		}
	}
	r.nextID++
	created := cloneUser(user)
	created.ID = fmt.Sprintf("user-%03d", r.nextID)
	r.byID[created.ID] = cloneUser(created)
	return created, nil
}

func (r *stubUserRepo) SetRefreshToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.RefreshTokenHash = tokenHash
	u.RefreshExpiresAt = expiresAt
	return nil
}

func (r *stubUserRepo) RotateRefreshToken(_ context.Context, id, currentHash, nextHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok || u.RefreshTokenHash != currentHash {
		return domain.ErrSessionConflict
	}
	u.RefreshTokenHash = nextHash
	u.RefreshExpiresAt = expiresAt
	return nil
}

func (r *stubUserRepo) ClearRefreshToken(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.RefreshTokenHash = ""
	u.RefreshExpiresAt = time.Time{}
	return nil
}

func (r *stubUserRepo) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	u, ok := r.byID[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	r.upgraded = append(r.upgraded, id)
	return nil
}

func (r *stubUserRepo) Ping(context.Context) error { return nil }

func (r *stubUserRepo) user(id string) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUser(r.byID[id])
}

// stubHasher is reversible on purpose so tests can assert on stored digests
// without paying for argon2id.
type stubHasher struct{}

func (stubHasher) Hash(password string) (string, error) {
	if len(password) > security.MaxPasswordBytes {
		return "", security.ErrPasswordTooLong
	}
	return "hashed:" + password, nil
}

func (stubHasher) Verify(password, digest string) bool {
	return digest == "hashed:"+password || digest == "legacy:"+password
}

func (stubHasher) NeedsUpgrade(digest string) bool {
	return strings.HasPrefix(digest, "legacy:")
}

type stubLedger struct {
	mu      sync.Mutex
	retired map[string]string
	err     error
}

func newStubLedger() *stubLedger {
	return &stubLedger{retired: make(map[string]string)}
}

func (l *stubLedger) Retire(_ context.Context, tokenHash, userID string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.retired[tokenHash] = userID
	return nil
}

func (l *stubLedger) Owner(_ context.Context, tokenHash string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return l.retired[tokenHash], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuthEvent
}

func (s *recordingSink) Record(e domain.AuthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []domain.AuthEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuthEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

var errStoreDown = errors.New("store unavailable")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T) *security.JWTIssuer {
	t.Helper()
	iss, err := security.NewJWTIssuer(testSecret, "identity-service", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	return iss
}

func newTestService(t *testing.T, repo *stubUserRepo, opts ...Option) *AuthService {
	t.Helper()
	svc, err := NewAuthService(repo, stubHasher{}, newTestIssuer(t), AuthConfig{}, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	return svc
}

func mustRegister(t *testing.T, svc *AuthService, email, password string, admin bool) *domain.Identity {
	t.Helper()
	id, err := svc.Register(context.Background(), ports.RegisterInput{Email: email, Password: password, Admin: admin})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return id
}
