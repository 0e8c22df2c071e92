package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/99minutos/identity-service/internal/core/domain"
	"github.com/99minutos/identity-service/internal/core/ports"
	"github.com/99minutos/identity-service/internal/core/security"
	"github.com/99minutos/identity-service/internal/pkg/metrics"
)

const (
	defaultMinPasswordLength = 8
	defaultRefreshTTL        = 7 * 24 * time.Hour
	tokenTypeBearer          = "bearer"
)

// AuthConfig is the session policy.
type AuthConfig struct {
	// MinPasswordLength is counted in characters, not bytes.
	MinPasswordLength int
	// RefreshTTL bounds how long a refresh token can be exchanged.
	RefreshTTL time.Duration
}

// Option configures optional collaborators of AuthService.
type Option func(*AuthService)

// WithRetiredTokenLedger enables refresh token reuse detection.
func WithRetiredTokenLedger(l ports.RetiredTokenLedger) Option {
	return func(s *AuthService) { s.ledger = l }
}

// WithEventSink enables the audit trail.
func WithEventSink(sink ports.AuthEventSink) Option {
	return func(s *AuthService) { s.events = sink }
}

// AuthService implements registration, login, refresh, logout and the
// identity queries on top of the hasher, token issuer and user store.
type AuthService struct {
	users  ports.UserRepository
	hasher ports.PasswordHasher
	tokens ports.TokenIssuer
	guard  *Guard
	ledger ports.RetiredTokenLedger
	events ports.AuthEventSink

	cfg      AuthConfig
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time

	// dummyHash is verified against when the email is unknown so that a miss
	// costs the same as a wrong password.
	dummyHash string
}

func NewAuthService(
	users ports.UserRepository,
	hasher ports.PasswordHasher,
	tokens ports.TokenIssuer,
	cfg AuthConfig,
	log zerolog.Logger,
	opts ...Option,
) (*AuthService, error) {
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = defaultMinPasswordLength
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("new auth service: %w", err)
	}
	dummy, err := hasher.Hash(hex.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("new auth service: dummy hash: %w", err)
	}

	s := &AuthService{
		users:     users,
		hasher:    hasher,
		tokens:    tokens,
		guard:     NewGuard(tokens, users),
		cfg:       cfg,
		validate:  validator.New(),
		log:       log,
		now:       time.Now,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates a non-session account. The email check runs before the
// password policy so that a taken email is reported as a conflict whatever
// password accompanies it.
func (s *AuthService) Register(ctx context.Context, in ports.RegisterInput) (*domain.Identity, error) {
	email := domain.CanonicalEmail(in.Email)
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		s.count("register", "rejected")
		return nil, domain.ErrInvalidEmail
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		s.count("register", "rejected")
		return nil, domain.ErrEmailTaken
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		s.count("register", "error")
		return nil, fmt.Errorf("register: %w", err)
	}

	if err := s.checkPasswordPolicy(in.Password); err != nil {
		s.count("register", "rejected")
		return nil, err
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		s.count("register", "error")
		return nil, fmt.Errorf("register: %w", err)
	}

	now := s.now().UTC()
	created, err := s.users.Create(ctx, &domain.User{
		Email:        email,
		PasswordHash: hash,
		IsAdmin:      in.Admin,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			s.count("register", "rejected")
			return nil, domain.ErrEmailTaken
		}
		s.count("register", "error")
		return nil, fmt.Errorf("register: %w", err)
	}

	s.count("register", "success")
	s.record(domain.EventRegistered, created.ID, "")
	s.log.Info().Str("user_id", created.ID).Bool("admin", created.IsAdmin).Msg("user registered")

	identity := created.Identity()
	return &identity, nil
}

// Login verifies the password and starts a new session, replacing any
// previous refresh token. Unknown email and wrong password fail identically.
func (s *AuthService) Login(ctx context.Context, email, password string) (*ports.TokenPair, error) {
	email = domain.CanonicalEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		s.count("login", "error")
		return nil, fmt.Errorf("login: %w", err)
	}

	// Oversized input never reaches the stored digest but still pays for one
	// verification against the dummy hash.
	oversized := len(password) > security.MaxPasswordBytes
	candidate, digest := password, s.dummyHash
	if oversized {
		candidate = ""
	} else if user != nil {
		digest = user.PasswordHash
	}
	valid := s.hasher.Verify(candidate, digest) && !oversized

	if user == nil || !valid {
		s.count("login", "rejected")
		userID := ""
		if user != nil {
			userID = user.ID
		}
		s.record(domain.EventLoginFailed, userID, email)
		return nil, domain.ErrInvalidCredentials
	}

	s.upgradePasswordHash(ctx, user, password)

	pair, refreshHash, refreshExp, err := s.issuePair(user.ID)
	if err != nil {
		s.count("login", "error")
		return nil, fmt.Errorf("login: %w", err)
	}

	if err := s.users.SetRefreshToken(ctx, user.ID, refreshHash, refreshExp); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.count("login", "rejected")
			return nil, domain.ErrInvalidCredentials
		}
		s.count("login", "error")
		return nil, fmt.Errorf("login: store session: %w", err)
	}

	s.count("login", "success")
	s.record(domain.EventLoginSucceeded, user.ID, email)
	s.log.Info().Str("user_id", user.ID).Msg("login succeeded")
	return pair, nil
}

// Refresh exchanges a live refresh token for a new access token and rotates
// the refresh token. The exchange is a compare-and-swap on the stored hash, so
// of two concurrent refreshes (or a refresh racing a logout) at most one wins.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*ports.TokenPair, error) {
	if refreshToken == "" {
		s.count("refresh", "rejected")
		return nil, domain.ErrInvalidRefreshToken
	}
	currentHash := security.HashRefreshToken(refreshToken)

	user, err := s.users.FindByRefreshToken(ctx, currentHash)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.count("refresh", "rejected")
			if err := s.handleRetiredToken(ctx, currentHash); err != nil {
				return nil, fmt.Errorf("refresh: %w", err)
			}
			return nil, domain.ErrInvalidRefreshToken
		}
		s.count("refresh", "error")
		return nil, fmt.Errorf("refresh: %w", err)
	}

	if user.RefreshExpiredAt(s.now()) {
		s.count("refresh", "rejected")
		err := s.users.RotateRefreshToken(ctx, user.ID, currentHash, "", time.Time{})
		if err != nil && !errors.Is(err, domain.ErrSessionConflict) {
			return nil, fmt.Errorf("refresh: clear expired session: %w", err)
		}
		return nil, domain.ErrInvalidRefreshToken
	}

	pair, nextHash, nextExp, err := s.issuePair(user.ID)
	if err != nil {
		s.count("refresh", "error")
		return nil, fmt.Errorf("refresh: %w", err)
	}

	if err := s.users.RotateRefreshToken(ctx, user.ID, currentHash, nextHash, nextExp); err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			s.count("refresh", "rejected")
			return nil, domain.ErrInvalidRefreshToken
		}
		s.count("refresh", "error")
		return nil, fmt.Errorf("refresh: rotate: %w", err)
	}

	if s.ledger != nil {
		if err := s.ledger.Retire(ctx, currentHash, user.ID, s.cfg.RefreshTTL); err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to retire rotated refresh token")
		}
	}

	s.count("refresh", "success")
	s.record(domain.EventRefreshed, user.ID, "")
	return pair, nil
}

// CurrentIdentity returns the caller's identity.
func (s *AuthService) CurrentIdentity(ctx context.Context, accessToken string) (*domain.Identity, error) {
	user, err := s.guard.CurrentUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	identity := user.Identity()
	return &identity, nil
}

// ListIdentities returns every account. Admin only.
func (s *AuthService) ListIdentities(ctx context.Context, accessToken string) ([]domain.Identity, error) {
	caller, err := s.guard.CurrentUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireAdmin(caller); err != nil {
		s.log.Warn().Str("user_id", caller.ID).Msg("non-admin attempted to list users")
		return nil, err
	}

	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	out := make([]domain.Identity, 0, len(users))
	for _, u := range users {
		out = append(out, u.Identity())
	}
	return out, nil
}

// Logout ends the caller's session. The access token itself stays valid
// until it expires.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	user, err := s.guard.CurrentUser(ctx, accessToken)
	if err != nil {
		s.count("logout", "rejected")
		return err
	}

	if err := s.users.ClearRefreshToken(ctx, user.ID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.count("logout", "rejected")
			return domain.ErrUnauthorized
		}
		s.count("logout", "error")
		return fmt.Errorf("logout: %w", err)
	}

	s.count("logout", "success")
	s.record(domain.EventLoggedOut, user.ID, "")
	s.log.Info().Str("user_id", user.ID).Msg("logged out")
	return nil
}

// handleRetiredToken ends the owner's session when a token that was already
// rotated out is presented again: either the owner or a thief holds a stale
// copy, and the live token may be in the wrong hands too.
func (s *AuthService) handleRetiredToken(ctx context.Context, tokenHash string) error {
	if s.ledger == nil {
		return nil
	}

	owner, err := s.ledger.Owner(ctx, tokenHash)
	if err != nil {
		s.log.Warn().Err(err).Msg("retired token lookup failed")
		return nil
	}
	if owner == "" {
		return nil
	}

	metrics.RefreshReuseTotal.Inc()
	s.log.Warn().Str("user_id", owner).Msg("retired refresh token presented, ending session")

	if err := s.users.ClearRefreshToken(ctx, owner); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return fmt.Errorf("end reused session: %w", err)
	}
	s.record(domain.EventRefreshReuse, owner, "")
	return nil
}

func (s *AuthService) checkPasswordPolicy(password string) error {
	if !utf8.ValidString(password) {
		return domain.ErrPasswordEncoding
	}
	if n := utf8.RuneCountInString(password); n < s.cfg.MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", domain.ErrWeakPassword, s.cfg.MinPasswordLength)
	}
	if len(password) > security.MaxPasswordBytes {
		return fmt.Errorf("%w: must be at most %d bytes", domain.ErrWeakPassword, security.MaxPasswordBytes)
	}
	return nil
}

func (s *AuthService) hashPassword(password string) (string, error) {
	start := time.Now()
	hash, err := s.hasher.Hash(password)
	metrics.PasswordHashDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, security.ErrPasswordEncoding):
		return "", domain.ErrPasswordEncoding
	case errors.Is(err, security.ErrPasswordTooLong):
		return "", fmt.Errorf("%w: must be at most %d bytes", domain.ErrWeakPassword, security.MaxPasswordBytes)
	}
	return hash, err
}

// upgradePasswordHash re-hashes a verified password stored under an older
// scheme. Failure leaves the old digest in place, which still verifies.
func (s *AuthService) upgradePasswordHash(ctx context.Context, user *domain.User, password string) {
	if !s.hasher.NeedsUpgrade(user.PasswordHash) {
		return
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("password hash upgrade failed")
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to store upgraded password hash")
		return
	}
	s.log.Info().Str("user_id", user.ID).Msg("password hash upgraded")
}

func (s *AuthService) issuePair(userID string) (*ports.TokenPair, string, time.Time, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken()
	if err != nil {
		return nil, "", time.Time{}, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()

	pair := &ports.TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenType:       tokenTypeBearer,
		AccessExpiresAt: accessExp,
	}
	return pair, security.HashRefreshToken(refresh), s.now().Add(s.cfg.RefreshTTL), nil
}

func (s *AuthService) count(operation, outcome string) {
	metrics.AuthOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (s *AuthService) record(t domain.AuthEventType, userID, email string) {
	if s.events == nil {
		return
	}
	s.events.Record(domain.AuthEvent{
		Type:       t,
		UserID:     userID,
		Email:      email,
		OccurredAt: s.now().UTC(),
	})
}
