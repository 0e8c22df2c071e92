package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/99minutos/identity-service/internal/core/domain"
)

const userColumns = `id::text, email, password_hash, COALESCE(refresh_token_hash, ''), refresh_expires_at, is_admin, created_at, updated_at`

// UserRepository implements ports.UserRepository on the users table.
type UserRepository struct {
	pool pool
	now  func() time.Time
}

func NewUserRepository(p pool) *UserRepository {
	return &UserRepository{pool: p, now: time.Now}
}

// Create inserts a new user with a fresh UUID. The users_email_key constraint
// turns a registration race into domain.ErrEmailTaken for the loser.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	created := *user
	created.ID = uuid.NewString()
	created.CreatedAt = user.CreatedAt.UTC()
	created.UpdatedAt = user.UpdatedAt.UTC()
	created.RefreshTokenHash = ""
	created.RefreshExpiresAt = time.Time{}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		created.ID, created.Email, created.PasswordHash, created.IsAdmin, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, domain.ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &created, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindByID treats a malformed id like an unknown one.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrUserNotFound
	}
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, parsed.String())
}

func (r *UserRepository) FindByRefreshToken(ctx context.Context, tokenHash string) (*domain.User, error) {
	if tokenHash == "" {
		return nil, domain.ErrUserNotFound
	}
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE refresh_token_hash = $1`, tokenHash)
}

// List returns all users, oldest first.
func (r *UserRepository) List(ctx context.Context) ([]*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *UserRepository) SetRefreshToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.ErrUserNotFound
	}

	tag, err := r.exec(ctx,
		`UPDATE users SET refresh_token_hash = NULLIF($2, ''), refresh_expires_at = $3, updated_at = $4
		 WHERE id = $1`,
		parsed.String(), tokenHash, nullableTime(tokenHash, expiresAt), r.now().UTC())
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// RotateRefreshToken is a compare-and-swap on refresh_token_hash. An empty
// nextHash ends the session instead of replacing it.
func (r *UserRepository) RotateRefreshToken(ctx context.Context, id, currentHash, nextHash string, expiresAt time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil || currentHash == "" {
		return domain.ErrSessionConflict
	}

	tag, err := r.exec(ctx,
		`UPDATE users SET refresh_token_hash = NULLIF($3, ''), refresh_expires_at = $4, updated_at = $5
		 WHERE id = $1 AND refresh_token_hash = $2`,
		parsed.String(), currentHash, nextHash, nullableTime(nextHash, expiresAt), r.now().UTC())
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionConflict
	}
	return nil
}

func (r *UserRepository) ClearRefreshToken(ctx context.Context, id string) error {
	return r.SetRefreshToken(ctx, id, "", time.Time{})
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.ErrUserNotFound
	}

	tag, err := r.exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		parsed.String(), passwordHash, r.now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *UserRepository) findOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	u, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return r.pool.Exec(ctx, sql, args...)
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u         domain.User
		expiresAt *time.Time
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.RefreshTokenHash, &expiresAt, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		u.RefreshExpiresAt = expiresAt.UTC()
	}
	return &u, nil
}

// nullableTime writes NULL alongside a cleared session.
func nullableTime(tokenHash string, t time.Time) any {
	if tokenHash == "" || t.IsZero() {
		return nil
	}
	return t.UTC()
}
