package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/99minutos/identity-service/internal/core/ports"
	"github.com/99minutos/identity-service/internal/core/security"
	"github.com/99minutos/identity-service/internal/core/service"
	mongostore "github.com/99minutos/identity-service/internal/infrastructure/db/mongo"
	pgstore "github.com/99minutos/identity-service/internal/infrastructure/db/postgres"
	redisstore "github.com/99minutos/identity-service/internal/infrastructure/db/redis"
	"github.com/99minutos/identity-service/internal/pkg/config"
	"github.com/99minutos/identity-service/pkg/logger"
)

// app holds the wired collaborators shared by every subcommand.
type app struct {
	users  ports.UserRepository
	audit  ports.AuditRepository
	ledger *redisstore.RetiredTokenLedger
	hasher *security.Argon2idHasher
	tokens *security.JWTIssuer

	closers []func(context.Context) error
}

// newApp opens the configured store and, when enabled, Redis. A Redis outage
// at startup disables reuse detection instead of failing the process.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	tokens, err := security.NewJWTIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	a := &app{hasher: security.NewArgon2idHasher(), tokens: tokens}

	if err := a.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, refresh reuse detection disabled")
		} else {
			a.ledger = redisstore.NewRetiredTokenLedger(rdb)
			a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
			log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		if err := migratePostgres(cfg.Postgres.DSN, log); err != nil {
			return errors.Join(err, a.close(ctx))
		}
		a.users = pgstore.NewUserRepository(pool)
		a.audit = pgstore.NewAuditRepository(pool)
		log.Info().Msg("postgres connected")

	case config.DriverMongo:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			return errors.Join(err, a.close(ctx))
		}
		a.users = mongostore.NewUserRepository(db)
		a.audit = mongostore.NewAuditRepository(db)
		log.Info().Str("database", cfg.Mongo.Database).Msg("mongodb connected")

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// migratePostgres brings the schema up to date through a short-lived
// connection of its own.
func migratePostgres(dsn string, log zerolog.Logger) error {
	m, err := pgstore.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("closing migrator")
		}
	}()

	if err := m.Up(); err != nil {
		return err
	}
	if version, _, err := m.Version(); err == nil {
		log.Info().Uint("schema_version", version).Msg("postgres schema migrated")
	}
	return nil
}

// authService builds the session flow on top of the opened stores.
func (a *app) authService(cfg *config.Config, log zerolog.Logger, opts ...service.Option) (*service.AuthService, error) {
	if a.ledger != nil {
		opts = append(opts, service.WithRetiredTokenLedger(a.ledger))
	}
	return service.NewAuthService(a.users, a.hasher, a.tokens, service.AuthConfig{
		MinPasswordLength: cfg.Auth.PasswordMinLength,
		RefreshTTL:        cfg.Auth.RefreshTokenTTL,
	}, logger.Component(log, "auth"), opts...)
}

// close releases connections in reverse order of opening.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
