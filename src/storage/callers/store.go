// Package callers persists API consumer identities: registration, credential
// lookup and the last-seen touch. Callers are never deleted; deactivation
// flips the active flag.
package callers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"apitracker/src/clients/postgresql"
	"apitracker/src/platform/apperr"
	"apitracker/src/util/retry"
)

type Caller struct {
	PublicID        string
	Name            string
	Email           string
	Active          bool
	RateLimit       int
	APIKeyHash      string
	APIKeyEncrypted string
	APIKeyDigest    string
	CreatedAt       time.Time
	LastSeenAt      *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS callers (
	id                BIGSERIAL PRIMARY KEY,
	public_id         TEXT        NOT NULL UNIQUE,
	name              TEXT        NOT NULL,
	email             TEXT        NOT NULL UNIQUE,
	active            BOOLEAN     NOT NULL DEFAULT TRUE,
	rate_limit        INT         NOT NULL,
	api_key_hash      TEXT        NOT NULL,
	api_key_encrypted TEXT        NOT NULL,
	api_key_digest    TEXT        NOT NULL UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at      TIMESTAMPTZ
);
`

const callerColumns = "public_id, name, email, active, rate_limit, api_key_hash, api_key_encrypted, api_key_digest, created_at, last_seen_at"

const pgUniqueViolation = "23505"

type Store struct {
	db     *postgresql.Client
	policy retry.Policy
	logger zerolog.Logger
}

func NewStore(db *postgresql.Client, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		policy: retry.DefaultPolicy(logger),
		logger: logger,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return retry.DoVoid(ctx, s.policy, "callers.EnsureSchema", func() error {
		_, err := s.db.Driver.Exec(ctx, schema)
		return err
	})
}

// Create inserts the caller; duplicate email or public id maps to a Conflict.
func (s *Store) Create(ctx context.Context, caller *Caller) error {
	const query = `
		INSERT INTO callers (public_id, name, email, rate_limit, api_key_hash, api_key_encrypted, api_key_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	return retry.DoVoid(ctx, s.policy, "callers.Create", func() error {
		err := s.db.Driver.QueryRow(ctx, query,
			caller.PublicID, caller.Name, caller.Email, caller.RateLimit,
			caller.APIKeyHash, caller.APIKeyEncrypted, caller.APIKeyDigest,
		).Scan(&caller.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return apperr.Newf(apperr.KindConflict, "caller with email '%s' already exists", caller.Email)
			}
			return fmt.Errorf("failed to create caller: %w", err)
		}
		caller.Active = true
		return nil
	})
}

func (s *Store) GetByPublicID(ctx context.Context, publicID string) (*Caller, error) {
	return s.getOne(ctx, "callers.GetByPublicID", "public_id", publicID)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*Caller, error) {
	return s.getOne(ctx, "callers.GetByEmail", "email", email)
}

// GetByAPIKeyDigest resolves a presented API key to its caller via the
// deterministic digest column; the bcrypt comparison happens in the caller.
func (s *Store) GetByAPIKeyDigest(ctx context.Context, digest string) (*Caller, error) {
	return s.getOne(ctx, "callers.GetByAPIKeyDigest", "api_key_digest", digest)
}

func (s *Store) getOne(ctx context.Context, op, column, value string) (*Caller, error) {
	query := fmt.Sprintf("SELECT %s FROM callers WHERE %s = $1", callerColumns, column)

	return retry.Do(ctx, s.policy, op, func() (*Caller, error) {
		var caller Caller
		err := s.db.ReadDriver.QueryRow(ctx, query, value).Scan(
			&caller.PublicID, &caller.Name, &caller.Email, &caller.Active,
			&caller.RateLimit, &caller.APIKeyHash, &caller.APIKeyEncrypted,
			&caller.APIKeyDigest, &caller.CreatedAt, &caller.LastSeenAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperr.New(apperr.KindNotFound, "caller not found")
			}
			return nil, fmt.Errorf("caller lookup by %s failed: %w", column, err)
		}
		return &caller, nil
	})
}

// ListActiveIDs returns the public ids of every active caller; the analytics
// daily-usage path fans out over this set.
func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT public_id FROM callers WHERE active ORDER BY public_id`

	return retry.Do(ctx, s.policy, "callers.ListActiveIDs", func() ([]string, error) {
		rows, err := s.db.ReadDriver.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("active callers query failed: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("active callers scan failed: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
}

// TouchLastSeen is fire-and-forget from the auth middleware; it deliberately
// skips the retry harness.
func (s *Store) TouchLastSeen(ctx context.Context, publicID string) error {
	const query = `UPDATE callers SET last_seen_at = now() WHERE public_id = $1`

	if _, err := s.db.Driver.Exec(ctx, query, publicID); err != nil {
		return fmt.Errorf("failed to touch last seen for caller '%s': %w", publicID, err)
	}
	return nil
}
