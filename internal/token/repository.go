package token

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepository implements Repository over a plain *sql.DB. The unique
// indexes on lookup_key and token_hash are the store-level enforcement of the
// token uniqueness invariant.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, meta *Metadata) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_metadata (
			id, user_id, token_hash, salt, lookup_key,
			session_type, ip_address, user_agent, oauth_provider, api_key_name, extra,
			last_used_at, expires_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		meta.ID, meta.UserID, meta.TokenHash, meta.Salt, meta.LookupKey,
		meta.Attributes.SessionType, meta.Attributes.IPAddress, meta.Attributes.UserAgent,
		meta.Attributes.OAuthProvider, meta.Attributes.APIKeyName, meta.Attributes.Extra,
		meta.LastUsedAt.UTC(), meta.ExpiresAt.UTC(), meta.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return &StorageError{Op: "insert", Err: err}
	}
	return nil
}

func (r *PostgresRepository) FindByLookupKey(ctx context.Context, lookupKey string) ([]Metadata, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, salt, lookup_key,
		       session_type, ip_address, user_agent, oauth_provider, api_key_name, extra,
		       last_used_at, expires_at, created_at
		FROM token_metadata
		WHERE lookup_key = $1
	`, lookupKey)
	if err != nil {
		return nil, &StorageError{Op: "lookup", Err: err}
	}
	defer rows.Close()

	var result []Metadata
	for rows.Next() {
		var meta Metadata
		if err := rows.Scan(
			&meta.ID, &meta.UserID, &meta.TokenHash, &meta.Salt, &meta.LookupKey,
			&meta.Attributes.SessionType, &meta.Attributes.IPAddress, &meta.Attributes.UserAgent,
			&meta.Attributes.OAuthProvider, &meta.Attributes.APIKeyName, &meta.Attributes.Extra,
			&meta.LastUsedAt, &meta.ExpiresAt, &meta.CreatedAt,
		); err != nil {
			return nil, &StorageError{Op: "lookup scan", Err: err}
		}
		result = append(result, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "lookup rows", Err: err}
	}
	return result, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, lastUsedAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE token_metadata
		SET last_used_at = $2, expires_at = $3
		WHERE id = $1
	`, id, lastUsedAt.UTC(), expiresAt.UTC())
	if err != nil {
		return &StorageError{Op: "touch", Err: err}
	}
	return nil
}

func (r *PostgresRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE token_metadata
		SET expires_at = $2
		WHERE id = $1
	`, id, expiresAt.UTC())
	if err != nil {
		return &StorageError{Op: "update expiry", Err: err}
	}
	return nil
}

func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE token_metadata
		SET expires_at = $2
		WHERE user_id = $1 AND expires_at > $2
	`, userID, now.UTC())
	if err != nil {
		return 0, &StorageError{Op: "revoke all", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "revoke all rows affected", Err: err}
	}
	return affected, nil
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM token_metadata
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM token_metadata t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, &StorageError{Op: "sweep", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "sweep rows affected", Err: err}
	}
	return affected, nil
}

func (r *PostgresRepository) CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM token_metadata
		WHERE user_id = $1 AND expires_at > $2
	`, userID, now.UTC()).Scan(&count)
	if err != nil {
		return 0, &StorageError{Op: "count active", Err: err}
	}
	return count, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM token_metadata WHERE id = $1`, id)
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}
