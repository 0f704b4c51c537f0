package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantgate.org/internal/auth"
)

func (s *Store) InsertRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, insertRefreshSQL, refreshArgs(tok)...)
	return mapWriteError(err, "refresh token")
}

const insertRefreshSQL = `
	insert into refresh_tokens (id, token_hash, user_id, tenant_id, device_id, created_at, expires_at, rotated_from)
	values ($1, $2, $3, $4, $5, $6, $7, $8)`

func refreshArgs(tok *auth.RefreshToken) []any {
	return []any{
		tok.ID, tok.TokenHash, tok.UserID, nullIfEmpty(tok.TenantID), tok.DeviceID,
		tok.CreatedAt.UTC(), tok.ExpiresAt.UTC(), nullIfEmpty(tok.RotatedFrom),
	}
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		tok         auth.RefreshToken
		tenant, rot sql.NullString
		revoked     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, token_hash, user_id, tenant_id, device_id, created_at, expires_at, rotated_from, used, revoked_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.TokenHash, &tok.UserID, &tenant, &tok.DeviceID,
		&tok.CreatedAt, &tok.ExpiresAt, &rot, &tok.Used, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.TenantID = tenant.String
	tok.RotatedFrom = rot.String
	if revoked.Valid {
		at := revoked.Time
		tok.RevokedAt = &at
	}
	return &tok, nil
}

// RotateRefreshToken flips used with a conditional update. A concurrent
// rotation of the same record affects zero rows and loses.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, successor *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set used = true
		where id = $1 and used = false and revoked_at is null
	`, oldID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrReuseDetected
	}
	if _, err := tx.ExecContext(ctx, insertRefreshSQL, refreshArgs(successor)...); err != nil {
		return mapWriteError(err, "refresh token")
	}
	return tx.Commit()
}

func (s *Store) RevokeRefreshTokensForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RevokeRefreshTokensForDevice(ctx context.Context, userID, deviceID string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $3
		where user_id = $1 and device_id = $2 and revoked_at is null
	`, userID, deviceID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
