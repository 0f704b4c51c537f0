package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
)

const deviceColumns = `id, user_id, tenant_id, device_type, browser, os, user_agent, ip, active, last_seen_at, created_at`

func scanDevice(row rowScanner) (auth.Device, error) {
	var (
		d      auth.Device
		tenant sql.NullString
	)
	err := row.Scan(&d.ID, &d.UserID, &tenant, &d.Metadata.Type, &d.Metadata.Browser, &d.Metadata.OS,
		&d.Metadata.UserAgent, &d.Metadata.IP, &d.Active, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Device{}, auth.ErrNotFound
	}
	d.TenantID = tenant.String
	return d, err
}

// ActivateDevice holds the users row lock for the whole count-evict-upsert
// sequence, so activations for one user are serialized.
func (s *Store) ActivateDevice(ctx context.Context, dev auth.Device, limit int, evictOldest bool) (auth.Device, []auth.Device, error) {
	if s.db == nil {
		return auth.Device{}, nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Device{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, dev.UserID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Device{}, nil, auth.ErrNotFound
	}
	if err != nil {
		return auth.Device{}, nil, fmt.Errorf("lock user: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		select `+deviceColumns+` from devices
		where user_id = $1 and active
		order by last_seen_at asc
		for update
	`, dev.UserID)
	if err != nil {
		return auth.Device{}, nil, fmt.Errorf("lock devices: %w", err)
	}
	var (
		others        []auth.Device
		alreadyActive bool
	)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return auth.Device{}, nil, err
		}
		if d.ID == dev.ID {
			alreadyActive = true
			continue
		}
		others = append(others, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return auth.Device{}, nil, err
	}

	var evicted []auth.Device
	if !alreadyActive && limit > 0 && len(others) >= limit {
		if !evictOldest {
			return auth.Device{}, nil, auth.ErrMaxDevicesExceeded
		}
		for _, old := range others[:len(others)-limit+1] {
			if _, err := tx.ExecContext(ctx, `update devices set active = false where user_id = $1 and id = $2`, old.UserID, old.ID); err != nil {
				return auth.Device{}, nil, err
			}
			old.Active = false
			evicted = append(evicted, old)
		}
	}

	stored, err := scanDevice(tx.QueryRowContext(ctx, `
		insert into devices (user_id, id, tenant_id, device_type, browser, os, user_agent, ip, active, last_seen_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)
		on conflict (user_id, id) do update set
			tenant_id = excluded.tenant_id,
			device_type = excluded.device_type,
			browser = excluded.browser,
			os = excluded.os,
			user_agent = excluded.user_agent,
			ip = excluded.ip,
			active = true,
			last_seen_at = excluded.last_seen_at
		returning `+deviceColumns,
		dev.UserID, dev.ID, nullIfEmpty(dev.TenantID), dev.Metadata.Type, dev.Metadata.Browser, dev.Metadata.OS,
		dev.Metadata.UserAgent, dev.Metadata.IP, dev.LastSeenAt.UTC()))
	if err != nil {
		return auth.Device{}, nil, mapWriteError(err, "device")
	}
	if err := tx.Commit(); err != nil {
		return auth.Device{}, nil, err
	}
	return stored, evicted, nil
}

func (s *Store) FindDevice(ctx context.Context, userID, deviceID string) (auth.Device, error) {
	if s.db == nil {
		return auth.Device{}, errNoDB
	}
	return scanDevice(s.db.QueryRowContext(ctx, `
		select `+deviceColumns+` from devices
		where user_id = $1 and id = $2
	`, userID, deviceID))
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]auth.Device, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+deviceColumns+` from devices
		where user_id = $1
		order by active desc, last_seen_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update devices set active = false where user_id = $1 and id = $2`, userID, deviceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeactivateAllDevices(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `update devices set active = false where user_id = $1 and active`, userID)
	return err
}

func (s *Store) DeleteInactiveDevices(ctx context.Context, seenBefore time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from devices where not active and last_seen_at < $1`, seenBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
