package memory

import (
	"context"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
)

func (s *Store) InsertRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRefreshLocked(tok)
}

func (s *Store) insertRefreshLocked(tok *auth.RefreshToken) error {
	if _, ok := s.refresh[tok.ID]; ok {
		return fmt.Errorf("%w: refresh token id", auth.ErrConflict)
	}
	if _, ok := s.refreshHash[tok.TokenHash]; ok {
		return fmt.Errorf("%w: refresh token hash", auth.ErrConflict)
	}
	cp := *tok
	s.refresh[tok.ID] = &cp
	s.refreshHash[tok.TokenHash] = tok.ID
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refreshHash[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s.refresh[id]
	return &cp, nil
}

// RotateRefreshToken is a compare-and-swap on the used flag under the write lock.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, successor *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldID]
	if !ok {
		return auth.ErrNotFound
	}
	if old.Used || old.RevokedAt != nil {
		return auth.ErrReuseDetected
	}
	if err := s.insertRefreshLocked(successor); err != nil {
		return err
	}
	old.Used = true
	return nil
}

func (s *Store) RevokeRefreshTokensForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return s.revokeWhere(at, func(t *auth.RefreshToken) bool { return t.UserID == userID }), nil
}

func (s *Store) RevokeRefreshTokensForDevice(ctx context.Context, userID, deviceID string, at time.Time) (int64, error) {
	return s.revokeWhere(at, func(t *auth.RefreshToken) bool {
		return t.UserID == userID && t.DeviceID == deviceID
	}), nil
}

func (s *Store) revokeWhere(at time.Time, match func(*auth.RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.refresh {
		if tok.RevokedAt == nil && match(tok) {
			ts := at
			tok.RevokedAt = &ts
			n++
		}
	}
	return n
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.refresh {
		if tok.ExpiresAt.Before(before) {
			delete(s.refreshHash, tok.TokenHash)
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}
