package memory

import (
	"context"
	"sort"
	"time"

	"tenantgate.org/internal/auth"
)

// ActivateDevice applies the device cap under the write lock.
func (s *Store) ActivateDevice(ctx context.Context, dev auth.Device, limit int, evictOldest bool) (auth.Device, []auth.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.devices[dev.UserID]
	if !ok {
		byID = make(map[string]auth.Device)
		s.devices[dev.UserID] = byID
	}
	if existing, ok := byID[dev.ID]; ok {
		dev.CreatedAt = existing.CreatedAt
		if existing.Active {
			byID[dev.ID] = dev
			return dev, nil, nil
		}
	}

	var active []auth.Device
	for _, d := range byID {
		if d.Active && d.ID != dev.ID {
			active = append(active, d)
		}
	}
	var evicted []auth.Device
	if limit > 0 && len(active) >= limit {
		if !evictOldest {
			return auth.Device{}, nil, auth.ErrMaxDevicesExceeded
		}
		sort.Slice(active, func(i, j int) bool { return active[i].LastSeenAt.Before(active[j].LastSeenAt) })
		for _, old := range active[:len(active)-limit+1] {
			old.Active = false
			byID[old.ID] = old
			evicted = append(evicted, old)
		}
	}
	byID[dev.ID] = dev
	return dev, evicted, nil
}

func (s *Store) FindDevice(ctx context.Context, userID, deviceID string) (auth.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return auth.Device{}, auth.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]auth.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Device, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

func (s *Store) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return auth.ErrNotFound
	}
	d.Active = false
	s.devices[userID][deviceID] = d
	return nil
}

func (s *Store) DeactivateAllDevices(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices[userID] {
		d.Active = false
		s.devices[userID][id] = d
	}
	return nil
}

func (s *Store) DeleteInactiveDevices(ctx context.Context, seenBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for userID, byID := range s.devices {
		for id, d := range byID {
			if !d.Active && d.LastSeenAt.Before(seenBefore) {
				delete(byID, id)
				s.dropDeviceTokensLocked(userID, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) dropDeviceTokensLocked(userID, deviceID string) {
	for id, tok := range s.refresh {
		if tok.UserID == userID && tok.DeviceID == deviceID {
			delete(s.refreshHash, tok.TokenHash)
			delete(s.refresh, id)
		}
	}
}

// ActiveDeviceCount is a test helper.
func (s *Store) ActiveDeviceCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.devices[userID] {
		if d.Active {
			n++
		}
	}
	return n
}
