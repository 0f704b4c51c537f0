package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubRefresh struct {
	calls int
	n     int64
	err   error
}

func (s *stubRefresh) PurgeExpired(ctx context.Context) (int64, error) {
	s.calls++
	return s.n, s.err
}

type stubDevices struct {
	olderThan time.Duration
	calls     int
}

func (s *stubDevices) PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.calls++
	s.olderThan = olderThan
	return 2, nil
}

type stubPolicy struct {
	calls   int
	started chan struct{}
	release chan struct{}
}

func (s *stubPolicy) ResyncIfStale(ctx context.Context) error {
	s.calls++
	if s.started != nil {
		close(s.started)
		<-s.release
	}
	return nil
}

func TestNewRegistersConfiguredJobs(t *testing.T) {
	s, err := New(Config{
		CleanupSchedule: "@hourly",
		ResyncSchedule:  "@every 1m",
		Refresh:         &stubRefresh{},
		Policy:          &stubPolicy{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Entries() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Entries())
	}

	s, err = New(Config{ResyncSchedule: "@every 1m", Policy: &stubPolicy{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Entries() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Entries())
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{CleanupSchedule: "every tuesday", Refresh: &stubRefresh{}}); err == nil {
		t.Fatal("expected schedule parse error")
	}
	if _, err := New(Config{Policy: &stubPolicy{}}); err == nil {
		t.Fatal("expected missing schedule error")
	}
}

func TestRunCleanupCallsBothPurgers(t *testing.T) {
	refresh := &stubRefresh{n: 3, err: errors.New("db down")}
	devices := &stubDevices{}
	s, err := New(Config{CleanupSchedule: "@hourly", DeviceRetention: 48 * time.Hour, Refresh: refresh, Devices: devices})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.RunCleanup(context.Background())
	if refresh.calls != 1 || devices.calls != 1 {
		t.Fatalf("expected one call each, got refresh=%d devices=%d", refresh.calls, devices.calls)
	}
	if devices.olderThan != 48*time.Hour {
		t.Fatalf("expected retention to pass through, got %v", devices.olderThan)
	}
}

func TestRunSkipsOverlappingInvocation(t *testing.T) {
	policy := &stubPolicy{started: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Config{ResyncSchedule: "@every 1m", Policy: policy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.RunResync(context.Background())
		close(done)
	}()
	<-policy.started
	s.RunResync(context.Background())
	close(policy.release)
	<-done
	if policy.calls != 1 {
		t.Fatalf("expected overlapping run to be skipped, got %d calls", policy.calls)
	}
}
