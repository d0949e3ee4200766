// Package lease provides short-lived exclusive leases used to keep two
// reconciliation runs from overlapping.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrLost is returned by Renew once the lease has expired or been taken over
// by another holder.
var ErrLost = errors.New("lease: lost")

// Locker hands out exclusive, TTL-bounded leases by key.
type Locker interface {
	// TryAcquire attempts to take the lease without blocking. It returns
	// acquired=false when another holder owns an unexpired lease.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (l *Lease, acquired bool, err error)
}

// Lease is a held lease. Long-running holders call Renew periodically to keep
// it from expiring under them.
type Lease struct {
	key   string
	once  sync.Once
	free  func()
	renew func(ctx context.Context) error
}

// Key returns the key the lease was acquired under.
func (l *Lease) Key() string { return l.key }

// Release gives the lease up. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.free)
}

// Renew extends the lease by its original TTL from now. It returns ErrLost
// when the lease is no longer held.
func (l *Lease) Renew(ctx context.Context) error {
	return l.renew(ctx)
}

// Memory is a process-local Locker for single-instance deployments and tests.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

var _ Locker = (*Memory)(nil)

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// WithClock replaces the locker's time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// TryAcquire implements Locker. A held lease whose TTL has elapsed is taken
// over.
func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && now.Before(held.expires) {
		return nil, false, nil
	}

	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	m.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}

	return &Lease{
		key: key,
		free: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if held, ok := m.leases[key]; ok && held.token == token {
				delete(m.leases, key)
			}
		},
		renew: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			now := m.now()
			held, ok := m.leases[key]
			if !ok || held.token != token || !now.Before(held.expires) {
				return ErrLost
			}
			held.expires = now.Add(ttl)
			m.leases[key] = held
			return nil
		},
	}, true, nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
