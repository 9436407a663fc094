// Package permission tracks, per allocation owner, the set of peer IPs
// currently permitted to exchange data through that allocation.
package permission

import (
	"net/netip"
	"sync"
	"time"

	"github.com/kuuji/turnd/internal/turnaddr"
)

// DefaultLifetime is the permission validity window per RFC 8656 §9.
const DefaultLifetime = 300 * time.Second

type ownerPeer struct {
	owner turnaddr.Addr
	peer  netip.Addr
}

// Table is the permission set, guarded by its own lock per the router's
// per-sub-table locking discipline.
type Table struct {
	mu       sync.RWMutex
	expiry   map[ownerPeer]time.Time
	lifetime time.Duration
	now      func() time.Time
}

func New(lifetime time.Duration) *Table {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Table{
		expiry:   make(map[ownerPeer]time.Time),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// NewWithClock builds a Table using now as its time source, for
// deterministic expiry tests.
func NewWithClock(lifetime time.Duration, now func() time.Time) *Table {
	t := New(lifetime)
	t.now = now
	return t
}

// Grant creates or refreshes a permission for owner to reach peerIP.
func (t *Table) Grant(owner turnaddr.Addr, peerIP netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ownerPeer{owner: owner, peer: peerIP}
	t.expiry[key] = t.now().Add(t.lifetime)
}

// Check reports whether owner currently holds a live permission for peerIP.
func (t *Table) Check(owner turnaddr.Addr, peerIP netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exp, ok := t.expiry[ownerPeer{owner: owner, peer: peerIP}]
	if !ok {
		return false
	}
	return t.now().Before(exp)
}

// Sweep drops every permission that has expired as of now.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, exp := range t.expiry {
		if !now.Before(exp) {
			delete(t.expiry, key)
		}
	}
}

// Count reports the number of live (unexpired) permission entries.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	n := 0
	for _, exp := range t.expiry {
		if now.Before(exp) {
			n++
		}
	}
	return n
}

// ReleaseAll drops every permission held by owner, regardless of expiry.
func (t *Table) ReleaseAll(owner turnaddr.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.expiry {
		if key.owner == owner {
			delete(t.expiry, key)
		}
	}
}
