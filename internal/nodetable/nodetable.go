// Package nodetable holds the per-address session record for every live
// TURN allocation: credentials, the channels and ports it owns, and its
// lifetime clock. It also maintains the username -> addresses index used
// to answer "every address alice currently holds".
package nodetable

import (
	"sort"
	"sync"
	"time"

	"github.com/kuuji/turnd/internal/turnaddr"
)

// Node is the server-side session object for one client socket address.
type Node struct {
	Mark     uint8
	Addr     turnaddr.Addr
	Username string
	Secret   [16]byte
	Password string
	Channels []uint16
	Ports    []int
	Timer    time.Time
	Lifetime time.Duration
}

// Alive reports whether the node has not yet expired as of now.
func (n *Node) Alive(now time.Time) bool {
	if n.Lifetime <= 0 {
		return false
	}
	return now.Sub(n.Timer) < n.Lifetime
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Channels = append([]uint16(nil), n.Channels...)
	c.Ports = append([]int(nil), n.Ports...)
	return &c
}

// Table is the node table plus its coherent username->addrs index. Both
// are guarded by the same lock so insert/remove never observe a torn view.
type Table struct {
	mu    sync.RWMutex
	nodes map[turnaddr.Addr]*Node
	addrs map[string]map[turnaddr.Addr]struct{} // username -> addr set

	now func() time.Time
}

func New() *Table {
	return NewWithClock(time.Now)
}

// NewWithClock builds a Table using now as its time source, for
// deterministic lifetime/death tests.
func NewWithClock(now func() time.Time) *Table {
	return &Table{
		nodes: make(map[turnaddr.Addr]*Node),
		addrs: make(map[string]map[turnaddr.Addr]struct{}),
		now:   now,
	}
}

// Insert creates or replaces the node at addr. An Allocate retry at an
// address that already holds a live node overwrites it, per spec: the
// prior username index entry is removed first so the invariant that
// addrs[u] == {a | node(a).username == u} never observes a stale member.
func (t *Table) Insert(mark uint8, addr turnaddr.Addr, username string, secret [16]byte, password string, lifetime time.Duration) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.nodes[addr]; ok {
		t.unindexLocked(existing.Username, addr)
	}

	n := &Node{
		Mark:     mark,
		Addr:     addr,
		Username: username,
		Secret:   secret,
		Password: password,
		Timer:    t.now(),
		Lifetime: lifetime,
	}
	t.nodes[addr] = n
	t.indexLocked(username, addr)
	return cloneNode(n)
}

func (t *Table) indexLocked(username string, addr turnaddr.Addr) {
	set := t.addrs[username]
	if set == nil {
		set = make(map[turnaddr.Addr]struct{})
		t.addrs[username] = set
	}
	set[addr] = struct{}{}
}

func (t *Table) unindexLocked(username string, addr turnaddr.Addr) {
	set := t.addrs[username]
	if set == nil {
		return
	}
	delete(set, addr)
	if len(set) == 0 {
		delete(t.addrs, username)
	}
}

// Get returns a copy of the node at addr, if any.
func (t *Table) Get(addr turnaddr.Addr) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr]
	if !ok {
		return nil, false
	}
	return cloneNode(n), true
}

// GetSecret returns the long-term HMAC key for addr, if a node exists there.
func (t *Table) GetSecret(addr turnaddr.Addr) ([16]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr]
	if !ok {
		return [16]byte{}, false
	}
	return n.Secret, true
}

// PushPort idempotently records that addr's node owns port.
func (t *Table) PushPort(addr turnaddr.Addr, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[addr]
	if !ok {
		return
	}
	for _, p := range n.Ports {
		if p == port {
			return
		}
	}
	n.Ports = append(n.Ports, port)
}

// PushChannel idempotently records that addr's node owns channel.
func (t *Table) PushChannel(addr turnaddr.Addr, channel uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[addr]
	if !ok {
		return
	}
	for _, c := range n.Channels {
		if c == channel {
			return
		}
	}
	n.Channels = append(n.Channels, channel)
}

// SetLifetime resets addr's timer to now and sets its lifetime. A
// lifetime of zero marks the node dead at the next observation.
func (t *Table) SetLifetime(addr turnaddr.Addr, lifetime time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[addr]
	if !ok {
		return false
	}
	n.Timer = t.now()
	n.Lifetime = lifetime
	return true
}

// Remove deletes the node at addr and prunes the username index.
func (t *Table) Remove(addr turnaddr.Addr) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[addr]
	if !ok {
		return nil, false
	}
	delete(t.nodes, addr)
	t.unindexLocked(n.Username, addr)
	return cloneNode(n), true
}

// Count reports the number of nodes in the table, including expired ones
// the reaper has not yet removed.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// AddrsOf returns every address currently registered under username.
func (t *Table) AddrsOf(username string) []turnaddr.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.addrs[username]
	out := make([]turnaddr.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// Deaths returns every address whose node is no longer alive as of now.
func (t *Table) Deaths() []turnaddr.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	var out []turnaddr.Addr
	for a, n := range t.nodes {
		if !n.Alive(now) {
			out = append(out, a)
		}
	}
	return out
}

// UserAddrs pairs a username with its live address set, used by Users.
type UserAddrs struct {
	Username string
	Addrs    []turnaddr.Addr
}

// Users returns a page of (username, addrs) pairs in a stable, sorted-by-
// username order, starting after skip entries and bounded by limit.
func (t *Table) Users(skip, limit int) []UserAddrs {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.addrs))
	for u := range t.addrs {
		names = append(names, u)
	}
	sort.Strings(names)

	if skip >= len(names) {
		return nil
	}
	names = names[skip:]
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}

	out := make([]UserAddrs, 0, len(names))
	for _, u := range names {
		set := t.addrs[u]
		addrs := make([]turnaddr.Addr, 0, len(set))
		for a := range set {
			addrs = append(addrs, a)
		}
		out = append(out, UserAddrs{Username: u, Addrs: addrs})
	}
	return out
}
