// Package portpool allocates relayed-transport ports from a bounded range
// and maintains the reverse index the router needs to steer inbound
// relayed traffic back to its owning allocation.
package portpool

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/kuuji/turnd/internal/turnaddr"
)

var (
	// ErrNoCapacity is returned by Allocate when the free range is exhausted.
	ErrNoCapacity = errors.New("portpool: no free ports")
	// ErrNotOwned is returned by Bind when the port is not held by owner.
	ErrNotOwned = errors.New("portpool: port not owned by this address")
)

type ownerPeer struct {
	owner turnaddr.Addr
	peer  turnaddr.Addr
}

// Pool tracks port ownership over [lo, hi] plus the owner/peer bindings
// created by successful relays. One Pool per server instance.
type Pool struct {
	mu  sync.Mutex
	lo  int
	hi  int
	free minHeap

	ownerOf  map[int]turnaddr.Addr            // port -> owning client addr
	peerOf   map[int]turnaddr.Addr            // port -> bound peer addr, if any
	byOwner  map[turnaddr.Addr]map[int]struct{} // owner -> ports it holds
	byPeer   map[ownerPeer]int                  // (owner, peer) -> port
}

// New builds a pool over the inclusive range [lo, hi].
func New(lo, hi int) *Pool {
	p := &Pool{
		lo:      lo,
		hi:      hi,
		ownerOf: make(map[int]turnaddr.Addr),
		peerOf:  make(map[int]turnaddr.Addr),
		byOwner: make(map[turnaddr.Addr]map[int]struct{}),
		byPeer:  make(map[ownerPeer]int),
	}
	p.free = make(minHeap, 0, hi-lo+1)
	for port := lo; port <= hi; port++ {
		p.free = append(p.free, port)
	}
	heap.Init(&p.free)
	return p
}

// Allocate reserves the lowest free port for owner.
func (p *Pool) Allocate(owner turnaddr.Addr) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free.Len() == 0 {
		return 0, ErrNoCapacity
	}
	port := heap.Pop(&p.free).(int)
	p.ownerOf[port] = owner
	if p.byOwner[owner] == nil {
		p.byOwner[owner] = make(map[int]struct{})
	}
	p.byOwner[owner][port] = struct{}{}
	return port, nil
}

// Bind records that owner's port relays to peer. Re-binding the same
// (owner, port) to the same peer is a no-op success (idempotent refresh).
func (p *Pool) Bind(owner turnaddr.Addr, port int, peer turnaddr.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.ownerOf[port]
	if !ok || cur != owner {
		return ErrNotOwned
	}

	if prevPeer, hadPeer := p.peerOf[port]; hadPeer {
		if prevPeer == peer {
			return nil
		}
		delete(p.byPeer, ownerPeer{owner: owner, peer: prevPeer})
	}
	p.peerOf[port] = peer
	p.byPeer[ownerPeer{owner: owner, peer: peer}] = port
	return nil
}

// OwnerOfPort returns the client address that currently holds port,
// regardless of whether it has been bound to a peer yet. Used to resolve
// a peer-supplied relayed address (external_ip:port) back to the local
// client that owns that relay.
func (p *Pool) OwnerOfPort(port int) (turnaddr.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.ownerOf[port]
	return owner, ok
}

// ResolvePeer returns the port bound from owner to peer, if any.
func (p *Pool) ResolvePeer(owner, peer turnaddr.Addr) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byPeer[ownerPeer{owner: owner, peer: peer}]
	return port, ok
}

// ResolvePort returns the (owner, peer) pair bound to port, if any.
func (p *Pool) ResolvePort(port int) (owner, peer turnaddr.Addr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok = p.ownerOf[port]
	if !ok {
		return turnaddr.Addr{}, turnaddr.Addr{}, false
	}
	peer, hasPeer := p.peerOf[port]
	return owner, peer, hasPeer
}

// ReleaseAll returns every port held by owner to the free set.
func (p *Pool) ReleaseAll(owner turnaddr.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := p.byOwner[owner]
	for port := range ports {
		delete(p.ownerOf, port)
		if peer, ok := p.peerOf[port]; ok {
			delete(p.byPeer, ownerPeer{owner: owner, peer: peer})
			delete(p.peerOf, port)
		}
		heap.Push(&p.free, port)
	}
	delete(p.byOwner, owner)
}

// Free reports the number of currently unallocated ports.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// minHeap is a container/heap of free ports, lowest first.
type minHeap []int

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
