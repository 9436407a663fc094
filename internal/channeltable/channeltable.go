// Package channeltable maps (owner, channel number) pairs to the peer
// address they relay to, with O(1) lookups in both directions.
package channeltable

import (
	"errors"
	"sync"

	"github.com/kuuji/turnd/internal/turnaddr"
)

// ErrInUse is returned by Bind when the channel number already maps to a
// different peer for this owner.
var ErrInUse = errors.New("channeltable: channel bound to a different peer")

type ownerChannel struct {
	owner   turnaddr.Addr
	channel uint16
}

type ownerPeer struct {
	owner turnaddr.Addr
	peer  turnaddr.Addr
}

// Table is the channel binding table.
type Table struct {
	mu       sync.RWMutex
	peerOf   map[ownerChannel]turnaddr.Addr
	channelOf map[ownerPeer]uint16
}

func New() *Table {
	return &Table{
		peerOf:    make(map[ownerChannel]turnaddr.Addr),
		channelOf: make(map[ownerPeer]uint16),
	}
}

// Bind maps (owner, channel) to peer. Rebinding the same pair to the same
// peer succeeds (refresh); binding to a different peer than already held
// is rejected with ErrInUse.
func (t *Table) Bind(owner turnaddr.Addr, channel uint16, peer turnaddr.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oc := ownerChannel{owner: owner, channel: channel}
	if existingPeer, ok := t.peerOf[oc]; ok {
		if existingPeer == peer {
			return nil
		}
		return ErrInUse
	}

	if existingChannel, ok := t.channelOf[ownerPeer{owner: owner, peer: peer}]; ok && existingChannel != channel {
		return ErrInUse
	}

	t.peerOf[oc] = peer
	t.channelOf[ownerPeer{owner: owner, peer: peer}] = channel
	return nil
}

// PeerOf returns the peer bound to (owner, channel).
func (t *Table) PeerOf(owner turnaddr.Addr, channel uint16) (turnaddr.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peerOf[ownerChannel{owner: owner, channel: channel}]
	return peer, ok
}

// ChannelOf returns the channel number bound from owner to peer.
func (t *Table) ChannelOf(owner, peer turnaddr.Addr) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	channel, ok := t.channelOf[ownerPeer{owner: owner, peer: peer}]
	return channel, ok
}

// Count reports the number of active channel bindings.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peerOf)
}

// ReleaseAll drops every channel binding owned by owner.
func (t *Table) ReleaseAll(owner turnaddr.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for oc, peer := range t.peerOf {
		if oc.owner != owner {
			continue
		}
		delete(t.peerOf, oc)
		delete(t.channelOf, ownerPeer{owner: owner, peer: peer})
	}
}
