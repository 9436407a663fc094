// Package router composes the port pool, node table, channel table, and
// permission table behind a single façade. It is the only mutator the
// protocol handlers use, which is what lets it hold the cross-table
// invariants (every port/channel a node claims also exists in the
// matching sub-table) together. The sub-tables are exported fields, and
// other packages read them directly (port-owner lookups, status counts).
package router

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/kuuji/turnd/internal/channeltable"
	"github.com/kuuji/turnd/internal/nodetable"
	"github.com/kuuji/turnd/internal/permission"
	"github.com/kuuji/turnd/internal/portpool"
	"github.com/kuuji/turnd/internal/turnaddr"
)

var (
	ErrNoCapacity  = portpool.ErrNoCapacity
	ErrForbidden   = errors.New("router: peer not reachable")
	ErrNoSuchNode  = errors.New("router: no node at address")
	ErrChannelInUse = channeltable.ErrInUse
)

// Config bounds the resources a Router manages.
type Config struct {
	PortLo             int
	PortHi             int
	PermissionLifetime time.Duration
	AllocationDefault  time.Duration
	AllocationMax      time.Duration
}

// ProxyNode is the router's view of one remote TURN instance, as last
// published by a ProxyStateNotify.
type ProxyNode struct {
	Index    uint8
	External turnaddr.Addr
	Online   bool
}

// Router is the shared, concurrency-safe table of live allocations.
type Router struct {
	SelfIndex uint8

	Nodes    *nodetable.Table
	Ports    *portpool.Pool
	Channels *channeltable.Table
	Perms    *permission.Table

	cfg Config

	proxyMu    sync.RWMutex
	proxyNodes []ProxyNode
}

func New(selfIndex uint8, cfg Config) *Router {
	if cfg.PortLo == 0 && cfg.PortHi == 0 {
		cfg.PortLo, cfg.PortHi = 49152, 65535
	}
	if cfg.AllocationDefault == 0 {
		cfg.AllocationDefault = 600 * time.Second
	}
	if cfg.AllocationMax == 0 {
		cfg.AllocationMax = 3600 * time.Second
	}
	return &Router{
		SelfIndex: selfIndex,
		Nodes:     nodetable.New(),
		Ports:     portpool.New(cfg.PortLo, cfg.PortHi),
		Channels:  channeltable.New(),
		Perms:     permission.New(cfg.PermissionLifetime),
		cfg:       cfg,
	}
}

// AllocationDefaultLifetime is the lifetime applied when Allocate's
// client did not request one.
func (r *Router) AllocationDefaultLifetime() time.Duration { return r.cfg.AllocationDefault }

// AllocationMaxLifetime caps Refresh's requested lifetime.
func (r *Router) AllocationMaxLifetime() time.Duration { return r.cfg.AllocationMax }

// Allocate reserves a relayed port and installs a new node at addr,
// replacing any prior session there. The port pool's lock is taken and
// released first, then the node table's; neither is held while the other
// is taken.
func (r *Router) Allocate(addr turnaddr.Addr, username string, secret [16]byte, password string) (port int, err error) {
	port, err = r.Ports.Allocate(addr)
	if err != nil {
		return 0, err
	}
	r.Nodes.Insert(r.SelfIndex, addr, username, secret, password, r.cfg.AllocationDefault)
	r.Nodes.PushPort(addr, port)
	return port, nil
}

// GetNode returns the node at addr, if any.
func (r *Router) GetNode(addr turnaddr.Addr) (*nodetable.Node, bool) {
	return r.Nodes.Get(addr)
}

// Refresh applies a new lifetime to the node at addr. A lifetime of zero
// removes the node and its resources instead.
func (r *Router) Refresh(addr turnaddr.Addr, lifetime time.Duration) error {
	if lifetime <= 0 {
		_, ok := r.Remove(addr)
		if !ok {
			return ErrNoSuchNode
		}
		return nil
	}
	if !r.Nodes.SetLifetime(addr, lifetime) {
		return ErrNoSuchNode
	}
	return nil
}

// Remove tears down the node at addr and releases every resource it held.
func (r *Router) Remove(addr turnaddr.Addr) (*nodetable.Node, bool) {
	n, ok := r.Nodes.Remove(addr)
	if !ok {
		return nil, false
	}
	r.Ports.ReleaseAll(addr)
	r.Channels.ReleaseAll(addr)
	r.Perms.ReleaseAll(addr)
	return n, true
}

// LocalCreatePermission handles the "peer hosted on this instance" branch
// of CreatePermission: it grants a permission for peer's IP and binds
// owner's allocated port toward peer so relayed traffic can be steered.
func (r *Router) LocalCreatePermission(owner turnaddr.Addr, peer turnaddr.Addr) error {
	n, ok := r.Nodes.Get(owner)
	if !ok || len(n.Ports) == 0 {
		return ErrForbidden
	}
	if err := r.Ports.Bind(owner, n.Ports[0], peer); err != nil {
		return ErrForbidden
	}
	r.Perms.Grant(owner, peer.IP)
	return nil
}

// CheckPermission reports whether owner may currently send to peerIP.
func (r *Router) CheckPermission(owner turnaddr.Addr, peerIP netip.Addr) bool {
	return r.Perms.Check(owner, peerIP)
}

// ChannelBind binds a channel number to peer for owner, creating or
// refreshing the underlying permission.
func (r *Router) ChannelBind(owner turnaddr.Addr, channel uint16, peer turnaddr.Addr) error {
	if err := r.Channels.Bind(owner, channel, peer); err != nil {
		return err
	}
	r.Nodes.PushChannel(owner, channel)
	r.Perms.Grant(owner, peer.IP)
	return nil
}

// ResolveChannel returns the peer bound to (owner, channel).
func (r *Router) ResolveChannel(owner turnaddr.Addr, channel uint16) (turnaddr.Addr, bool) {
	return r.Channels.PeerOf(owner, channel)
}

// ResolveChannelNumber returns the channel number bound from owner to peer.
func (r *Router) ResolveChannelNumber(owner, peer turnaddr.Addr) (uint16, bool) {
	return r.Channels.ChannelOf(owner, peer)
}

// GetPortBound reports the relayed port owner has bound toward peer, if any.
func (r *Router) GetPortBound(owner, peer turnaddr.Addr) (int, bool) {
	return r.Ports.ResolvePeer(owner, peer)
}

// Deaths returns addresses whose node has expired.
func (r *Router) Deaths() []turnaddr.Addr {
	return r.Nodes.Deaths()
}

// SweepPermissions drops expired permissions; called alongside the reaper.
func (r *Router) SweepPermissions() {
	r.Perms.Sweep()
}

// SetProxyNodes atomically replaces the router's view of the fabric.
func (r *Router) SetProxyNodes(nodes []ProxyNode) {
	r.proxyMu.Lock()
	defer r.proxyMu.Unlock()
	r.proxyNodes = nodes
}

// GetOnlineNode returns the online remote instance advertising ip, if any.
func (r *Router) GetOnlineNode(ip netip.Addr) (ProxyNode, bool) {
	r.proxyMu.RLock()
	defer r.proxyMu.RUnlock()
	for _, n := range r.proxyNodes {
		if n.Online && n.External.IP == ip {
			return n, true
		}
	}
	return ProxyNode{}, false
}
