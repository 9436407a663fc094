// Package processor implements the STUN/TURN method handlers: the per-
// message logic that reads a wire.Message, consults the router, and
// produces a response plus any relay side effects. It is pure over its
// inputs aside from the router and fabric client it is handed.
package processor

import (
	"context"
	"crypto/md5"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/turnd/internal/fabric"
	"github.com/kuuji/turnd/internal/router"
	"github.com/kuuji/turnd/internal/turnaddr"
	"github.com/kuuji/turnd/internal/wire"
)

// NonceRotation is how often the server-wide nonce is regenerated.
const NonceRotation = time.Hour

// Config carries the processor's static, deployment-level settings.
// Allocation and permission lifetimes live on the Router this Processor
// is built over, not here.
type Config struct {
	Realm    string
	External netip.Addr
	Software string
}

// Credentials is the long-term credential store: username -> password.
type Credentials map[string]string

// Outbound is one packet the caller's socket layer should send.
type Outbound struct {
	Addr turnaddr.Addr
	Data []byte
}

// Processor answers STUN/TURN requests over a shared Router and an
// optional Fabric client.
type Processor struct {
	router *router.Router
	fab    *fabric.Client
	cfg    Config
	creds  Credentials
	log    *slog.Logger

	nonceMu    sync.RWMutex
	nonce      string
	prevNonce  string
	rotatedAt  time.Time

	// deliver, if set, receives packets produced by inbound fabric events
	// (CreatePermission has none; Relay produces the forwarded payload).
	deliver func(Outbound)
}

func New(r *router.Router, fab *fabric.Client, cfg Config, creds Credentials, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{
		router: r,
		fab:    fab,
		cfg:    cfg,
		creds:  creds,
		log:    log.With("component", "processor"),
	}
	p.nonce = uuid.NewString()
	p.rotatedAt = time.Now()
	return p
}

// SetDeliver installs the callback used to emit packets generated by
// inbound fabric events. The host wires this to its UDP socket before
// handing the Processor to a fabric.Client as its Observer.
func (p *Processor) SetDeliver(fn func(Outbound)) {
	p.deliver = fn
}

// SetFabric attaches the fabric client after construction, for hosts that
// must build the client's Observer (this Processor) before the client
// itself exists. Call before Connect; not safe to call concurrently with
// Handle.
func (p *Processor) SetFabric(fab *fabric.Client) {
	p.fab = fab
}

// RotateNonce replaces the current nonce, keeping the previous one valid
// for in-flight retransmissions during the rotation window.
func (p *Processor) RotateNonce() {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()
	p.prevNonce = p.nonce
	p.nonce = uuid.NewString()
	p.rotatedAt = time.Now()
}

func (p *Processor) validNonce(n string) bool {
	p.nonceMu.RLock()
	defer p.nonceMu.RUnlock()
	return n != "" && (n == p.nonce || n == p.prevNonce)
}

func (p *Processor) currentNonce() string {
	p.nonceMu.RLock()
	defer p.nonceMu.RUnlock()
	return p.nonce
}

// Handle dispatches one inbound datagram from addr, returning zero or
// more outbound packets. requestID is a correlation value stamped on
// log lines for this message only; it carries no protocol meaning.
func (p *Processor) Handle(ctx context.Context, from turnaddr.Addr, data []byte) []Outbound {
	requestID := uuid.NewString()
	log := p.log.With("request_id", requestID, "from", from.String())

	if wire.IsChannelData(data) {
		cd, err := wire.ParseChannelData(data)
		if err != nil {
			log.Debug("dropping malformed channeldata", "error", err)
			return nil
		}
		return p.handleChannelData(from, cd)
	}

	if !wire.IsSTUN(data) {
		log.Debug("dropping non-STUN, non-channeldata datagram")
		return nil
	}

	msg, err := wire.Parse(data)
	if err != nil {
		log.Debug("dropping malformed STUN message", "error", err)
		return nil
	}

	switch msg.Method {
	case wire.MethodBinding:
		return p.handleBinding(from, &msg)
	case wire.MethodAllocate:
		return p.handleAllocate(from, &msg, data, log)
	case wire.MethodRefresh:
		return p.handleRefresh(from, &msg, data, log)
	case wire.MethodCreatePermission:
		return p.handleCreatePermission(from, &msg, data, log)
	case wire.MethodChannelBind:
		return p.handleChannelBind(from, &msg, data, log)
	case wire.MethodSend:
		return p.handleSend(from, &msg)
	default:
		log.Debug("unsupported method", "method", msg.Method)
		return nil
	}
}

func (p *Processor) respond(b *wire.Builder, key []byte) []byte {
	if p.cfg.Software != "" {
		b = b.AddSoftware(p.cfg.Software)
	}
	return b.Build(key)
}

func (p *Processor) handleBinding(from turnaddr.Addr, msg *wire.Message) []Outbound {
	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORMappedAddress, toWireAddr(from))
	return []Outbound{{Addr: from, Data: p.respond(resp, nil)}}
}

// authenticate implements the common authenticated-method prelude: it
// verifies MESSAGE-INTEGRITY against the long-term credential for the
// presented USERNAME, returning the derived key on success or a ready-
// to-send 401 response on failure.
func (p *Processor) authenticate(msg *wire.Message, raw []byte) (key []byte, username string, challenge []byte, ok bool) {
	username = msg.GetUsername()
	nonce := msg.GetNonce()
	integrity := msg.GetAttr(wire.AttrMessageIntegrity)

	if username == "" || integrity == nil || !p.validNonce(nonce) {
		return nil, "", p.unauthorized(msg), false
	}

	password, known := p.creds[username]
	if !known {
		return nil, "", p.unauthorized(msg), false
	}

	derived := wire.DeriveAuthKey(username, p.cfg.Realm, password)
	if err := wire.CheckIntegrity(raw, derived); err != nil {
		return nil, "", p.unauthorized(msg), false
	}
	return derived, username, nil, true
}

func (p *Processor) unauthorized(msg *wire.Message) []byte {
	resp := wire.NewResponse(msg, wire.ClassErrorResponse).
		AddErrorCode(wire.CodeUnauthorized, "Unauthorized").
		AddRealm(p.cfg.Realm).
		AddNonce(p.currentNonce())
	return p.respond(resp, nil)
}

func (p *Processor) errorResponse(msg *wire.Message, code int, reason string, key []byte) []byte {
	resp := wire.NewResponse(msg, wire.ClassErrorResponse).AddErrorCode(code, reason)
	return p.respond(resp, key)
}

func (p *Processor) handleAllocate(from turnaddr.Addr, msg *wire.Message, raw []byte, log *slog.Logger) []Outbound {
	key, username, challenge, ok := p.authenticate(msg, raw)
	if !ok {
		return []Outbound{{Addr: from, Data: challenge}}
	}

	transport := msg.GetRequestedTransport()
	if transport != wire.RequestedTransportUDP {
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeUnsupportedTransport, "Unsupported Transport", key)}}
	}

	if existing, exists := p.router.GetNode(from); exists {
		// An Allocate from an address that already holds a node for the
		// same username is answered with that node's existing allocation;
		// the transaction ID and the node's expiry are not compared, so a
		// new request is treated like a retransmission. A node held by a
		// different username is a mismatch (RFC 8656 §6.2).
		if existing.Username != username {
			return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeAllocationMismatch, "Allocation Mismatch", key)}}
		}
		if len(existing.Ports) > 0 {
			lifetime := p.router.AllocationDefaultLifetime()
			resp := wire.NewResponse(msg, wire.ClassSuccessResponse).
				AddXORAddress(wire.AttrXORRelayedAddress, wire.Address{IP: p.cfg.External.AsSlice(), Port: existing.Ports[0]}).
				AddXORAddress(wire.AttrXORMappedAddress, toWireAddr(from)).
				AddLifetime(uint32(lifetime / time.Second))
			log.Info("allocate retransmission answered idempotently", "username", username, "port", existing.Ports[0])
			return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
		}
	}

	password := p.creds[username]
	secretBytes := md5.Sum([]byte(username + ":" + p.cfg.Realm + ":" + password))

	port, err := p.router.Allocate(from, username, secretBytes, password)
	if err != nil {
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeInsufficientCapacity, "Insufficient Capacity", key)}}
	}

	lifetime := p.router.AllocationDefaultLifetime()
	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORRelayedAddress, wire.Address{IP: p.cfg.External.AsSlice(), Port: port}).
		AddXORAddress(wire.AttrXORMappedAddress, toWireAddr(from)).
		AddLifetime(uint32(lifetime / time.Second))

	log.Info("allocation created", "username", username, "port", port)
	return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
}

func (p *Processor) handleRefresh(from turnaddr.Addr, msg *wire.Message, raw []byte, log *slog.Logger) []Outbound {
	key, username, challenge, ok := p.authenticate(msg, raw)
	if !ok {
		return []Outbound{{Addr: from, Data: challenge}}
	}

	requested, present := msg.GetLifetime()
	if present && requested == 0 {
		if err := p.router.Refresh(from, 0); err != nil {
			return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeAllocationMismatch, "Allocation Mismatch", key)}}
		}
		log.Info("allocation deallocated", "username", username)
		resp := wire.NewResponse(msg, wire.ClassSuccessResponse).AddLifetime(0)
		return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
	}

	lifetime := p.router.AllocationDefaultLifetime()
	if present {
		lifetime = time.Duration(requested) * time.Second
		if max := p.router.AllocationMaxLifetime(); lifetime > max {
			lifetime = max
		}
	}
	if err := p.router.Refresh(from, lifetime); err != nil {
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeAllocationMismatch, "Allocation Mismatch", key)}}
	}

	resp := wire.NewResponse(msg, wire.ClassSuccessResponse).AddLifetime(uint32(lifetime / time.Second))
	return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
}

func (p *Processor) handleCreatePermission(from turnaddr.Addr, msg *wire.Message, raw []byte, log *slog.Logger) []Outbound {
	key, _, challenge, ok := p.authenticate(msg, raw)
	if !ok {
		return []Outbound{{Addr: from, Data: challenge}}
	}

	peers := msg.GetXORPeerAddresses()
	if len(peers) == 0 {
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeBadRequest, "Bad Request", key)}}
	}

	for _, peerWire := range peers {
		peer := fromWireAddr(peerWire)

		switch {
		case peer.IP == p.cfg.External:
			if err := p.router.LocalCreatePermission(from, peer); err != nil {
				return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeForbidden, "Forbidden", key)}}
			}
		case p.fab != nil:
			if node, online := p.router.GetOnlineNode(peer.IP); online {
				body := fabric.EncodeCreatePermission(fabric.CreatePermissionMsg{ID: node.Index, From: from, Peer: peer})
				p.fab.SendOrdered(node.Index, fabric.TagCreatePermission, body)
				log.Info("cross-server permission dispatched", "peer", peer.String(), "dest_index", node.Index)
			} else {
				return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeForbidden, "Forbidden", key)}}
			}
		default:
			return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeForbidden, "Forbidden", key)}}
		}
	}

	resp := wire.NewResponse(msg, wire.ClassSuccessResponse)
	return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
}

func (p *Processor) handleChannelBind(from turnaddr.Addr, msg *wire.Message, raw []byte, log *slog.Logger) []Outbound {
	key, _, challenge, ok := p.authenticate(msg, raw)
	if !ok {
		return []Outbound{{Addr: from, Data: challenge}}
	}

	channel, present := msg.GetChannelNumber()
	peers := msg.GetXORPeerAddresses()
	if !present || channel < 0x4000 || channel > 0x7FFE || len(peers) != 1 {
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeBadRequest, "Bad Request", key)}}
	}
	peer := fromWireAddr(peers[0])

	if err := p.router.ChannelBind(from, channel, peer); err != nil {
		if err == router.ErrChannelInUse {
			return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeBadRequest, "Bad Request", key)}}
		}
		return []Outbound{{Addr: from, Data: p.errorResponse(msg, wire.CodeForbidden, "Forbidden", key)}}
	}

	log.Info("channel bound", "channel", channel, "peer", peer.String())
	resp := wire.NewResponse(msg, wire.ClassSuccessResponse)
	return []Outbound{{Addr: from, Data: p.respond(resp, key)}}
}

// handleSend implements the Send indication: it never responds and,
// per spec, only requires the permission the client already holds for
// peer's IP.
func (p *Processor) handleSend(from turnaddr.Addr, msg *wire.Message) []Outbound {
	peers := msg.GetXORPeerAddresses()
	data := msg.GetData()
	if len(peers) != 1 || data == nil {
		return nil
	}
	peer := fromWireAddr(peers[0])
	return p.forward(from, peer, data)
}

func (p *Processor) handleChannelData(from turnaddr.Addr, cd wire.ChannelData) []Outbound {
	peer, ok := p.router.ResolveChannel(from, cd.ChannelNumber)
	if !ok {
		return nil
	}
	return p.forward(from, peer, cd.Data)
}

// forward routes an outbound relay payload either as a direct send (peer
// shares this instance's external address) or across the fabric.
func (p *Processor) forward(from, peer turnaddr.Addr, data []byte) []Outbound {
	if !p.router.CheckPermission(from, peer.IP) {
		return nil
	}

	if peer.IP == p.cfg.External {
		return []Outbound{{Addr: peer, Data: data}}
	}

	if p.fab != nil {
		if node, online := p.router.GetOnlineNode(peer.IP); online {
			body := fabric.EncodeRelay(fabric.RelayMsg{Dest: node.Index, Owner: peer, Src: from, Data: data})
			p.fab.SendOrdered(node.Index, fabric.TagRelay, body)
		}
	}
	return nil
}

// CreatePermission implements fabric.Observer: it installs a permission
// as if the peer's own local allocation had issued the CreatePermission.
func (p *Processor) CreatePermission(from, peer turnaddr.Addr) {
	owner, ok := p.router.Ports.OwnerOfPort(peer.Port)
	if !ok {
		p.log.Warn("fabric CreatePermission for unknown local port", "peer", peer.String())
		return
	}
	if err := p.router.LocalCreatePermission(owner, from); err != nil {
		p.log.Warn("fabric CreatePermission install failed", "owner", owner.String(), "error", err)
	}
}

// ProxyState implements fabric.Observer: it replaces the router's view of
// which remote instances are online, which is what lets CreatePermission
// and forward resolve a peer IP to the fabric index that hosts it. Without
// this, GetOnlineNode would never see a node the hub has announced.
func (p *Processor) ProxyState(nodes []fabric.StateNode) {
	out := make([]router.ProxyNode, len(nodes))
	for i, n := range nodes {
		out[i] = router.ProxyNode{Index: n.Index, External: n.External, Online: n.Online}
	}
	p.router.SetProxyNodes(out)
}

// Relay implements fabric.Observer: it resolves the local allocation
// owning the relayed port and delivers the payload to that allocation's
// own client as a Data indication or ChannelData frame.
func (p *Processor) Relay(owner, src turnaddr.Addr, data []byte) {
	localOwner, ok := p.router.Ports.OwnerOfPort(owner.Port)
	if !ok {
		p.log.Warn("fabric relay for unknown local port", "owner", owner.String())
		return
	}
	if p.deliver == nil {
		return
	}
	for _, ob := range p.deliverFromPeer(localOwner, src, data) {
		p.deliver(ob)
	}
}

// deliverFromPeer wraps data arriving from peer (local or via fabric)
// for owner, using ChannelData framing if a channel is already bound,
// otherwise a STUN Data indication.
func (p *Processor) deliverFromPeer(owner, peer turnaddr.Addr, data []byte) []Outbound {
	if channel, ok := p.router.ResolveChannelNumber(owner, peer); ok {
		return []Outbound{{Addr: owner, Data: wire.BuildChannelData(channel, data)}}
	}

	b := wire.NewBuilder(wire.MethodData, wire.ClassIndication, newTxID()).
		AddXORAddress(wire.AttrXORPeerAddress, toWireAddr(peer)).
		AddData(data)
	return []Outbound{{Addr: owner, Data: b.BuildNoFingerprint(nil)}}
}

// RunReaper blocks sweeping expired allocations and permissions every
// interval until ctx is cancelled.
func (p *Processor) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Processor) sweep() {
	for _, addr := range p.router.Deaths() {
		p.router.Remove(addr)
		p.log.Info("reaped expired allocation", "addr", addr.String())
	}
	p.router.SweepPermissions()
}

func toWireAddr(a turnaddr.Addr) wire.Address {
	return wire.Address{IP: a.IP.AsSlice(), Port: a.Port}
}

func fromWireAddr(a wire.Address) turnaddr.Addr {
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return turnaddr.Addr{}
	}
	return turnaddr.New(ip, a.Port)
}

func newTxID() [12]byte {
	u := uuid.New()
	var id [12]byte
	copy(id[:], u[:])
	return id
}
