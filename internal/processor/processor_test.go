package processor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/turnd/internal/fabric"
	"github.com/kuuji/turnd/internal/router"
	"github.com/kuuji/turnd/internal/turnaddr"
	"github.com/kuuji/turnd/internal/wire"
)

const (
	testRealm    = "example.org"
	testUsername = "alice"
	testPassword = "secret"
	testExternal = "203.0.113.5"
)

func newTestProcessor(t *testing.T) (*Processor, *router.Router) {
	t.Helper()
	r := router.New(1, router.Config{})
	p := New(r, nil, Config{
		Realm:    testRealm,
		External: netip.MustParseAddr(testExternal),
		Software: "turnd-test",
	}, Credentials{testUsername: testPassword}, nil)
	return p, r
}

func addr(ip string, port int) turnaddr.Addr {
	return turnaddr.New(netip.MustParseAddr(ip), port)
}

func authedBuilder(method int, nonce string) *wire.Builder {
	return wire.NewBuilder(method, wire.ClassRequest, newTxID()).
		AddUsername(testUsername).
		AddRealm(testRealm).
		AddNonce(nonce)
}

func authKey() []byte {
	return wire.DeriveAuthKey(testUsername, testRealm, testPassword)
}

func mustAllocate(t *testing.T, p *Processor, from turnaddr.Addr) (port int, nonce string) {
	t.Helper()

	// First request: unauthenticated, expect 401 challenge carrying a nonce.
	req := wire.NewBuilder(wire.MethodAllocate, wire.ClassRequest, newTxID()).
		AddRaw(wire.AttrRequestedTransport, []byte{wire.RequestedTransportUDP, 0, 0, 0})
	out := p.Handle(nil, from, req.Build(nil))
	if len(out) != 1 {
		t.Fatalf("expected one challenge packet, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil {
		t.Fatalf("parsing challenge: %v", err)
	}
	if resp.Class != wire.ClassErrorResponse {
		t.Fatalf("expected error response, got class %d", resp.Class)
	}
	nonce = resp.GetNonce()
	if nonce == "" {
		t.Fatal("challenge missing nonce")
	}

	req2 := authedBuilder(wire.MethodAllocate, nonce).
		AddRaw(wire.AttrRequestedTransport, []byte{wire.RequestedTransportUDP, 0, 0, 0})
	raw := req2.Build(authKey())
	out2 := p.Handle(nil, from, raw)
	if len(out2) != 1 {
		t.Fatalf("expected one allocate response, got %d", len(out2))
	}
	resp2, err := wire.Parse(out2[0].Data)
	if err != nil {
		t.Fatalf("parsing allocate response: %v", err)
	}
	if resp2.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class %d", resp2.Class)
	}
	relayed, ok := resp2.GetXORAddr(wire.AttrXORRelayedAddress)
	if !ok {
		t.Fatal("response missing XOR-RELAYED-ADDRESS")
	}
	if _, ok := resp2.GetXORAddr(wire.AttrXORMappedAddress); !ok {
		t.Fatal("response missing XOR-MAPPED-ADDRESS")
	}

	lifetime, present := resp2.GetLifetime()
	if !present || lifetime != 600 {
		t.Fatalf("expected LIFETIME=600, got %d (present=%v)", lifetime, present)
	}

	return relayed.Port, nonce
}

func TestScenario1_AllocateSuccess(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)

	port, _ := mustAllocate(t, p, from)
	if port < 49152 || port > 65535 {
		t.Fatalf("allocated port %d out of range", port)
	}
}

func TestScenario2_LocalCreatePermission(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	_, nonce := mustAllocate(t, p, from)

	peer := addr(testExternal, 6000)
	req := authedBuilder(wire.MethodCreatePermission, nonce).
		AddXORAddress(wire.AttrXORPeerAddress, wire.Address{IP: peer.IP.AsSlice(), Port: peer.Port})
	out := p.Handle(nil, from, req.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class=%d err=%v", resp.Class, err)
	}

	if _, ok := r.GetPortBound(from, peer); !ok {
		t.Fatal("expected owner's port to be bound to peer")
	}
}

func TestScenario3_CrossServerCreatePermission(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	_, nonce := mustAllocate(t, p, from)

	fab := fabric.NewClient(fabric.ClientConfig{SelfIndex: 1, External: addr(testExternal, 0)})
	p2 := New(r, fab, Config{Realm: testRealm, External: netip.MustParseAddr(testExternal), Software: "turnd-test"}, Credentials{testUsername: testPassword}, nil)

	r.SetProxyNodes([]router.ProxyNode{{Index: 7, External: addr("198.51.100.9", 0), Online: true}})

	peer := addr("198.51.100.9", 7000)
	req := authedBuilder(wire.MethodCreatePermission, nonce).
		AddXORAddress(wire.AttrXORPeerAddress, wire.Address{IP: peer.IP.AsSlice(), Port: peer.Port})
	out := p2.Handle(nil, from, req.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class=%d err=%v", resp.Class, err)
	}

	if _, ok := r.GetPortBound(from, peer); ok {
		t.Fatal("cross-server CreatePermission must not bind a local port")
	}
}

func TestProcessor_ProxyStateWiresIntoRouter(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)

	if _, ok := r.GetOnlineNode(netip.MustParseAddr("198.51.100.9")); ok {
		t.Fatal("router should start with no online fabric nodes")
	}

	p.ProxyState([]fabric.StateNode{{Index: 7, External: addr("198.51.100.9", 0), Online: true}})

	node, ok := r.GetOnlineNode(netip.MustParseAddr("198.51.100.9"))
	if !ok || node.Index != 7 {
		t.Fatalf("expected router to learn node 7 from ProxyState, got %+v, %v", node, ok)
	}
}

func TestScenario_AllocateRetransmissionIsIdempotent(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	port, nonce := mustAllocate(t, p, from)

	freeBefore := r.Ports.Free()

	req := authedBuilder(wire.MethodAllocate, nonce).
		AddRaw(wire.AttrRequestedTransport, []byte{wire.RequestedTransportUDP, 0, 0, 0})
	out := p.Handle(nil, from, req.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class=%d err=%v", resp.Class, err)
	}
	relayed, ok := resp.GetXORAddr(wire.AttrXORRelayedAddress)
	if !ok || relayed.Port != port {
		t.Fatalf("retransmission should echo the original port %d, got %+v (present=%v)", port, relayed, ok)
	}

	if got := r.Ports.Free(); got != freeBefore {
		t.Fatalf("retransmission must not consume a new port: free went %d -> %d", freeBefore, got)
	}
	node, ok := r.GetNode(from)
	if !ok || len(node.Ports) != 1 {
		t.Fatalf("node should still hold exactly one port, got %+v", node)
	}
}

func TestScenario4_Forbidden(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	_, nonce := mustAllocate(t, p, from)

	peer := addr("198.51.100.9", 7000)
	req := authedBuilder(wire.MethodCreatePermission, nonce).
		AddXORAddress(wire.AttrXORPeerAddress, wire.Address{IP: peer.IP.AsSlice(), Port: peer.Port})
	out := p.Handle(nil, from, req.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Class != wire.ClassErrorResponse {
		t.Fatalf("expected error response, got class %d", resp.Class)
	}
	ec := resp.GetAttr(wire.AttrErrorCode)
	if ec == nil || int(ec[2])*100+int(ec[3]) != wire.CodeForbidden {
		t.Fatalf("expected 403 Forbidden, got %v", ec)
	}
}

func TestScenario5_RefreshToZeroRemovesNode(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	_, nonce := mustAllocate(t, p, from)

	req := authedBuilder(wire.MethodRefresh, nonce).AddLifetime(0)
	out := p.Handle(nil, from, req.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class=%d err=%v", resp.Class, err)
	}
	lifetime, present := resp.GetLifetime()
	if !present || lifetime != 0 {
		t.Fatalf("expected LIFETIME=0, got %d", lifetime)
	}

	if _, ok := r.GetNode(from); ok {
		t.Fatal("node should have been removed")
	}
	for _, a := range r.Nodes.AddrsOf(testUsername) {
		if a == from {
			t.Fatal("addrs_of(alice) should no longer include the removed address")
		}
	}
}

func TestScenario6_ChannelEcho(t *testing.T) {
	t.Parallel()
	p, r := newTestProcessor(t)
	from := addr("10.0.0.1", 5000)
	port, nonce := mustAllocate(t, p, from)

	peer := addr(testExternal, 6000)
	permReq := authedBuilder(wire.MethodCreatePermission, nonce).
		AddXORAddress(wire.AttrXORPeerAddress, wire.Address{IP: peer.IP.AsSlice(), Port: peer.Port})
	p.Handle(nil, from, permReq.Build(authKey()))

	bindReq := authedBuilder(wire.MethodChannelBind, nonce).
		AddChannelNumber(0x4001).
		AddXORAddress(wire.AttrXORPeerAddress, wire.Address{IP: peer.IP.AsSlice(), Port: peer.Port})
	out := p.Handle(nil, from, bindReq.Build(authKey()))
	if len(out) != 1 {
		t.Fatalf("expected one bind response, got %d", len(out))
	}
	resp, err := wire.Parse(out[0].Data)
	if err != nil || resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class=%d err=%v", resp.Class, err)
	}

	cd := wire.BuildChannelData(0x4001, []byte("hi"))
	out2 := p.Handle(nil, from, cd)
	if len(out2) != 1 {
		t.Fatalf("expected one forwarded packet, got %d", len(out2))
	}
	if out2[0].Addr != peer {
		t.Fatalf("expected forward to %v, got %v", peer, out2[0].Addr)
	}
	if string(out2[0].Data) != "hi" {
		t.Fatalf("expected raw payload %q, got %q", "hi", out2[0].Data)
	}

	_ = port
	_ = r
}

func TestRotateNonce_PreviousStillValid(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)
	old := p.currentNonce()
	p.RotateNonce()
	if !p.validNonce(old) {
		t.Fatal("previous nonce should remain valid for one rotation")
	}
	if !p.validNonce(p.currentNonce()) {
		t.Fatal("current nonce should validate")
	}
	p.RotateNonce()
	if p.validNonce(old) {
		t.Fatal("nonce from two rotations ago should no longer validate")
	}
}

func TestReaper_RemovesExpiredAllocation(t *testing.T) {
	t.Parallel()
	r := router.New(1, router.Config{AllocationDefault: time.Nanosecond})
	p := New(r, nil, Config{Realm: testRealm, External: netip.MustParseAddr(testExternal)}, Credentials{testUsername: testPassword}, nil)

	from := addr("10.0.0.1", 5000)
	if _, err := r.Allocate(from, testUsername, [16]byte{}, testPassword); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	time.Sleep(time.Millisecond)

	p.sweep()
	if _, ok := r.GetNode(from); ok {
		t.Fatal("expired node should have been reaped")
	}
}
