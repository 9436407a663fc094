package channeltable

import (
	"net/netip"
	"testing"

	"github.com/kuuji/turnd/internal/turnaddr"
)

func addr(ip string, port int) turnaddr.Addr {
	return turnaddr.New(netip.MustParseAddr(ip), port)
}

func TestBind_RoundTripLookups(t *testing.T) {
	t.Parallel()
	tbl := New()
	owner := addr("10.0.0.1", 5000)
	peer := addr("203.0.113.5", 6000)

	if err := tbl.Bind(owner, 0x4001, peer); err != nil {
		t.Fatalf("bind: %v", err)
	}

	gotPeer, ok := tbl.PeerOf(owner, 0x4001)
	if !ok || gotPeer != peer {
		t.Errorf("peerOf: got (%v,%v)", gotPeer, ok)
	}

	gotChannel, ok := tbl.ChannelOf(owner, peer)
	if !ok || gotChannel != 0x4001 {
		t.Errorf("channelOf: got (%#x,%v)", gotChannel, ok)
	}
}

func TestBind_SamePairIsRefresh(t *testing.T) {
	t.Parallel()
	tbl := New()
	owner := addr("10.0.0.1", 5000)
	peer := addr("203.0.113.5", 6000)

	if err := tbl.Bind(owner, 0x4001, peer); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := tbl.Bind(owner, 0x4001, peer); err != nil {
		t.Errorf("refresh bind: %v", err)
	}
}

func TestBind_ConflictRejected(t *testing.T) {
	t.Parallel()
	tbl := New()
	owner := addr("10.0.0.1", 5000)
	peer1 := addr("203.0.113.5", 6000)
	peer2 := addr("203.0.113.6", 6001)

	if err := tbl.Bind(owner, 0x4001, peer1); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := tbl.Bind(owner, 0x4001, peer2); err != ErrInUse {
		t.Errorf("conflicting channel bind: got %v, want ErrInUse", err)
	}
	if err := tbl.Bind(owner, 0x4002, peer1); err != ErrInUse {
		t.Errorf("conflicting peer bind: got %v, want ErrInUse", err)
	}
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()
	tbl := New()
	owner := addr("10.0.0.1", 5000)
	peer := addr("203.0.113.5", 6000)
	tbl.Bind(owner, 0x4001, peer)

	tbl.ReleaseAll(owner)

	if _, ok := tbl.PeerOf(owner, 0x4001); ok {
		t.Error("peerOf still resolves after release")
	}
	if _, ok := tbl.ChannelOf(owner, peer); ok {
		t.Error("channelOf still resolves after release")
	}
}
