// Package fabric implements the inter-instance proxy: a gossiped
// presence view plus two payload classes (CreatePermission control
// messages and opaque relayed datagrams) carried over length-prefixed
// binary frames, per the tag layout in RFC-adjacent terms used by the
// TURN processor's CreatePermission and Send handlers.
package fabric

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/kuuji/turnd/internal/turnaddr"
)

// Frame tags.
const (
	TagProxyStateNotify byte = 0x01
	TagCreatePermission byte = 0x02
	TagRelay            byte = 0x10
)

const (
	familyIPv4 = 1
	familyIPv6 = 2
)

var (
	ErrShortFrame = errors.New("fabric: frame shorter than its length prefix")
	ErrShortAddr  = errors.New("fabric: truncated socket address")
	ErrBadFamily  = errors.New("fabric: unknown address family")
)

// EncodeFrame prepends the 4-byte big-endian length prefix (covering tag
// + body) that precedes every fabric frame on the wire.
func EncodeFrame(tag byte, body []byte) []byte {
	out := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(body)))
	out[4] = tag
	copy(out[5:], body)
	return out
}

// DecodeFrame splits one length-prefixed frame into its tag and body. It
// expects data to contain exactly one frame (the transport below it,
// e.g. one websocket binary message, already delivers message
// boundaries); FrameLen can be used over a raw byte stream instead.
func DecodeFrame(data []byte) (tag byte, body []byte, err error) {
	if len(data) < 5 {
		return 0, nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)-4) < n || n < 1 {
		return 0, nil, ErrShortFrame
	}
	return data[4], data[5 : 4+n], nil
}

// FrameLen reports the total byte length (prefix included) of the frame
// that begins at the start of buf, or 0 if buf does not yet hold enough
// bytes to know — used when framing a raw stream transport.
func FrameLen(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	total := 4 + n
	if len(buf) < total {
		return 0
	}
	return total
}

func encodeSocketAddr(a turnaddr.Addr) []byte {
	ip := a.IP
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if ip.Is4() {
		out := make([]byte, 1+4+2)
		out[0] = familyIPv4
		b4 := ip.As4()
		copy(out[1:5], b4[:])
		binary.BigEndian.PutUint16(out[5:7], uint16(a.Port))
		return out
	}
	out := make([]byte, 1+16+2)
	out[0] = familyIPv6
	b16 := ip.As16()
	copy(out[1:17], b16[:])
	binary.BigEndian.PutUint16(out[17:19], uint16(a.Port))
	return out
}

func decodeSocketAddr(buf []byte) (turnaddr.Addr, int, error) {
	if len(buf) < 1 {
		return turnaddr.Addr{}, 0, ErrShortAddr
	}
	switch buf[0] {
	case familyIPv4:
		if len(buf) < 7 {
			return turnaddr.Addr{}, 0, ErrShortAddr
		}
		ip := netip.AddrFrom4([4]byte(buf[1:5]))
		port := int(binary.BigEndian.Uint16(buf[5:7]))
		return turnaddr.New(ip, port), 7, nil
	case familyIPv6:
		if len(buf) < 19 {
			return turnaddr.Addr{}, 0, ErrShortAddr
		}
		ip := netip.AddrFrom16([16]byte(buf[1:17]))
		port := int(binary.BigEndian.Uint16(buf[17:19]))
		return turnaddr.New(ip, port), 19, nil
	default:
		return turnaddr.Addr{}, 0, ErrBadFamily
	}
}

// StateNode is one entry of a ProxyStateNotify: {index, external, online}.
type StateNode struct {
	Index    uint8
	External turnaddr.Addr
	Online   bool
}

// EncodeProxyStateNotify serializes the authoritative node view.
func EncodeProxyStateNotify(nodes []StateNode) []byte {
	buf := []byte{byte(len(nodes))}
	for _, n := range nodes {
		buf = append(buf, n.Index)
		buf = append(buf, encodeSocketAddr(n.External)...)
		if n.Online {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodeProxyStateNotify parses the body of a TagProxyStateNotify frame.
func DecodeProxyStateNotify(body []byte) ([]StateNode, error) {
	if len(body) < 1 {
		return nil, ErrShortFrame
	}
	count := int(body[0])
	out := make([]StateNode, 0, count)
	off := 1
	for i := 0; i < count; i++ {
		if off >= len(body) {
			return nil, ErrShortFrame
		}
		index := body[off]
		off++
		addr, n, err := decodeSocketAddr(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if off >= len(body) {
			return nil, ErrShortFrame
		}
		online := body[off] != 0
		off++
		out = append(out, StateNode{Index: index, External: addr, Online: online})
	}
	return out, nil
}

// CreatePermissionMsg instructs the instance marked ID to install a
// permission for Peer on behalf of From.
type CreatePermissionMsg struct {
	ID   uint8
	From turnaddr.Addr
	Peer turnaddr.Addr
}

func EncodeCreatePermission(m CreatePermissionMsg) []byte {
	buf := []byte{m.ID}
	buf = append(buf, encodeSocketAddr(m.From)...)
	buf = append(buf, encodeSocketAddr(m.Peer)...)
	return buf
}

func DecodeCreatePermission(body []byte) (CreatePermissionMsg, error) {
	if len(body) < 1 {
		return CreatePermissionMsg{}, ErrShortFrame
	}
	id := body[0]
	from, n, err := decodeSocketAddr(body[1:])
	if err != nil {
		return CreatePermissionMsg{}, err
	}
	peer, _, err := decodeSocketAddr(body[1+n:])
	if err != nil {
		return CreatePermissionMsg{}, err
	}
	return CreatePermissionMsg{ID: id, From: from, Peer: peer}, nil
}

// RelayMsg carries an opaque relayed datagram to the instance marked
// Dest. Owner is the relayed address (its port identifies the local
// allocation the data is for); Src is stamped as the XOR-PEER-ADDRESS of
// the Data indication delivered to the client holding that allocation.
type RelayMsg struct {
	Dest  uint8
	Owner turnaddr.Addr
	Src   turnaddr.Addr
	Data  []byte
}

func EncodeRelay(m RelayMsg) []byte {
	buf := []byte{m.Dest}
	buf = append(buf, encodeSocketAddr(m.Owner)...)
	buf = append(buf, encodeSocketAddr(m.Src)...)
	buf = append(buf, m.Data...)
	return buf
}

func DecodeRelay(body []byte) (RelayMsg, error) {
	if len(body) < 1 {
		return RelayMsg{}, ErrShortFrame
	}
	dest := body[0]
	owner, n, err := decodeSocketAddr(body[1:])
	if err != nil {
		return RelayMsg{}, err
	}
	src, n2, err := decodeSocketAddr(body[1+n:])
	if err != nil {
		return RelayMsg{}, err
	}
	data := body[1+n+n2:]
	return RelayMsg{Dest: dest, Owner: owner, Src: src, Data: append([]byte(nil), data...)}, nil
}
