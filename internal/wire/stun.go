// Package wire implements the STUN/TURN message codec the processor
// consumes: parsing and building RFC 5389/8656 messages, long-term
// credential MESSAGE-INTEGRITY, FINGERPRINT, and the ChannelData framing
// of RFC 8656 §12. It has zero third-party dependencies by design — it
// plays the role of the "separate library" called out in the spec this
// server implements, and is exercised entirely through the Message and
// Builder types below.
package wire

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // mandated by RFC 5389 long-term credentials
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
)

// Header and magic cookie, RFC 5389 §6.
const (
	HeaderSize     = 20
	MagicCookie    = 0x2112A442
	fingerprintXOR = 0x5354554E
)

// STUN/TURN methods used by this server.
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003
	MethodRefresh          = 0x004
	MethodSend             = 0x006
	MethodData             = 0x007
	MethodCreatePermission = 0x008
	MethodChannelBind      = 0x009
)

// STUN message classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// Attribute types.
const (
	AttrMappedAddress      = 0x0001
	AttrUsername           = 0x0006
	AttrMessageIntegrity   = 0x0008
	AttrErrorCode          = 0x0009
	AttrChannelNumber      = 0x000C
	AttrLifetime           = 0x000D
	AttrXORPeerAddress     = 0x0012
	AttrData               = 0x0013
	AttrRealm              = 0x0014
	AttrNonce              = 0x0015
	AttrXORRelayedAddress  = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXORMappedAddress   = 0x0020
	AttrSoftware           = 0x8022
	AttrFingerprint        = 0x8028
)

// Address families used in XOR-address attributes.
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// RequestedTransportUDP is the REQUESTED-TRANSPORT protocol number for UDP (RFC 8656 §14.7).
const RequestedTransportUDP = 17

// ERROR-CODE values this server can emit (RFC 5389/8656).
const (
	CodeBadRequest          = 400
	CodeUnauthorized        = 401
	CodeForbidden           = 403
	CodeAllocationMismatch  = 437
	CodeStaleNonce          = 438
	CodeUnsupportedTransport = 442
	CodeAllocationQuota     = 486
	CodeInsufficientCapacity = 508
)

// MessageType encodes method and class into the 16-bit STUN type field.
// The bit interleaving is defined by RFC 5389 §6.
func MessageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

// ParseType extracts method and class from a STUN message type field.
func ParseType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// Message is a parsed STUN message.
type Message struct {
	Method        int
	Class         int
	TransactionID [12]byte
	Attributes    []Attribute
}

// Attribute is a raw STUN attribute (type-length-value).
type Attribute struct {
	Type  uint16
	Value []byte
}

// Address is a decoded (unXORed) socket address carried in an XOR-address attribute.
type Address struct {
	IP   net.IP
	Port int
}

// IsChannelData reports whether data begins with a ChannelData header
// (RFC 8656 §12): channel numbers occupy [0x4000, 0x7FFF].
func IsChannelData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	return ch >= 0x4000 && ch <= 0x7FFF
}

// IsSTUN reports whether data looks like a STUN message: top two bits of
// the first byte are zero and the magic cookie is present.
func IsSTUN(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == MagicCookie
}

// ChannelData is a parsed ChannelData frame.
type ChannelData struct {
	ChannelNumber uint16
	Data          []byte
}

// ParseChannelData parses a ChannelData frame. On UDP the 4-byte padding
// to a boundary is omitted on the wire (RFC 8656 §12.4), so no padding
// is assumed here; callers framing for TCP must pad before sending.
func ParseChannelData(data []byte) (ChannelData, error) {
	if len(data) < 4 {
		return ChannelData{}, fmt.Errorf("channel data too short: %d bytes", len(data))
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-4 {
		return ChannelData{}, fmt.Errorf("channel data length %d exceeds available %d", length, len(data)-4)
	}
	return ChannelData{ChannelNumber: ch, Data: data[4 : 4+length]}, nil
}

// BuildChannelData builds a ChannelData frame for UDP (no trailing padding).
func BuildChannelData(channelNumber uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], channelNumber)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// Parse parses a STUN message from raw bytes. It does not validate
// MESSAGE-INTEGRITY or FINGERPRINT; use CheckIntegrity/CheckFingerprint.
func Parse(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("message too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie {
		return Message{}, fmt.Errorf("bad magic cookie: %#x", cookie)
	}
	if int(msgLen)+HeaderSize > len(data) {
		return Message{}, fmt.Errorf("message length %d exceeds available %d", msgLen, len(data)-HeaderSize)
	}

	method, class := ParseType(msgType)

	var txID [12]byte
	copy(txID[:], data[8:20])

	msg := Message{Method: method, Class: class, TransactionID: txID}

	offset := HeaderSize
	end := HeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		if offset+4+int(attrLen) > end {
			return Message{}, fmt.Errorf("attribute %#x length %d exceeds message", attrType, attrLen)
		}
		value := make([]byte, attrLen)
		copy(value, data[offset+4:offset+4+int(attrLen)])
		msg.Attributes = append(msg.Attributes, Attribute{Type: attrType, Value: value})
		offset += 4 + ((int(attrLen) + 3) &^ 3)
	}

	return msg, nil
}

// GetAttr returns the first attribute of the given type, or nil.
func (m *Message) GetAttr(attrType uint16) []byte {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a.Value
		}
	}
	return nil
}

// GetAttrs returns every attribute of the given type, in message order.
func (m *Message) GetAttrs(attrType uint16) [][]byte {
	var out [][]byte
	for _, a := range m.Attributes {
		if a.Type == attrType {
			out = append(out, a.Value)
		}
	}
	return out
}

// GetUsername returns the USERNAME attribute, or "" if absent.
func (m *Message) GetUsername() string {
	if v := m.GetAttr(AttrUsername); v != nil {
		return string(v)
	}
	return ""
}

// GetRealm returns the REALM attribute, or "" if absent.
func (m *Message) GetRealm() string {
	if v := m.GetAttr(AttrRealm); v != nil {
		return string(v)
	}
	return ""
}

// GetNonce returns the NONCE attribute, or "" if absent.
func (m *Message) GetNonce() string {
	if v := m.GetAttr(AttrNonce); v != nil {
		return string(v)
	}
	return ""
}

// GetLifetime returns the LIFETIME attribute in seconds, or 0 if absent.
func (m *Message) GetLifetime() (uint32, bool) {
	v := m.GetAttr(AttrLifetime)
	if v == nil || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// GetRequestedTransport returns the REQUESTED-TRANSPORT protocol number, or 0 if absent.
func (m *Message) GetRequestedTransport() byte {
	v := m.GetAttr(AttrRequestedTransport)
	if v == nil || len(v) < 1 {
		return 0
	}
	return v[0]
}

// GetChannelNumber returns the CHANNEL-NUMBER attribute, and whether it was present.
func (m *Message) GetChannelNumber() (uint16, bool) {
	v := m.GetAttr(AttrChannelNumber)
	if v == nil || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// GetData returns the DATA attribute, or nil if absent.
func (m *Message) GetData() []byte {
	return m.GetAttr(AttrData)
}

// GetXORAddr decodes the first attribute of attrType as an XOR-address.
// Used for XOR-MAPPED-ADDRESS, XOR-RELAYED-ADDRESS, and XOR-PEER-ADDRESS.
func (m *Message) GetXORAddr(attrType uint16) (Address, bool) {
	v := m.GetAttr(attrType)
	if v == nil {
		return Address{}, false
	}
	return decodeXORAddress(v, m.TransactionID)
}

// GetXORPeerAddress decodes the first XOR-PEER-ADDRESS attribute.
func (m *Message) GetXORPeerAddress() (Address, bool) {
	return m.GetXORAddr(AttrXORPeerAddress)
}

// GetXORPeerAddresses decodes every XOR-PEER-ADDRESS attribute, in order.
func (m *Message) GetXORPeerAddresses() []Address {
	vals := m.GetAttrs(AttrXORPeerAddress)
	addrs := make([]Address, 0, len(vals))
	for _, v := range vals {
		if addr, ok := decodeXORAddress(v, m.TransactionID); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func decodeXORAddress(value []byte, txID [12]byte) (Address, bool) {
	if len(value) < 4 {
		return Address{}, false
	}
	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]) ^ uint16(MagicCookie>>16))

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return Address{}, false
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		return Address{IP: ip, Port: port}, true
	case FamilyIPv6:
		if len(value) < 20 {
			return Address{}, false
		}
		ip := make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		for i := 0; i < 12; i++ {
			ip[4+i] = value[8+i] ^ txID[i]
		}
		return Address{IP: ip, Port: port}, true
	default:
		return Address{}, false
	}
}

// Builder constructs a STUN message attribute-by-attribute.
type Builder struct {
	method int
	class  int
	txID   [12]byte
	attrs  []byte
}

// NewBuilder starts a Builder for the given method, class, and transaction ID.
func NewBuilder(method, class int, txID [12]byte) *Builder {
	return &Builder{method: method, class: class, txID: txID}
}

// NewResponse starts a Builder for a response to req, reusing its
// transaction ID as RFC 5389 requires.
func NewResponse(req *Message, class int) *Builder {
	return NewBuilder(req.Method, class, req.TransactionID)
}

// AddRaw appends a raw attribute, padded to a 4-byte boundary.
func (b *Builder) AddRaw(attrType uint16, value []byte) *Builder {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.attrs = append(b.attrs, hdr[:]...)
	b.attrs = append(b.attrs, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		b.attrs = append(b.attrs, make([]byte, pad)...)
	}
	return b
}

// AddString adds a UTF-8 string attribute.
func (b *Builder) AddString(attrType uint16, s string) *Builder {
	return b.AddRaw(attrType, []byte(s))
}

// AddUsername adds a USERNAME attribute.
func (b *Builder) AddUsername(username string) *Builder { return b.AddString(AttrUsername, username) }

// AddRealm adds a REALM attribute.
func (b *Builder) AddRealm(realm string) *Builder { return b.AddString(AttrRealm, realm) }

// AddNonce adds a NONCE attribute.
func (b *Builder) AddNonce(nonce string) *Builder { return b.AddString(AttrNonce, nonce) }

// AddSoftware adds a SOFTWARE attribute.
func (b *Builder) AddSoftware(name string) *Builder { return b.AddString(AttrSoftware, name) }

// AddLifetime adds a LIFETIME attribute in seconds.
func (b *Builder) AddLifetime(seconds uint32) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], seconds)
	return b.AddRaw(AttrLifetime, v[:])
}

// AddErrorCode adds an ERROR-CODE attribute.
func (b *Builder) AddErrorCode(code int, reason string) *Builder {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	return b.AddRaw(AttrErrorCode, value)
}

// AddXORAddress adds an XOR-encoded address attribute (used for
// XOR-MAPPED-ADDRESS, XOR-RELAYED-ADDRESS, and XOR-PEER-ADDRESS).
func (b *Builder) AddXORAddress(attrType uint16, addr Address) *Builder {
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	if ip4 := addr.IP.To4(); ip4 != nil {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
		for i := 0; i < 4; i++ {
			value[4+i] = ip4[i] ^ cookieBytes[i]
		}
		return b.AddRaw(attrType, value)
	}

	ip6 := addr.IP.To16()
	if ip6 == nil {
		return b
	}
	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	for i := 0; i < 4; i++ {
		value[4+i] = ip6[i] ^ cookieBytes[i]
	}
	for i := 0; i < 12; i++ {
		value[8+i] = ip6[4+i] ^ b.txID[i]
	}
	return b.AddRaw(attrType, value)
}

// AddData adds a DATA attribute.
func (b *Builder) AddData(data []byte) *Builder { return b.AddRaw(AttrData, data) }

// AddChannelNumber adds a CHANNEL-NUMBER attribute.
func (b *Builder) AddChannelNumber(ch uint16) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], ch)
	return b.AddRaw(AttrChannelNumber, v[:])
}

// Build finalizes the message. If authKey is non-nil, MESSAGE-INTEGRITY
// (HMAC-SHA1 over the message with LENGTH pre-adjusted) is appended, then
// FINGERPRINT (CRC-32 XORed with 0x5354554E) is always appended last.
func (b *Builder) Build(authKey []byte) []byte {
	buf := b.assemble()

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		buf = appendIntegrity(buf, authKey)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+8))
	return appendFingerprint(buf)
}

// BuildNoFingerprint finalizes the message without a FINGERPRINT
// attribute. Used for indications, where RFC 8656 does not require one.
func (b *Builder) BuildNoFingerprint(authKey []byte) []byte {
	buf := b.assemble()

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		buf = appendIntegrity(buf, authKey)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
	return buf
}

func (b *Builder) assemble() []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)
	return buf
}

func appendIntegrity(buf []byte, authKey []byte) []byte {
	mac := hmac.New(sha1.New, authKey)
	mac.Write(buf)
	integrity := mac.Sum(nil)

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], AttrMessageIntegrity)
	binary.BigEndian.PutUint16(hdr[2:4], 20)
	buf = append(buf, hdr[:]...)
	return append(buf, integrity...)
}

func appendFingerprint(buf []byte) []byte {
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(hdr[2:4], 4)
	buf = append(buf, hdr[:]...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], crc)
	return append(buf, v[:]...)
}

// CheckIntegrity validates the MESSAGE-INTEGRITY attribute against authKey.
func CheckIntegrity(data []byte, authKey []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("message too short")
	}

	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := HeaderSize + msgLen
	if end > len(data) {
		end = len(data)
	}

	miOffset := -1
	offset := HeaderSize
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if attrType == AttrMessageIntegrity {
			miOffset = offset
			break
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	if miOffset < 0 {
		return fmt.Errorf("no MESSAGE-INTEGRITY attribute")
	}
	if miOffset+4+20 > len(data) {
		return fmt.Errorf("MESSAGE-INTEGRITY attribute truncated")
	}

	hashData := make([]byte, miOffset)
	copy(hashData, data[:miOffset])
	binary.BigEndian.PutUint16(hashData[2:4], uint16(miOffset-HeaderSize+4+20))

	mac := hmac.New(sha1.New, authKey)
	mac.Write(hashData)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, data[miOffset+4:miOffset+4+20]) {
		return fmt.Errorf("MESSAGE-INTEGRITY mismatch")
	}
	return nil
}

// CheckFingerprint validates the trailing FINGERPRINT attribute.
func CheckFingerprint(data []byte) error {
	if len(data) < HeaderSize+8 {
		return fmt.Errorf("message too short for fingerprint")
	}

	fpOffset := len(data) - 8
	if binary.BigEndian.Uint16(data[fpOffset:fpOffset+2]) != AttrFingerprint {
		return fmt.Errorf("last attribute is not FINGERPRINT")
	}

	expected := crc32.ChecksumIEEE(data[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(data[fpOffset+4 : fpOffset+8])
	if expected != actual {
		return fmt.Errorf("FINGERPRINT mismatch: expected %#x, got %#x", expected, actual)
	}
	return nil
}

// DeriveAuthKey computes the long-term credential key MD5(username:realm:password)
// used for MESSAGE-INTEGRITY per RFC 5389 §15.4.
func DeriveAuthKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}
