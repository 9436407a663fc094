// Package turnaddr defines the socket address type shared by the router's
// sub-tables. net/netip.Addr is comparable, so an Addr can key a map
// directly without the string-rendering dance net.IP would need.
package turnaddr

import (
	"fmt"
	"net/netip"
)

// Addr is a client or peer socket address as seen by the server.
type Addr struct {
	IP   netip.Addr
	Port int
}

func New(ip netip.Addr, port int) Addr {
	return Addr{IP: ip.Unmap(), Port: port}
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a Addr) IsValid() bool {
	return a.IP.IsValid()
}
