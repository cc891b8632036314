// Package contact defines the wire protocol spoken between peerdrop
// clients and the rendezvous server: endpoint records, the client/server
// message set, and the length-prefixed JSON framing both sides use.
package contact

import (
	"fmt"
	"net"
	"strings"
)

// Family tags an endpoint as IPv4 or IPv6.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Endpoint is an IP/port pair. The family is implied by the IP.
type Endpoint struct {
	IP   net.IP `json:"ip"`
	Port uint16 `json:"port"`
}

// Family returns FamilyV4 for IPv4 (including v4-mapped) addresses,
// FamilyV6 otherwise.
func (e Endpoint) Family() Family {
	if e.IP.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

// String renders the endpoint as host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Equal reports whether two endpoints refer to the same address and port.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Port == o.Port && e.IP.Equal(o.IP)
}

// Validate checks that the endpoint has a parseable IP and a non-zero port.
func (e Endpoint) Validate() error {
	if e.IP == nil {
		return fmt.Errorf("endpoint has no IP")
	}
	if e.Port == 0 {
		return fmt.Errorf("endpoint has port 0")
	}
	return nil
}

// Compare orders endpoints for the deterministic AEAD-initiator choice:
// lexicographic on the canonical host:port string, ties broken with v6
// before v4. Returns -1, 0, or +1.
func Compare(a, b Endpoint) int {
	if c := strings.Compare(a.String(), b.String()); c != 0 {
		return c
	}
	af, bf := a.Family(), b.Family()
	if af == bf {
		return 0
	}
	if af == FamilyV6 {
		return -1
	}
	return 1
}

// Initiator decides which peer starts the encrypted-stream handshake:
// the one with the lexicographically smaller public endpoint (v6 wins
// family ties). Both sides evaluate this on the same two contact sets, so
// they agree without exchanging anything. The creator flag breaks the
// degenerate case of missing or identical public endpoints.
func Initiator(local, peer FullContact, isCreator bool) bool {
	a, b := smallestPublic(local), smallestPublic(peer)
	if a == nil || b == nil {
		return isCreator
	}
	if c := Compare(*a, *b); c != 0 {
		return c < 0
	}
	return isCreator
}

func smallestPublic(f FullContact) *Endpoint {
	best := f.Public.V6
	if f.Public.V4 != nil && (best == nil || Compare(*f.Public.V4, *best) < 0) {
		best = f.Public.V4
	}
	return best
}

// EndpointFromAddr converts a net.Addr (as returned by Conn.RemoteAddr)
// into an Endpoint. Only TCP addresses are meaningful here.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return Endpoint{}, fmt.Errorf("not a TCP address: %v", addr)
	}
	ip := tcp.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{IP: ip, Port: uint16(tcp.Port)}, nil
}

// LocalContact is the pair of per-family endpoints a single vantage point
// knows for one client. Either side may be absent.
type LocalContact struct {
	V4 *Endpoint `json:"v4,omitempty"`
	V6 *Endpoint `json:"v6,omitempty"`
}

// Get returns the endpoint for the given family, or nil.
func (c LocalContact) Get(f Family) *Endpoint {
	if f == FamilyV4 {
		return c.V4
	}
	return c.V6
}

// Set stores the endpoint under its own family slot.
func (c *LocalContact) Set(e Endpoint) {
	ep := e
	if ep.Family() == FamilyV4 {
		c.V4 = &ep
	} else {
		c.V6 = &ep
	}
}

// Empty reports whether neither family is present.
func (c LocalContact) Empty() bool {
	return c.V4 == nil && c.V6 == nil
}

// FullContact is everything known about one client: the endpoints it
// reported for itself and the endpoints the server observed.
type FullContact struct {
	Private LocalContact `json:"private"`
	Public  LocalContact `json:"public"`
}

// String renders a compact human-readable form for logs.
func (f FullContact) String() string {
	part := func(label string, c LocalContact) string {
		var ss []string
		if c.V4 != nil {
			ss = append(ss, c.V4.String())
		}
		if c.V6 != nil {
			ss = append(ss, c.V6.String())
		}
		if len(ss) == 0 {
			return label + "=none"
		}
		return label + "=" + strings.Join(ss, ",")
	}
	return part("private", f.Private) + " " + part("public", f.Public)
}
