// Package punch implements TCP hole punching: from one reusable local
// port per address family it simultaneously listens and dials every
// candidate endpoint of the peer, authenticates each raw connection with
// a PAKE, and hands back the first socket that proves the shared secret.
package punch

import (
	"net"
	"syscall"
)

// controlReuse enables address and port reuse before bind. The punch
// depends on it: the NAT mapping the rendezvous server observed is only
// valid for the exact local port, which must serve the listener and every
// outbound dial at once.
func controlReuse(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = setReuseOptions(fd)
	}); err != nil {
		return err
	}
	return serr
}

// ListenConfig returns a net.ListenConfig that binds with SO_REUSEADDR
// and, where the platform has it, SO_REUSEPORT.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: controlReuse}
}

// ReuseDialer returns a net.Dialer bound to laddr with the same reuse
// options, so outbound connects share the listening port.
func ReuseDialer(laddr net.Addr) *net.Dialer {
	return &net.Dialer{LocalAddr: laddr, Control: controlReuse}
}
