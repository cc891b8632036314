package rendezvous

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/punch"
)

// connectTimeout bounds one family's resolve+dial+TLS handshake.
const connectTimeout = 5 * time.Second

// Server-sourced errors, mapped from the typed error replies.
var (
	ErrRoomTaken       = errors.New("room code already taken")
	ErrNoSuchRoom      = errors.New("no such room code")
	ErrPeerTimedOut    = errors.New("peer did not arrive before the room expired")
	ErrTooManyRequests = errors.New("rate limited by the rendezvous server")
	ErrBadMessage      = errors.New("rendezvous protocol violation")
)

func errorFromReply(msgType string) error {
	switch msgType {
	case contact.MsgErrorRoomTaken:
		return ErrRoomTaken
	case contact.MsgErrorNoSuchRoomCode:
		return ErrNoSuchRoom
	case contact.MsgErrorPeerTimedOut:
		return ErrPeerTimedOut
	case contact.MsgErrorTooManyRequests:
		return ErrTooManyRequests
	default:
		return fmt.Errorf("%w: server replied %q", ErrBadMessage, msgType)
	}
}

// familyConn is one framed connection to the server, plus the local
// endpoint it was dialed from. The punch will reuse that endpoint.
type familyConn struct {
	conn   net.Conn
	local  contact.Endpoint
	family contact.Family
}

// Conn is a client's rendezvous session: up to one connection per IP
// family, sharing a room code.
type Conn struct {
	v4, v6 *familyConn
}

// Options configures ConnectServer and ConnectAny.
type Options struct {
	// Port overrides the registry/default port when non-zero.
	Port uint16
	// Unencrypted disables TLS. Only honored when set explicitly.
	Unencrypted bool
}

// RandomCode returns a uniformly random non-zero 64-bit value, used for
// fresh room codes and shared secrets.
func RandomCode() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crypto/rand: " + err.Error())
		}
		if v := binary.LittleEndian.Uint64(b[:]); v != 0 {
			return v
		}
	}
}

// ConnectServer opens a rendezvous session to the registry entry with the
// given ID.
func ConnectServer(ctx context.Context, id uint64, opts Options) (*Conn, error) {
	info, ok := ServerByID(id)
	if !ok {
		return nil, fmt.Errorf("unknown server id %d", id)
	}
	return ConnectDomain(ctx, info.Domain, pickPort(info, opts), info.TLS && !opts.Unencrypted)
}

// ConnectAny tries the default servers in randomized order until one
// accepts a connection on at least one family. It returns the session and
// the ID of the server that worked.
func ConnectAny(ctx context.Context, opts Options) (*Conn, uint64, error) {
	var lastErr error
	for _, info := range shuffledServers() {
		c, err := ConnectDomain(ctx, info.Domain, pickPort(info, opts), info.TLS && !opts.Unencrypted)
		if err == nil {
			return c, info.ID, nil
		}
		lastErr = err
		log.Printf("[Connector] %s unreachable: %v", info.Domain, err)
	}
	return nil, 0, fmt.Errorf("all default servers failed: %w", lastErr)
}

func pickPort(info ServerInfo, opts Options) uint16 {
	if opts.Port != 0 {
		return opts.Port
	}
	return info.Port
}

// ConnectDomain resolves the domain per family and opens an independent
// transport for each family that resolves. TLS verifies against the
// host's system trust roots with the domain as SNI. At least one family
// must connect.
func ConnectDomain(ctx context.Context, domain string, port uint16, useTLS bool) (*Conn, error) {
	c := &Conn{}
	v4, err4 := connectFamily(ctx, domain, port, useTLS, contact.FamilyV4)
	if err4 == nil {
		c.v4 = v4
	}
	v6, err6 := connectFamily(ctx, domain, port, useTLS, contact.FamilyV6)
	if err6 == nil {
		c.v6 = v6
	}
	if c.v4 == nil && c.v6 == nil {
		return nil, fmt.Errorf("connect %s: v4: %v; v6: %v", domain, err4, err6)
	}
	return c, nil
}

func connectFamily(ctx context.Context, domain string, port uint16, useTLS bool, fam contact.Family) (*familyConn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	network, lookup := "tcp4", "ip4"
	if fam == contact.FamilyV6 {
		network, lookup = "tcp6", "ip6"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, lookup, domain)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s (%s): %w", domain, lookup, err)
	}

	// Dial with reuse options so the hole punch can bind this same local
	// port for its listener and dialers.
	d := punch.ReuseDialer(nil)
	raw, err := d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", domain, err)
	}

	local, err := contact.EndpointFromAddr(raw.LocalAddr())
	if err != nil {
		raw.Close()
		return nil, err
	}

	conn := raw
	if useTLS {
		tc := tls.Client(raw, &tls.Config{ServerName: domain})
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", domain, err)
		}
		conn = tc
	}
	log.Printf("[Connector] Connected to %s via %s from %s", domain, network, local)
	return &familyConn{conn: conn, local: local, family: fam}, nil
}

// Close shuts both family connections.
func (c *Conn) Close() {
	for _, fc := range c.conns() {
		fc.conn.Close()
	}
}

func (c *Conn) conns() []*familyConn {
	var out []*familyConn
	if c.v4 != nil {
		out = append(out, c.v4)
	}
	if c.v6 != nil {
		out = append(out, c.v6)
	}
	return out
}

// primary returns the connection DoneSending is issued on.
func (c *Conn) primary() *familyConn {
	if c.v4 != nil {
		return c.v4
	}
	return c.v6
}

// roundTrip sends one message and decodes one reply on a family connection.
func (fc *familyConn) roundTrip(msg contact.ClientMsg) (contact.ServerMsg, error) {
	var reply contact.ServerMsg
	if err := contact.WriteMsg(fc.conn, msg); err != nil {
		return reply, err
	}
	if err := contact.ReadMsg(fc.conn, &reply); err != nil {
		return reply, err
	}
	return reply, nil
}

// CreateRoom asks the server to mint the room. Sent on the primary
// connection only; the other family joins the room by code.
func (c *Conn) CreateRoom(roomCode uint64) error {
	reply, err := c.primary().roundTrip(contact.ClientMsg{Type: contact.MsgCreateRoom, RoomCode: roomCode})
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if reply.Type != contact.MsgRoomCreated {
		return errorFromReply(reply.Type)
	}
	return nil
}

// ShareContacts publishes this client's endpoints on every family
// connection, declares it done, and blocks until the server has paired it
// with the peer. It returns the server's view of this client and the
// peer's full contact. The wait is bounded by the room TTL server-side
// and by ctx here.
func (c *Conn) ShareContacts(ctx context.Context, roomCode uint64, isCreator bool) (local, peer contact.FullContact, err error) {
	for _, fc := range c.conns() {
		private := fc.local
		reply, rerr := fc.roundTrip(contact.ClientMsg{
			Type:      contact.MsgSendAddr,
			RoomCode:  roomCode,
			IsCreator: isCreator,
			Private:   &private,
			Family:    fc.family,
		})
		if rerr != nil {
			return local, peer, fmt.Errorf("send addr (%s): %w", fc.family, rerr)
		}
		if reply.Type != contact.MsgReceivedAddr {
			return local, peer, errorFromReply(reply.Type)
		}
	}

	pc := c.primary()
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetReadDeadline(deadline)
		defer pc.conn.SetReadDeadline(time.Time{})
	}

	reply, rerr := pc.roundTrip(contact.ClientMsg{
		Type:      contact.MsgDoneSending,
		RoomCode:  roomCode,
		IsCreator: isCreator,
	})
	if rerr != nil {
		return local, peer, fmt.Errorf("done sending: %w", rerr)
	}
	if reply.Type != contact.MsgClientContact || reply.Full == nil {
		return local, peer, errorFromReply(reply.Type)
	}
	local = *reply.Full
	log.Printf("[Connector] Server sees us as: %s", local)

	// PeerContact arrives on the same connection once the peer is done.
	var peerMsg contact.ServerMsg
	if rerr := contact.ReadMsg(pc.conn, &peerMsg); rerr != nil {
		return local, peer, fmt.Errorf("wait for peer: %w", rerr)
	}
	if peerMsg.Type != contact.MsgPeerContact || peerMsg.Full == nil {
		return local, peer, errorFromReply(peerMsg.Type)
	}
	peer = *peerMsg.Full
	log.Printf("[Connector] Peer contact: %s", peer)
	return local, peer, nil
}

// LocalContact reports the private endpoints of the open connections,
// which are also the punch engine's bind points.
func (c *Conn) LocalContact() contact.LocalContact {
	var lc contact.LocalContact
	for _, fc := range c.conns() {
		lc.Set(fc.local)
	}
	return lc
}
