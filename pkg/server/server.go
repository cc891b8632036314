package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/ratelimit"
)

var tracer = otel.Tracer("peerdrop.server")

// Config holds the rendezvous server configuration.
type Config struct {
	// Addrs are the listen addresses, e.g. "0.0.0.0:2311" and "[::]:2311".
	Addrs []string
	// Certificate enables TLS when non-nil. Plain TCP must be asked for
	// explicitly by leaving it nil AND setting Unencrypted.
	Certificate *tls.Certificate
	Unencrypted bool
	// RoomTTL bounds a room's lifetime. Zero means DefaultRoomTTL.
	RoomTTL time.Duration
	// RequestLimit is the per-IP per-minute cap on CreateRoom and
	// unknown-room requests. Zero means ratelimit.DefaultLimit.
	RequestLimit int
}

// Server is the rendezvous service instance. All state (rooms, limiter,
// TTL sweeping) lives in the process; nothing survives a restart.
type Server struct {
	cfg     Config
	rooms   *roomMap
	limiter *ratelimit.IPRateLimiter

	ctx       context.Context
	cancel    context.CancelFunc
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New validates the configuration and builds a stopped server.
func New(cfg Config) (*Server, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("no listen addresses")
	}
	if cfg.Certificate == nil && !cfg.Unencrypted {
		return nil, fmt.Errorf("no certificate configured; pass Unencrypted to serve plain TCP")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		rooms:   newRoomMap(cfg.RoomTTL),
		limiter: ratelimit.New(cfg.RequestLimit, time.Minute, ratelimit.DefaultMaxIPs),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start binds every configured address and begins accepting.
func (s *Server) Start() error {
	for _, addr := range s.cfg.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		if s.cfg.Certificate != nil {
			ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*s.cfg.Certificate}})
		}
		s.listeners = append(s.listeners, ln)
		log.Printf("[Server] Listening on %s (tls=%v)", addr, s.cfg.Certificate != nil)

		s.wg.Add(1)
		go func(ln net.Listener) {
			defer s.wg.Done()
			s.acceptLoop(ln)
		}(ln)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rooms.sweep(s.ctx)
	}()
	return nil
}

// Addr returns the first listener's bound address. Useful when Start was
// given a ":0" address.
func (s *Server) Addr() string {
	if len(s.listeners) == 0 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

// Stop closes the listeners, expires every live room so waiting clients
// get a timely ErrorPeerTimedOut, and waits for handlers to drain.
func (s *Server) Stop() {
	s.cancel()
	s.closeListeners()
	s.wg.Wait()
	log.Printf("[Server] Stopped")
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[Server] Accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConn(conn)
		}(conn)
	}
}

// connState tracks what one connection has already claimed: once a
// connection binds to a room and slot, switching is a protocol violation.
type connState struct {
	roomCode  uint64
	isCreator bool
	bound     bool
}

// handleConn reads framed messages until the connection is done, errors,
// or the pairing completes. Replies go out in strict request order;
// PeerContact follows the ClientContact on the same connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Unblock any pending read when the server shuts down, so Stop does
	// not wait out a client's idle deadline.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	ttl := s.rooms.ttl
	var st connState

	for {
		// A client may idle while its peer dawdles, but never longer
		// than a room could live.
		conn.SetReadDeadline(time.Now().Add(ttl))

		var msg contact.ClientMsg
		if err := contact.ReadMsg(conn, &msg); err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			s.reply(conn, contact.MsgErrorSyntax)
			return
		}
		if err := msg.Validate(); err != nil {
			log.Printf("[Server] %s: %v", ip, err)
			s.reply(conn, contact.MsgErrorSyntax)
			return
		}

		switch msg.Type {
		case contact.MsgCreateRoom:
			if !s.handleCreateRoom(conn, ip, &st, msg) {
				return
			}
		case contact.MsgSendAddr:
			if !s.handleSendAddr(conn, ip, &st, msg) {
				return
			}
		case contact.MsgDoneSending:
			// No read follows; shutdown ends the peer wait through room
			// expiry instead, so the waiter still gets its timeout reply.
			stop()
			s.handleDoneSending(conn, ip, &st, msg)
			return
		}
	}
}

func (s *Server) handleCreateRoom(conn net.Conn, ip string, st *connState, msg contact.ClientMsg) bool {
	if st.bound {
		s.reply(conn, contact.MsgErrorUnexpectedMsg)
		return false
	}
	if !s.limiter.Allow(ip) {
		metricRateLimited.Add(s.ctx, 1)
		log.Printf("[Server] %s rate limited", ip)
		s.reply(conn, contact.MsgErrorTooManyRequests)
		return false
	}
	if _, err := s.rooms.create(msg.RoomCode); err != nil {
		s.reply(conn, contact.MsgErrorRoomTaken)
		return false
	}
	metricRoomsCreated.Add(s.ctx, 1)
	metricRoomsActive.Add(s.ctx, 1)
	st.roomCode = msg.RoomCode
	st.isCreator = true
	st.bound = true
	log.Printf("[Room] %d created by %s", msg.RoomCode, ip)
	return s.reply(conn, contact.MsgRoomCreated)
}

// lookupRoom resolves a referenced room, charging the limiter for
// unknown codes. In-room traffic is never limited.
func (s *Server) lookupRoom(conn net.Conn, ip string, code uint64) (*room, bool) {
	r, ok := s.rooms.get(code)
	if ok {
		return r, true
	}
	if !s.limiter.Allow(ip) {
		metricRateLimited.Add(s.ctx, 1)
		s.reply(conn, contact.MsgErrorTooManyRequests)
		return nil, false
	}
	s.reply(conn, contact.MsgErrorNoSuchRoomCode)
	return nil, false
}

func (s *Server) handleSendAddr(conn net.Conn, ip string, st *connState, msg contact.ClientMsg) bool {
	if st.bound && (st.roomCode != msg.RoomCode || st.isCreator != msg.IsCreator) {
		s.reply(conn, contact.MsgErrorUnexpectedMsg)
		return false
	}
	r, ok := s.lookupRoom(conn, ip, msg.RoomCode)
	if !ok {
		return false
	}

	public, err := contact.EndpointFromAddr(conn.RemoteAddr())
	if err != nil {
		s.reply(conn, contact.MsgErrorSyntax)
		return false
	}
	if err := r.setAddr(msg.IsCreator, msg.Private, public); err != nil {
		s.reply(conn, contact.MsgErrorUnexpectedMsg)
		return false
	}
	st.roomCode = msg.RoomCode
	st.isCreator = msg.IsCreator
	st.bound = true
	return s.reply(conn, contact.MsgReceivedAddr)
}

func (s *Server) handleDoneSending(conn net.Conn, ip string, st *connState, msg contact.ClientMsg) {
	if st.bound && (st.roomCode != msg.RoomCode || st.isCreator != msg.IsCreator) {
		s.reply(conn, contact.MsgErrorUnexpectedMsg)
		return
	}
	r, ok := s.lookupRoom(conn, ip, msg.RoomCode)
	if !ok {
		return
	}

	ctx, span := tracer.Start(s.ctx, "room.pair",
		trace.WithAttributes(attribute.String("client.ip", ip)))
	defer span.End()

	full, err := r.setDone(msg.IsCreator)
	if err != nil {
		s.reply(conn, contact.MsgErrorUnexpectedMsg)
		return
	}
	if !s.reply(conn, contact.MsgClientContact, &full) {
		return
	}

	// Suspend until the peer slot is also done, then hand over its
	// contact on this same connection. The TTL sweep unblocks us if the
	// peer never shows.
	conn.SetReadDeadline(time.Time{})
	peer, err := r.waitPeer(ctx, msg.IsCreator)
	if err != nil {
		log.Printf("[Room] %d: peer wait ended: %v", msg.RoomCode, err)
		s.reply(conn, contact.MsgErrorPeerTimedOut)
		return
	}
	if !s.reply(conn, contact.MsgPeerContact, &peer) {
		return
	}
	log.Printf("[Room] %d: delivered peer contact", msg.RoomCode)

	if r.bothDone() && s.rooms.remove(msg.RoomCode) {
		metricRoomsPaired.Add(s.ctx, 1)
		metricRoomsActive.Add(s.ctx, -1)
	}
}

// reply writes one server message; the contact payload is optional.
// Returns false when the write fails and the connection is useless.
func (s *Server) reply(conn net.Conn, msgType string, full ...*contact.FullContact) bool {
	out := contact.ServerMsg{Type: msgType}
	if len(full) > 0 {
		out.Full = full[0]
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	if err := contact.WriteMsg(conn, out); err != nil {
		log.Printf("[Server] Write failed: %v", err)
		return false
	}
	return true
}
