package rendezvous

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/server"
)

// startTestServer runs an unencrypted rendezvous server on loopback and
// returns its port.
func startTestServer(t *testing.T, cfg server.Config) uint16 {
	t.Helper()
	cfg.Addrs = []string{"127.0.0.1:0"}
	cfg.Unencrypted = true
	if cfg.RoomTTL == 0 {
		cfg.RoomTTL = time.Minute
	}
	if cfg.RequestLimit == 0 {
		cfg.RequestLimit = 100
	}
	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(s.Stop)

	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

func TestConnectDomainLoopback(t *testing.T) {
	t.Parallel()
	port := startTestServer(t, server.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatalf("ConnectDomain: %v", err)
	}
	defer conn.Close()

	lc := conn.LocalContact()
	if lc.Empty() {
		t.Error("no local endpoints recorded")
	}
	if lc.V4 == nil || lc.V4.Port == 0 {
		t.Errorf("v4 local endpoint not captured: %+v", lc)
	}
}

func TestFullPairingThroughServer(t *testing.T) {
	t.Parallel()
	port := startTestServer(t, server.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creator, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatalf("creator connect: %v", err)
	}
	defer creator.Close()

	const room = 4242
	if err := creator.CreateRoom(room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	type result struct {
		local, peer contact.FullContact
		err         error
	}
	creatorCh := make(chan result, 1)
	go func() {
		l, p, err := creator.ShareContacts(ctx, room, true)
		creatorCh <- result{l, p, err}
	}()

	joiner, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatalf("joiner connect: %v", err)
	}
	defer joiner.Close()

	jLocal, jPeer, err := joiner.ShareContacts(ctx, room, false)
	if err != nil {
		t.Fatalf("joiner ShareContacts: %v", err)
	}

	cres := <-creatorCh
	if cres.err != nil {
		t.Fatalf("creator ShareContacts: %v", cres.err)
	}

	// What each side received as peer contact is exactly what the other
	// was told about itself.
	if cres.peer.String() != jLocal.String() {
		t.Errorf("creator's peer != joiner's self:\n%s\n%s", cres.peer, jLocal)
	}
	if jPeer.String() != cres.local.String() {
		t.Errorf("joiner's peer != creator's self:\n%s\n%s", jPeer, cres.local)
	}

	// The private endpoints deposited are the dialing sockets' addresses.
	if cres.local.Private.V4 == nil ||
		cres.local.Private.V4.Port != creator.LocalContact().V4.Port {
		t.Error("creator private endpoint mismatch")
	}
}

func TestCreateRoomTaken(t *testing.T) {
	t.Parallel()
	port := startTestServer(t, server.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if err := first.CreateRoom(77); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	second, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.CreateRoom(77); !errors.Is(err, ErrRoomTaken) {
		t.Errorf("CreateRoom = %v, want ErrRoomTaken", err)
	}
}

func TestShareContactsNoSuchRoom(t *testing.T) {
	t.Parallel()
	port := startTestServer(t, server.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, _, err := conn.ShareContacts(ctx, 31337, false); !errors.Is(err, ErrNoSuchRoom) {
		t.Errorf("ShareContacts = %v, want ErrNoSuchRoom", err)
	}
}

func TestShareContactsPeerTimeout(t *testing.T) {
	t.Parallel()
	port := startTestServer(t, server.Config{RoomTTL: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := ConnectDomain(ctx, "localhost", port, false)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.CreateRoom(55); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ShareContacts(ctx, 55, true); !errors.Is(err, ErrPeerTimedOut) {
		t.Errorf("ShareContacts = %v, want ErrPeerTimedOut", err)
	}
}

func TestConnectDomainUnreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Nothing listens on this port.
	if _, err := ConnectDomain(ctx, "localhost", 1, false); err == nil {
		t.Error("connect to dead port succeeded")
	}
}
