package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
)

func testEndpoint(ip string, port uint16) contact.Endpoint {
	return contact.Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestRoomMapCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := newRoomMap(time.Minute)
	if _, err := m.create(42); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.create(42); !errors.Is(err, ErrRoomTaken) {
		t.Errorf("duplicate create = %v, want ErrRoomTaken", err)
	}
	if !m.remove(42) {
		t.Error("remove reported missing room")
	}
	if m.remove(42) {
		t.Error("second remove reported success")
	}
	// The code is free again after removal.
	if _, err := m.create(42); err != nil {
		t.Errorf("create after remove: %v", err)
	}
}

func TestRoomSlotLifecycle(t *testing.T) {
	t.Parallel()
	r := newRoom(1)

	private := testEndpoint("192.168.0.2", 5000)
	public := testEndpoint("203.0.113.2", 6000)
	if err := r.setAddr(true, &private, public); err != nil {
		t.Fatalf("setAddr: %v", err)
	}

	// Second family connection updates the same slot.
	public6 := testEndpoint("2001:db8::2", 6001)
	if err := r.setAddr(true, nil, public6); err != nil {
		t.Fatalf("setAddr v6: %v", err)
	}

	full, err := r.setDone(true)
	if err != nil {
		t.Fatalf("setDone: %v", err)
	}
	if full.Private.V4 == nil || !full.Private.V4.Equal(private) {
		t.Error("private v4 lost")
	}
	if full.Public.V4 == nil || !full.Public.V4.Equal(public) {
		t.Error("public v4 lost")
	}
	if full.Public.V6 == nil || !full.Public.V6.Equal(public6) {
		t.Error("public v6 lost")
	}

	// Publishing after done is rejected.
	if err := r.setAddr(true, &private, public); !errors.Is(err, ErrSlotDone) {
		t.Errorf("setAddr after done = %v, want ErrSlotDone", err)
	}
	// A second done (the other family's connection) is idempotent.
	if _, err := r.setDone(true); err != nil {
		t.Errorf("repeated setDone: %v", err)
	}
}

func TestRoomDoneRequiresAddr(t *testing.T) {
	t.Parallel()
	r := newRoom(1)
	if _, err := r.setDone(false); err == nil {
		t.Error("done before send_addr accepted")
	}
}

func TestRoomWaitPeer(t *testing.T) {
	t.Parallel()
	r := newRoom(1)
	pub := testEndpoint("203.0.113.9", 1)
	r.setAddr(false, nil, pub)

	done := make(chan contact.FullContact, 1)
	go func() {
		full, err := r.waitPeer(context.Background(), true)
		if err != nil {
			t.Errorf("waitPeer: %v", err)
		}
		done <- full
	}()

	r.setDone(false)
	select {
	case full := <-done:
		if full.Public.V4 == nil || !full.Public.V4.Equal(pub) {
			t.Error("waitPeer returned wrong contact")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitPeer did not wake up")
	}
}

func TestRoomWaitPeerExpiry(t *testing.T) {
	t.Parallel()
	r := newRoom(1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.expire()
	}()
	if _, err := r.waitPeer(context.Background(), true); !errors.Is(err, ErrRoomExpired) {
		t.Errorf("waitPeer = %v, want ErrRoomExpired", err)
	}
	// A second expire must not panic.
	r.expire()
}

func TestRoomSweep(t *testing.T) {
	t.Parallel()
	m := newRoomMap(50 * time.Millisecond)
	r, _ := m.create(9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.sweep(ctx)

	select {
	case <-r.expireCh:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not expire the room")
	}
	if _, ok := m.get(9); ok {
		t.Error("expired room still in map")
	}
}
