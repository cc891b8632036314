// Package server implements the peerdrop rendezvous service: it mints
// rooms, collects each client's observed addresses, and swaps contact
// sets once both sides of a room have finished publishing.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
)

// DefaultRoomTTL is how long a room may exist before it is swept.
const DefaultRoomTTL = 10 * time.Minute

var (
	// ErrRoomTaken means CreateRoom hit a live room with the same code.
	ErrRoomTaken = errors.New("room code taken")
	// ErrRoomExpired means the room's TTL fired while a client waited.
	ErrRoomExpired = errors.New("room expired")
	// ErrSlotDone means a slot tried to publish after DoneSending.
	ErrSlotDone = errors.New("slot already done")
)

// slot is one client's half of a room.
type slot struct {
	filled bool
	done   bool
	full   contact.FullContact
	doneCh chan struct{} // closed when this slot reaches done
}

// room pairs two clients under one code. All slot access goes through the
// room mutex; waiting happens on the slot doneCh / room expire channels
// outside the lock.
type room struct {
	code    uint64
	created time.Time

	mu       sync.Mutex
	slots    [2]*slot
	expireCh chan struct{}
	expired  bool
}

func newRoom(code uint64) *room {
	return &room{
		code:    code,
		created: time.Now(),
		slots: [2]*slot{
			{doneCh: make(chan struct{})},
			{doneCh: make(chan struct{})},
		},
		expireCh: make(chan struct{}),
	}
}

func slotIndex(isCreator bool) int {
	if isCreator {
		return 0
	}
	return 1
}

// setAddr deposits a private endpoint (may be nil) and the observed
// public endpoint into the slot. Repeated calls update the endpoint for
// their family, since a client connects once per family. A done slot is
// immutable.
func (r *room) setAddr(isCreator bool, private *contact.Endpoint, public contact.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[slotIndex(isCreator)]
	if s.done {
		return ErrSlotDone
	}
	s.filled = true
	if private != nil {
		s.full.Private.Set(*private)
	}
	s.full.Public.Set(public)
	return nil
}

// setDone marks the slot done and returns the contact the server will
// report back to its owner. Idempotent: the second family connection may
// also declare done.
func (r *room) setDone(isCreator bool) (contact.FullContact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[slotIndex(isCreator)]
	if !s.filled {
		return contact.FullContact{}, fmt.Errorf("done before any send_addr")
	}
	if !s.done {
		s.done = true
		close(s.doneCh)
	}
	return s.full, nil
}

// waitPeer blocks until the opposite slot is done, the room expires, or
// ctx ends, and returns the peer's contact.
func (r *room) waitPeer(ctx context.Context, isCreator bool) (contact.FullContact, error) {
	peer := r.slots[slotIndex(!isCreator)]
	select {
	case <-peer.doneCh:
		r.mu.Lock()
		defer r.mu.Unlock()
		return peer.full, nil
	case <-r.expireCh:
		return contact.FullContact{}, ErrRoomExpired
	case <-ctx.Done():
		return contact.FullContact{}, ctx.Err()
	}
}

// bothDone reports whether the room has served its purpose.
func (r *room) bothDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[0].done && r.slots[1].done
}

// expire fires the TTL signal once.
func (r *room) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.expired {
		r.expired = true
		close(r.expireCh)
	}
}

// roomMap is the server's live-room table. Room codes are unique across
// live rooms; a swept or completed room frees its code.
type roomMap struct {
	mu    sync.Mutex
	rooms map[uint64]*room
	ttl   time.Duration
}

func newRoomMap(ttl time.Duration) *roomMap {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &roomMap{rooms: make(map[uint64]*room), ttl: ttl}
}

func (m *roomMap) create(code uint64) (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[code]; exists {
		return nil, ErrRoomTaken
	}
	r := newRoom(code)
	m.rooms[code] = r
	return r, nil
}

func (m *roomMap) get(code uint64) (*room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[code]
	return r, ok
}

// remove deletes the room and reports whether this call deleted it, so
// the two paired handlers account for the room exactly once.
func (m *roomMap) remove(code uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[code]; !ok {
		return false
	}
	delete(m.rooms, code)
	return true
}

// sweep expires and removes rooms older than the TTL. Runs until ctx ends;
// on shutdown every remaining room is expired so waiters drain promptly.
func (m *roomMap) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for code, r := range m.rooms {
				if r.created.Before(cutoff) {
					r.expire()
					delete(m.rooms, code)
					metricRoomsExpired.Add(ctx, 1)
					metricRoomsActive.Add(ctx, -1)
				}
			}
			m.mu.Unlock()
		case <-ctx.Done():
			m.mu.Lock()
			for code, r := range m.rooms {
				r.expire()
				delete(m.rooms, code)
				metricRoomsActive.Add(ctx, -1)
			}
			m.mu.Unlock()
			return
		}
	}
}
