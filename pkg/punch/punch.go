package punch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/crypto"
)

const (
	// DefaultTimeout bounds the whole punch when the caller's context
	// carries no deadline.
	DefaultTimeout = 10 * time.Second

	// connectAttemptTimeout bounds a single TCP connect. NATs answer
	// fast or not at all; short attempts with backoff beat long ones.
	connectAttemptTimeout = 2 * time.Second

	connectBackoffInitial = 100 * time.Millisecond
	connectBackoffMax     = 1 * time.Second
)

var tracer = otel.Tracer("peerdrop.punch")

// Outcome records how far one candidate endpoint got.
type Outcome string

const (
	OutcomeNotTried      Outcome = "not-tried"
	OutcomeConnectFailed Outcome = "connect-failed"
	OutcomeNoPake        Outcome = "tcp-established-but-no-pake"
	OutcomePakeError     Outcome = "pake-protocol-error"
	OutcomeWrongSecret   Outcome = "wrong-secret"
)

// Error is the punch failure summary: one outcome per candidate endpoint.
type Error struct {
	PerCandidate map[string]Outcome
	WrongSecret  bool
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.PerCandidate))
	for k := range e.PerCandidate {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.PerCandidate[k]))
	}
	if e.WrongSecret {
		return "peer reachable but secrets differ (" + strings.Join(parts, "; ") + ")"
	}
	return "no candidate authenticated (" + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes crypto.ErrWrongSecret so callers can errors.Is on it.
func (e *Error) Unwrap() error {
	if e.WrongSecret {
		return crypto.ErrWrongSecret
	}
	return nil
}

// candidate is one peer endpoint plus the local endpoint to punch from.
type candidate struct {
	remote  contact.Endpoint
	local   contact.Endpoint
	private bool
}

// authResult is one socket that finished authentication.
type authResult struct {
	conn    net.Conn
	key     [crypto.KeySize]byte
	private bool
	label   string
}

// Punch races connects and accepts over every candidate endpoint of the
// peer and returns the first socket that authenticates against the shared
// secret, plus the derived session key. All other sockets and listeners
// are torn down before it returns. The engine returns by the context
// deadline (DefaultTimeout when none is set) regardless of progress.
func Punch(ctx context.Context, local, peer contact.FullContact, secret uint64) (net.Conn, [crypto.KeySize]byte, error) {
	var zero [crypto.KeySize]byte

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline, _ := ctx.Deadline()

	ctx, span := tracer.Start(ctx, "punch.attempt")
	defer span.End()

	cands := buildCandidates(local, peer)
	if len(cands) == 0 {
		return nil, zero, fmt.Errorf("peer contact has no candidate endpoints")
	}

	outcomes := newOutcomeSet(cands)
	results := make(chan authResult, 2*len(cands)+4)

	// Every listener, dialer, and in-flight handshake hangs off one
	// errgroup, so returning from Punch leaves nothing running.
	g, ctx := errgroup.WithContext(ctx)

	// One listener per family we hold a local endpoint for; accepted
	// sockets authenticate exactly like dialed ones, with roles flipped.
	listeners, err := openListeners(ctx, local)
	if err != nil {
		return nil, zero, err
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			acceptLoop(ctx, g, ln, secret, deadline, outcomes, results)
			return nil
		})
	}

	for _, c := range cands {
		c := c
		g.Go(func() error {
			dialLoop(ctx, c, secret, deadline, outcomes, results)
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	// Any socket that authenticates after the decision is closed by the
	// drain below, so returning leaves nothing dangling.
	drain := func() {
		for r := range results {
			if r.conn != nil {
				r.conn.Close()
			}
		}
	}

	winner, ok := awaitWinner(ctx, results)
	if !ok {
		cancel()
		drain()
		perr := &Error{PerCandidate: outcomes.snapshot()}
		perr.WrongSecret = outcomes.allWrongSecret()
		span.SetAttributes(attribute.Bool("punch.success", false))
		return nil, zero, perr
	}

	span.SetAttributes(
		attribute.Bool("punch.success", true),
		attribute.String("punch.winner", winner.label),
		attribute.Bool("punch.private", winner.private),
	)
	log.Printf("[Punch] Authenticated peer socket via %s", winner.label)

	// Tear everything else down; drain whatever else authenticated.
	cancel()
	drain()
	return winner.conn, winner.key, nil
}

// awaitWinner blocks for the first authenticated socket, then briefly
// drains the channel: a private-endpoint socket that authenticated in the
// same scheduling quantum is preferred over a public one (same LAN).
func awaitWinner(ctx context.Context, results chan authResult) (authResult, bool) {
	for {
		select {
		case r, open := <-results:
			if !open {
				return authResult{}, false
			}
			if r.conn == nil {
				continue
			}
			if r.private {
				return r, true
			}
			winner := r
			for {
				select {
				case other, open := <-results:
					if !open {
						return winner, true
					}
					if other.conn == nil {
						continue
					}
					if other.private {
						winner.conn.Close()
						return other, true
					}
					other.conn.Close()
				default:
					return winner, true
				}
			}
		case <-ctx.Done():
			return authResult{}, false
		}
	}
}

// buildCandidates pairs each peer endpoint with the same-family local
// endpoint, private before public, duplicates removed. A family the local
// host did not use contributes nothing.
func buildCandidates(local, peer contact.FullContact) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	add := func(remote *contact.Endpoint, private bool) {
		if remote == nil {
			return
		}
		laddr := local.Private.Get(remote.Family())
		if laddr == nil {
			return
		}
		key := remote.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, candidate{remote: *remote, local: *laddr, private: private})
	}
	add(peer.Private.V4, true)
	add(peer.Private.V6, true)
	add(peer.Public.V4, false)
	add(peer.Public.V6, false)
	return out
}

func openListeners(ctx context.Context, local contact.FullContact) ([]net.Listener, error) {
	var out []net.Listener
	lc := ListenConfig()
	for _, ep := range []*contact.Endpoint{local.Private.V4, local.Private.V6} {
		if ep == nil {
			continue
		}
		network := "tcp4"
		if ep.Family() == contact.FamilyV6 {
			network = "tcp6"
		}
		ln, err := lc.Listen(ctx, network, ep.String())
		if err != nil {
			for _, l := range out {
				l.Close()
			}
			return nil, fmt.Errorf("listen on %s: %w", ep, err)
		}
		out = append(out, ln)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no local endpoints to listen on")
	}
	return out, nil
}

// acceptLoop authenticates every inbound socket until the context ends.
// The listener is closed by the caller; Accept then fails and ends the loop.
func acceptLoop(ctx context.Context, g *errgroup.Group, ln net.Listener, secret uint64, deadline time.Time, outcomes *outcomeSet, results chan<- authResult) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		g.Go(func() error {
			label := "accept:" + conn.RemoteAddr().String()
			authenticate(ctx, conn, secret, false, false, deadline, label, outcomes, results)
			return nil
		})
	}
}

// dialLoop retries TCP connects to one candidate with exponential backoff
// until the deadline, then authenticates the socket it got.
func dialLoop(ctx context.Context, c candidate, secret uint64, deadline time.Time, outcomes *outcomeSet, results chan<- authResult) {
	laddr, err := net.ResolveTCPAddr("tcp", c.local.String())
	if err != nil {
		outcomes.record(c.remote.String(), OutcomeConnectFailed)
		return
	}
	network := "tcp4"
	if c.remote.Family() == contact.FamilyV6 {
		network = "tcp6"
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectBackoffInitial
	bo.MaxInterval = connectBackoffMax
	bo.MaxElapsedTime = 0 // the context deadline is the budget

	var conn net.Conn
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, connectAttemptTimeout)
		defer cancel()
		d := ReuseDialer(laddr)
		var derr error
		conn, derr = d.DialContext(attemptCtx, network, c.remote.String())
		return derr
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		outcomes.record(c.remote.String(), OutcomeConnectFailed)
		return
	}

	label := "dial:" + c.remote.String()
	if c.private {
		label = "dial-private:" + c.remote.String()
	}
	authenticate(ctx, conn, secret, true, c.private, deadline, label, outcomes, results)
}

// authenticate runs the PAKE on one raw socket and reports the result.
// Failed sockets are closed here; winners are handed to the results channel.
// Cancellation closes the socket immediately, so a losing arm stuck in the
// handshake is torn down as soon as another arm wins.
func authenticate(ctx context.Context, conn net.Conn, secret uint64, dialer, private bool, deadline time.Time, label string, outcomes *outcomeSet, results chan<- authResult) {
	remote := conn.RemoteAddr().String()
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	key, err := crypto.Authenticate(conn, secret, dialer, deadline)
	if err == nil {
		// Disarm the watchdog before handing the socket over; losing the
		// race means the context ended and the socket is already dead.
		if !stop() {
			return
		}
		select {
		case results <- authResult{conn: conn, key: key, private: private, label: label}:
		case <-ctx.Done():
			conn.Close()
		}
		return
	}
	defer stop()

	switch {
	case errors.Is(err, crypto.ErrWrongSecret):
		outcomes.record(remote, OutcomeWrongSecret)
	case errors.Is(err, crypto.ErrPakeProtocol):
		outcomes.record(remote, OutcomePakeError)
	default:
		// Transport died mid-handshake: TCP worked, the PAKE never finished.
		outcomes.record(remote, OutcomeNoPake)
	}
	if ctx.Err() == nil {
		log.Printf("[Punch] %s failed: %v", label, err)
	}
	conn.Close()
}

// outcomeSet tracks the per-candidate outcome map under a lock.
type outcomeSet struct {
	mu sync.Mutex
	m  map[string]Outcome
	// established marks candidates that reached the PAKE at least once.
	established map[string]bool
}

func newOutcomeSet(cands []candidate) *outcomeSet {
	s := &outcomeSet{m: make(map[string]Outcome), established: make(map[string]bool)}
	for _, c := range cands {
		s.m[c.remote.String()] = OutcomeNotTried
	}
	return s
}

// record keeps the most significant outcome per key: wrong-secret beats
// everything, PAKE stages beat connect-failed, connect-failed beats not-tried.
func (s *outcomeSet) record(key string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.m[key]
	if !ok {
		prev = OutcomeNotTried
	}
	if rank(o) >= rank(prev) {
		s.m[key] = o
	}
	if o == OutcomeWrongSecret || o == OutcomePakeError || o == OutcomeNoPake {
		s.established[key] = true
	}
}

func rank(o Outcome) int {
	switch o {
	case OutcomeWrongSecret:
		return 4
	case OutcomePakeError:
		return 3
	case OutcomeNoPake:
		return 2
	case OutcomeConnectFailed:
		return 1
	default:
		return 0
	}
}

func (s *outcomeSet) snapshot() map[string]Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Outcome, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// allWrongSecret reports whether connectivity worked but every arm that
// completed the PAKE saw mismatched confirmation tags.
func (s *outcomeSet) allWrongSecret() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sawWrong := false
	for k := range s.established {
		switch s.m[k] {
		case OutcomeWrongSecret:
			sawWrong = true
		default:
			return false
		}
	}
	return sawWrong
}
