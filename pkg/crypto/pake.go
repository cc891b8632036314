package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/schollz/pake/v3"
)

const (
	// pakeCurve selects the PAKE group. siec keeps the exchanged
	// messages small and is what the library tunes for.
	pakeCurve = "siec"

	// maxPakeMsg bounds a single PAKE frame. The encoded messages are a
	// few hundred bytes; anything near the cap is hostile.
	maxPakeMsg = 4096
)

// ErrWrongSecret means the PAKE completed and the transport worked, but
// the key-confirmation tags did not match: the peers hold different
// secrets.
var ErrWrongSecret = errors.New("peer used a different secret")

// ErrPakeProtocol covers malformed or out-of-order PAKE frames.
var ErrPakeProtocol = errors.New("PAKE protocol error")

// Authenticate runs SPAKE2 over the shared secret on a raw punched
// socket and returns the derived session key. The dialer of the TCP
// connection takes the first role and speaks first; the accepter answers.
// Every read and write is bounded by deadline.
//
// Frames are a 2-byte big-endian length followed by the message bytes,
// deliberately distinct from the 4-byte contact framing and from the
// AEAD segments that follow.
func Authenticate(conn net.Conn, secret uint64, dialer bool, deadline time.Time) ([KeySize]byte, error) {
	var key [KeySize]byte

	if err := conn.SetDeadline(deadline); err != nil {
		return key, fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	role := 1
	if dialer {
		role = 0
	}
	p, err := pake.InitCurve(SecretBytes(secret), role, pakeCurve)
	if err != nil {
		return key, fmt.Errorf("%w: init: %v", ErrPakeProtocol, err)
	}

	if dialer {
		if err := writePakeMsg(conn, p.Bytes()); err != nil {
			return key, err
		}
		reply, err := readPakeMsg(conn)
		if err != nil {
			return key, err
		}
		if err := p.Update(reply); err != nil {
			return key, fmt.Errorf("%w: %v", ErrPakeProtocol, err)
		}
	} else {
		first, err := readPakeMsg(conn)
		if err != nil {
			return key, err
		}
		if err := p.Update(first); err != nil {
			return key, fmt.Errorf("%w: %v", ErrPakeProtocol, err)
		}
		if err := writePakeMsg(conn, p.Bytes()); err != nil {
			return key, err
		}
	}

	raw, err := p.SessionKey()
	if err != nil {
		return key, fmt.Errorf("%w: session key: %v", ErrPakeProtocol, err)
	}
	key, err = DeriveSessionKey(raw)
	if err != nil {
		return key, err
	}

	// Key confirmation: both sides send H(key || "confirm") and verify
	// the peer's copy in constant time, the dialer again speaking first.
	// A mismatch is the wrong-secret signal, distinct from transport failure.
	tag := ConfirmTag(key)
	var peerTag []byte
	if dialer {
		if err := writePakeMsg(conn, tag[:]); err != nil {
			return key, err
		}
		if peerTag, err = readPakeMsg(conn); err != nil {
			return key, err
		}
	} else {
		if peerTag, err = readPakeMsg(conn); err != nil {
			return key, err
		}
		if err := writePakeMsg(conn, tag[:]); err != nil {
			return key, err
		}
	}
	if !VerifyConfirmTag(key, peerTag) {
		return key, ErrWrongSecret
	}
	return key, nil
}

func writePakeMsg(w io.Writer, msg []byte) error {
	if len(msg) == 0 || len(msg) > maxPakeMsg {
		return fmt.Errorf("%w: message size %d", ErrPakeProtocol, len(msg))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write PAKE frame: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write PAKE frame: %w", err)
	}
	return nil
}

func readPakeMsg(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read PAKE frame: %w", err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 || n > maxPakeMsg {
		return nil, fmt.Errorf("%w: frame size %d", ErrPakeProtocol, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read PAKE frame: %w", err)
	}
	return msg, nil
}
