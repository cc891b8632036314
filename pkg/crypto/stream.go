package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NoncePrefixSize is the random prefix written in the clear by the
	// stream initiator. With the 4-byte segment counter and the 1-byte
	// final marker it fills the 12-byte ChaCha20-Poly1305 nonce.
	NoncePrefixSize = 7

	// SegmentSize is how much plaintext one AEAD segment carries. The
	// writer buffers up to this much before sealing a segment.
	SegmentSize = 16 * 1024

	markerRunning = 0x00
	markerFinal   = 0x01
)

// ErrAead is returned when a segment fails authentication or the stream
// ends before the final segment: corruption or truncation. Always fatal.
var ErrAead = errors.New("encrypted stream corrupted or truncated")

// Stream frames a duplex byte stream as chunked ChaCha20-Poly1305
// segments. Each segment is a 2-byte big-endian plaintext length followed
// by ciphertext-plus-tag; the nonce is prefix || counter || final-marker.
// Both directions share the prefix but run under independent sub-keys and
// counters, so nonces never collide across the duplex pair.
type Stream struct {
	conn io.ReadWriter

	send, recv       cipher.AEAD
	prefix           [NoncePrefixSize]byte
	sendCtr, recvCtr uint32

	wbuf  []byte // plaintext not yet sealed
	rbuf  []byte // plaintext decrypted but not yet read
	rdone bool   // final segment seen
	wdone bool   // Close already sealed the final segment
}

// NewStream performs the one-time nonce handshake on conn and returns the
// framed channel. The initiator (chosen by endpoint comparison, not by
// who won the punch) generates the prefix and writes it in the clear;
// the responder reads it.
func NewStream(conn io.ReadWriter, session [KeySize]byte, initiator bool) (*Stream, error) {
	s := &Stream{conn: conn}

	if initiator {
		if _, err := rand.Read(s.prefix[:]); err != nil {
			return nil, fmt.Errorf("generate nonce prefix: %w", err)
		}
		if _, err := conn.Write(s.prefix[:]); err != nil {
			return nil, fmt.Errorf("write nonce prefix: %w", err)
		}
	} else {
		if _, err := io.ReadFull(conn, s.prefix[:]); err != nil {
			return nil, fmt.Errorf("read nonce prefix: %w", err)
		}
	}

	i2r, r2i, err := directionKeys(session)
	if err != nil {
		return nil, fmt.Errorf("derive stream keys: %w", err)
	}
	sendKey, recvKey := i2r, r2i
	if !initiator {
		sendKey, recvKey = r2i, i2r
	}
	if s.send, err = chacha20poly1305.New(sendKey[:]); err != nil {
		return nil, err
	}
	if s.recv, err = chacha20poly1305.New(recvKey[:]); err != nil {
		return nil, err
	}
	s.wbuf = make([]byte, 0, SegmentSize)
	return s, nil
}

func (s *Stream) nonce(ctr uint32, marker byte) []byte {
	var n [chacha20poly1305.NonceSize]byte
	copy(n[:NoncePrefixSize], s.prefix[:])
	binary.BigEndian.PutUint32(n[NoncePrefixSize:NoncePrefixSize+4], ctr)
	n[NoncePrefixSize+4] = marker
	return n[:]
}

// Write buffers p, sealing and sending a segment whenever SegmentSize
// plaintext has accumulated.
func (s *Stream) Write(p []byte) (int, error) {
	if s.wdone {
		return 0, fmt.Errorf("write after close")
	}
	total := 0
	for len(p) > 0 {
		n := SegmentSize - len(s.wbuf)
		if n > len(p) {
			n = len(p)
		}
		s.wbuf = append(s.wbuf, p[:n]...)
		p = p[n:]
		total += n
		if len(s.wbuf) == SegmentSize {
			if err := s.writeSegment(markerRunning); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush seals and sends any buffered plaintext as a non-final segment.
func (s *Stream) Flush() error {
	if s.wdone {
		return fmt.Errorf("flush after close")
	}
	if len(s.wbuf) == 0 {
		return nil
	}
	return s.writeSegment(markerRunning)
}

// Close seals whatever is buffered, possibly nothing, as the final
// segment. The receiver requires it: a stream that ends without the final
// marker reads as truncated. Close does not close the underlying socket.
func (s *Stream) Close() error {
	if s.wdone {
		return nil
	}
	if err := s.writeSegment(markerFinal); err != nil {
		return err
	}
	s.wdone = true
	return nil
}

func (s *Stream) writeSegment(marker byte) error {
	if s.sendCtr == ^uint32(0) {
		return fmt.Errorf("segment counter exhausted")
	}
	ct := s.send.Seal(nil, s.nonce(s.sendCtr, marker), s.wbuf, nil)
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s.wbuf)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	if _, err := s.conn.Write(ct); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	s.sendCtr++
	s.wbuf = s.wbuf[:0]
	return nil
}

// Read yields decrypted plaintext. After the final segment it returns
// io.EOF; a stream cut before the final segment returns ErrAead.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.rbuf) == 0 {
		if s.rdone {
			return 0, io.EOF
		}
		if err := s.readSegment(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *Stream) readSegment() error {
	var hdr [2]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		// EOF here means the peer vanished without sealing the final
		// segment: truncation, not a clean end.
		return fmt.Errorf("%w: %v", ErrAead, err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > SegmentSize {
		return fmt.Errorf("%w: segment length %d", ErrAead, n)
	}
	ct := make([]byte, n+s.recv.Overhead())
	if _, err := io.ReadFull(s.conn, ct); err != nil {
		return fmt.Errorf("%w: %v", ErrAead, err)
	}

	pt, err := s.recv.Open(nil, s.nonce(s.recvCtr, markerRunning), ct, nil)
	if err != nil {
		// Retry under the final marker: the sender sets it on the last
		// segment and the flag lives in the nonce, not the frame.
		pt, err = s.recv.Open(nil, s.nonce(s.recvCtr, markerFinal), ct, nil)
		if err != nil {
			return ErrAead
		}
		s.rdone = true
	}
	s.recvCtr++
	s.rbuf = pt
	return nil
}
