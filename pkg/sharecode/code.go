// Package sharecode packs the {server, room, secret} triple into the
// short dotted string two humans exchange out-of-band, e.g. "1.n5xn8.wvqsf".
package sharecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadShareCode is returned for any share code that does not parse.
var ErrBadShareCode = errors.New("malformed share code")

// Code is the triple a share code carries.
type Code struct {
	ServerID     uint64
	RoomCode     uint64
	SharedSecret uint64
}

// String renders the code as three lower-case base-36 groups joined by
// dots. This is the canonical human-typable form.
func (c Code) String() string {
	return strconv.FormatUint(c.ServerID, 36) + "." +
		strconv.FormatUint(c.RoomCode, 36) + "." +
		strconv.FormatUint(c.SharedSecret, 36)
}

// Parse decodes the dotted base-36 form. Upper-case input is accepted and
// canonicalized; anything else malformed returns ErrBadShareCode.
func Parse(s string) (Code, error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(s)), ".")
	if len(parts) != 3 {
		return Code{}, fmt.Errorf("%w: want 3 dot-separated groups, got %d", ErrBadShareCode, len(parts))
	}
	var vals [3]uint64
	for i, p := range parts {
		if p == "" {
			return Code{}, fmt.Errorf("%w: empty group %d", ErrBadShareCode, i)
		}
		v, err := strconv.ParseUint(p, 36, 64)
		if err != nil {
			return Code{}, fmt.Errorf("%w: group %d: %v", ErrBadShareCode, i, err)
		}
		vals[i] = v
	}
	return Code{ServerID: vals[0], RoomCode: vals[1], SharedSecret: vals[2]}, nil
}

// MarshalBinary packs the code into its compact byte form: server_id as
// 8 little-endian bytes, then a 1-byte length and the little-endian bytes
// of room_code with trailing zeros trimmed, then the same for the secret.
func (c Code) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8+1+8+1+8)
	var sid [8]byte
	binary.LittleEndian.PutUint64(sid[:], c.ServerID)
	buf = append(buf, sid[:]...)
	buf = appendTrimmed(buf, c.RoomCode)
	buf = appendTrimmed(buf, c.SharedSecret)
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (c *Code) UnmarshalBinary(data []byte) error {
	if len(data) < 8+2 {
		return fmt.Errorf("%w: binary form too short", ErrBadShareCode)
	}
	c.ServerID = binary.LittleEndian.Uint64(data[:8])
	rest := data[8:]
	var err error
	c.RoomCode, rest, err = readTrimmed(rest)
	if err != nil {
		return err
	}
	c.SharedSecret, rest, err = readTrimmed(rest)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadShareCode, len(rest))
	}
	return nil
}

func appendTrimmed(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	n := 8
	for n > 0 && b[n-1] == 0 {
		n--
	}
	buf = append(buf, byte(n))
	return append(buf, b[:n]...)
}

func readTrimmed(data []byte) (uint64, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("%w: missing length byte", ErrBadShareCode)
	}
	n := int(data[0])
	if n > 8 || len(data) < 1+n {
		return 0, nil, fmt.Errorf("%w: bad field length %d", ErrBadShareCode, n)
	}
	var b [8]byte
	copy(b[:], data[1:1+n])
	if n > 0 && b[n-1] == 0 {
		return 0, nil, fmt.Errorf("%w: non-canonical field padding", ErrBadShareCode)
	}
	return binary.LittleEndian.Uint64(b[:]), data[1+n:], nil
}
