// Package crypto implements the peerdrop security layer: the SPAKE2
// authentication run on every punched socket, the derivation of session
// keys from its output, and the streaming AEAD channel the file transfer
// rides on.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = 32

	// pakeScalarSize is the width the 64-bit shared secret is zero-padded
	// to before entering the PAKE, matching the group's scalar size.
	pakeScalarSize = 32

	// HKDF info strings for domain separation (RFC 5869). Each derivation
	// uses a unique info string so outputs are independent.
	hkdfInfoSession   = "peerdrop-session-v1"
	hkdfInfoStreamI2R = "peerdrop-stream-i2r-v1"
	hkdfInfoStreamR2I = "peerdrop-stream-r2i-v1"

	// pakeProtocolID binds the padded secret to this protocol. No side
	// labels: both peers feed the PAKE identical password material.
	pakeProtocolID = "peerdrop-pake-v1"

	confirmContext = "confirm"
)

// SecretBytes expands the 64-bit shared secret into the PAKE password:
// the secret as little-endian bytes zero-padded to the scalar size,
// followed by the fixed protocol identifier.
func SecretBytes(secret uint64) []byte {
	buf := make([]byte, pakeScalarSize, pakeScalarSize+len(pakeProtocolID))
	binary.LittleEndian.PutUint64(buf[:8], secret)
	return append(buf, pakeProtocolID...)
}

// DeriveSessionKey turns the raw PAKE output into the 256-bit session key.
func DeriveSessionKey(pakeOut []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(pakeOut) == 0 {
		return key, fmt.Errorf("empty PAKE output")
	}
	if err := deriveHKDF(pakeOut, hkdfInfoSession, key[:]); err != nil {
		return key, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// directionKeys derives one sub-key per stream direction so the two
// halves of the duplex channel never share a (key, nonce) pair even
// though they share the nonce prefix.
func directionKeys(session [KeySize]byte) (i2r, r2i [KeySize]byte, err error) {
	if err = deriveHKDF(session[:], hkdfInfoStreamI2R, i2r[:]); err != nil {
		return
	}
	err = deriveHKDF(session[:], hkdfInfoStreamR2I, r2i[:])
	return
}

// ConfirmTag computes the key-confirmation token H(key || "confirm")
// exchanged after the PAKE. BLAKE3 keeps it cheap and fixed-size.
func ConfirmTag(key [KeySize]byte) [32]byte {
	h := blake3.New()
	h.Write(key[:])
	h.Write([]byte(confirmContext))
	var tag [32]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// VerifyConfirmTag checks a received confirmation token in constant time.
func VerifyConfirmTag(key [KeySize]byte, tag []byte) bool {
	want := ConfirmTag(key)
	if len(tag) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(want[:], tag) == 1
}

// deriveHKDF derives key material using HKDF-SHA256. Salt is nil (HKDF
// substitutes a zero-filled salt per RFC 5869).
func deriveHKDF(secret []byte, info string, output []byte) error {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	_, err := io.ReadFull(reader, output)
	return err
}
