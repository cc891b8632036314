// Package offer implements the file-offer protocol that runs inside the
// encrypted channel: the offer listing, the per-file response with resume
// offsets, and the payload send/receive loops with partial-file resumption.
package offer

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Wire message types carried inside the AEAD stream.
const (
	MsgOffer    = "offer"
	MsgResponse = "offer_response"
)

// ErrBadOffer is returned when an offer violates protocol invariants:
// unparseable paths, absolute paths, or dot-dot traversal.
var ErrBadOffer = errors.New("bad offer")

// ErrBadResponse is returned when a response does not line up with the
// offer it answers: wrong length or an out-of-range offset.
var ErrBadResponse = errors.New("bad offer response")

// OfferedFile describes one file in an offer. The path is carried as raw
// bytes (base64 inside the JSON) so it round-trips on any host; on the
// wire it always uses forward slashes.
type OfferedFile struct {
	Path     []byte `json:"path"`
	Size     uint64 `json:"size"`
	Modified *int64 `json:"modified,omitempty"` // seconds since epoch
}

// RelPath validates and returns the offered path as a slash-separated
// relative path. Absolute paths, empty names, and ".." components are
// rejected; the receiver must never write outside its target directory.
func (f OfferedFile) RelPath() (string, error) {
	p := string(f.Path)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadOffer)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: non-relative path %q", ErrBadOffer, p)
	}
	clean := path.Clean(p)
	if clean != p {
		return "", fmt.Errorf("%w: non-canonical path %q", ErrBadOffer, p)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("%w: path %q escapes target directory", ErrBadOffer, p)
		}
	}
	return clean, nil
}

// Offer is the ordered file listing peer A sends.
type Offer []OfferedFile

// Validate checks every offered path.
func (o Offer) Validate() error {
	for i, f := range o {
		if _, err := f.RelPath(); err != nil {
			return fmt.Errorf("file %d: %w", i, err)
		}
	}
	return nil
}

// TotalSize sums the offered sizes.
func (o Offer) TotalSize() uint64 {
	var total uint64
	for _, f := range o {
		total += f.Size
	}
	return total
}

// Response is peer B's answer: one entry per offered file, nil to reject,
// otherwise the offset to resume from (0 accepts the whole file).
type Response []*uint64

// Accept builds an entry accepting from the given offset.
func Accept(offset uint64) *uint64 { return &offset }

// ValidateResponse checks a response against the offer it answers:
// lengths must match and every offset must satisfy 0 <= k < size. An
// empty file is only acceptable from offset 0.
func ValidateResponse(o Offer, r Response) error {
	if len(o) != len(r) {
		return fmt.Errorf("%w: %d entries for %d offered files", ErrBadResponse, len(r), len(o))
	}
	for i, off := range r {
		if off == nil {
			continue
		}
		bad := *off >= o[i].Size
		if o[i].Size == 0 {
			bad = *off != 0
		}
		if bad {
			return fmt.Errorf("%w: offset %d out of range for file %d (size %d)", ErrBadResponse, *off, i, o[i].Size)
		}
	}
	return nil
}

// offerMsg and responseMsg are the framed JSON envelopes on the wire.
type offerMsg struct {
	Type  string        `json:"type"`
	Files []OfferedFile `json:"files"`
}

type responseMsg struct {
	Type    string    `json:"type"`
	Offsets []*uint64 `json:"offsets"`
}
