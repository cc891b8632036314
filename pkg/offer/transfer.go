package offer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/crypto"
)

// Metrics instruments for the transfer loops. Noop unless a MeterProvider
// is configured.
var (
	meter = otel.Meter("peerdrop.offer")

	metricBytesSent     metric.Int64Counter
	metricBytesReceived metric.Int64Counter
)

func init() {
	var err error
	metricBytesSent, err = meter.Int64Counter("peerdrop.bytes.sent",
		metric.WithDescription("Payload bytes written to the encrypted channel"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricBytesReceived, err = meter.Int64Counter("peerdrop.bytes.received",
		metric.WithDescription("Payload bytes read from the encrypted channel"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// LocalFile pairs an offered file with the local path its bytes live at.
type LocalFile struct {
	LocalPath string
	Offered   OfferedFile
}

// Send runs the sending half of the protocol on an established encrypted
// stream: offer, response, then each accepted payload in offer order with
// no framing between payloads. Closing the stream seals the final segment.
func Send(ctx context.Context, stream *crypto.Stream, files []LocalFile) error {
	o := make(Offer, len(files))
	for i, f := range files {
		o[i] = f.Offered
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if err := contact.WriteMsg(stream, offerMsg{Type: MsgOffer, Files: o}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return err
	}

	var reply responseMsg
	if err := contact.ReadMsg(stream, &reply); err != nil {
		return fmt.Errorf("read offer response: %w", err)
	}
	if reply.Type != MsgResponse {
		return fmt.Errorf("%w: unexpected message %q", ErrBadResponse, reply.Type)
	}
	resp := Response(reply.Offsets)
	if err := ValidateResponse(o, resp); err != nil {
		return err
	}

	for i, off := range resp {
		if off == nil {
			log.Printf("[Transfer] Peer declined %q", string(o[i].Path))
			continue
		}
		if err := sendPayload(ctx, stream, files[i], *off); err != nil {
			return err
		}
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func sendPayload(ctx context.Context, stream *crypto.Stream, f LocalFile, offset uint64) error {
	src, err := os.Open(f.LocalPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.LocalPath, err)
	}
	defer src.Close()

	if offset > 0 {
		if _, err := src.Seek(int64(offset), io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", f.LocalPath, err)
		}
	}
	remaining := int64(f.Offered.Size - offset)
	n, err := io.CopyN(stream, src, remaining)
	metricBytesSent.Add(ctx, n)
	if err != nil {
		return fmt.Errorf("send %s: %w", f.LocalPath, err)
	}
	log.Printf("[Transfer] Sent %q: %d bytes from offset %d", string(f.Offered.Path), n, offset)
	return nil
}

// Decide maps an incoming offer to the response the receiver will send.
// Implementations return one entry per offered file: nil to reject, or
// the offset to resume from.
type Decide func(Offer) Response

// AcceptWithResume accepts every offered file, resuming from a matching
// partial in dir when one exists. This is the default decision.
func AcceptWithResume(dir string) Decide {
	return func(o Offer) Response {
		resp := make(Response, len(o))
		for i, f := range o {
			resp[i] = Accept(ResumeOffset(dir, f))
		}
		return resp
	}
}

// RejectAll declines the entire offer.
func RejectAll(o Offer) Response {
	return make(Response, len(o))
}

// Receive runs the receiving half: read the offer, answer with decide's
// offsets, then write each accepted payload to a partial file and
// finalize it. A nil decide accepts everything with resumption.
//
// An I/O error aborts the transfer; completed files stay on disk and the
// in-progress partial remains resumable.
func Receive(ctx context.Context, stream *crypto.Stream, dir string, decide Decide) error {
	var om offerMsg
	if err := contact.ReadMsg(stream, &om); err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	if om.Type != MsgOffer {
		return fmt.Errorf("%w: unexpected message %q", ErrBadOffer, om.Type)
	}
	o := Offer(om.Files)
	if err := o.Validate(); err != nil {
		return err
	}

	if decide == nil {
		decide = AcceptWithResume(dir)
	}
	resp := decide(o)
	if err := ValidateResponse(o, resp); err != nil {
		return err
	}
	if err := contact.WriteMsg(stream, responseMsg{Type: MsgResponse, Offsets: resp}); err != nil {
		return fmt.Errorf("send offer response: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return err
	}

	for i, off := range resp {
		if off == nil {
			continue
		}
		if err := receivePayload(ctx, stream, dir, o[i], *off); err != nil {
			return err
		}
	}

	// The sender's Close seals a final segment; consuming it verifies the
	// stream was not truncated after the last payload byte.
	var one [1]byte
	if _, err := stream.Read(one[:]); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%w: trailing data after payloads", ErrBadOffer)
		}
		return err
	}
	return nil
}

func receivePayload(ctx context.Context, stream *crypto.Stream, dir string, f OfferedFile, offset uint64) error {
	rel, err := f.RelPath()
	if err != nil {
		return err
	}
	partial := PartialPath(dir, rel, f.Modified)
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	// Sidecar first: an interrupted payload must remain resumable.
	if err := writeSidecar(partial, f.Size, f.Modified); err != nil {
		return fmt.Errorf("write sidecar for %s: %w", rel, err)
	}

	dst, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partial for %s: %w", rel, err)
	}
	if err := dst.Truncate(int64(offset)); err != nil {
		dst.Close()
		return fmt.Errorf("truncate partial for %s: %w", rel, err)
	}
	if _, err := dst.Seek(int64(offset), io.SeekStart); err != nil {
		dst.Close()
		return fmt.Errorf("seek partial for %s: %w", rel, err)
	}

	remaining := int64(f.Size - offset)
	n, err := io.CopyN(dst, stream, remaining)
	metricBytesReceived.Add(ctx, n)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("receive %s: %w", rel, err)
	}
	if err := finalizePartial(dir, rel, f.Modified); err != nil {
		return err
	}
	log.Printf("[Transfer] Received %q: %d bytes from offset %d", rel, n, offset)
	return nil
}
