package offer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/peerdrop/pkg/contact"
	"github.com/atvirokodosprendimai/peerdrop/pkg/crypto"
)

// transferPair builds sender and receiver streams over an in-memory pipe.
func transferPair(t *testing.T) (sender, receiver *crypto.Stream) {
	t.Helper()
	key, err := crypto.DeriveSessionKey([]byte("transfer-test"))
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	ch := make(chan *crypto.Stream, 1)
	go func() {
		s, err := crypto.NewStream(c1, key, true)
		if err != nil {
			ch <- nil
			return
		}
		ch <- s
	}()
	receiver, err = crypto.NewStream(c2, key, false)
	if err != nil {
		t.Fatalf("receiver stream: %v", err)
	}
	sender = <-ch
	if sender == nil {
		t.Fatal("sender stream handshake failed")
	}
	return sender, receiver
}

func writeSrcFile(t *testing.T, dir, name string, content []byte, mod int64) LocalFile {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatal(err)
	}
	mt := time.Unix(mod, 0)
	if err := os.Chtimes(p, mt, mt); err != nil {
		t.Fatal(err)
	}
	return LocalFile{
		LocalPath: p,
		Offered: OfferedFile{
			Path:     []byte(name),
			Size:     uint64(len(content)),
			Modified: &mod,
		},
	}
}

func TestTransferHappyPath(t *testing.T) {
	t.Parallel()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	file := writeSrcFile(t, srcDir, "hello.txt", []byte("hello world"), 1700000000)

	sender, receiver := transferPair(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- Send(ctx, sender, []LocalFile{file}) }()

	if err := Receive(ctx, receiver, dstDir, nil); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "hello.txt"))
	if err != nil {
		t.Fatalf("received file missing: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("content mismatch: %q", got)
	}
	info, _ := os.Stat(filepath.Join(dstDir, "hello.txt"))
	if info.ModTime().Unix() != 1700000000 {
		t.Errorf("mtime not preserved: %d", info.ModTime().Unix())
	}
}

func TestTransferRejectionSkipsPayload(t *testing.T) {
	t.Parallel()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	a := writeSrcFile(t, srcDir, "a", bytes.Repeat([]byte("A"), 100), 1000)
	b := writeSrcFile(t, srcDir, "b", bytes.Repeat([]byte("B"), 100), 1000)
	c := writeSrcFile(t, srcDir, "c", bytes.Repeat([]byte("C"), 100), 1000)

	sender, receiver := transferPair(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- Send(ctx, sender, []LocalFile{a, b, c}) }()

	// Accept a and c, decline b.
	decide := func(o Offer) Response {
		return Response{Accept(0), nil, Accept(0)}
	}
	if err := Receive(ctx, receiver, dstDir, decide); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, name := range []string{"a", "c"} {
		if _, err := os.Stat(filepath.Join(dstDir, name)); err != nil {
			t.Errorf("accepted file %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dstDir, "b")); !os.IsNotExist(err) {
		t.Error("declined file b was written")
	}
}

func TestTransferResumption(t *testing.T) {
	t.Parallel()
	srcDir, dstDir := t.TempDir(), t.TempDir()

	content := make([]byte, 256*1024)
	for i := range content {
		content[i] = byte(i * 31)
	}
	const mod = int64(1700000000)
	file := writeSrcFile(t, srcDir, "big.bin", content, mod)

	// Half the file already sits in a matching partial with its sidecar.
	half := len(content) / 2
	modv := mod
	partial := PartialPath(dstDir, "big.bin", &modv)
	if err := os.WriteFile(partial, content[:half], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(partial, uint64(len(content)), &modv); err != nil {
		t.Fatal(err)
	}

	sender, receiver := transferPair(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- Send(ctx, sender, []LocalFile{file}) }()

	if err := Receive(ctx, receiver, dstDir, nil); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "big.bin"))
	if err != nil {
		t.Fatalf("finalized file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("resumed file differs from source")
	}
}

func TestTransferSubdirectories(t *testing.T) {
	t.Parallel()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	p := filepath.Join(srcDir, "leaf.txt")
	if err := os.WriteFile(p, []byte("nested"), 0o644); err != nil {
		t.Fatal(err)
	}
	mod := int64(1000)
	file := LocalFile{
		LocalPath: p,
		Offered:   OfferedFile{Path: []byte("pics/2026/leaf.txt"), Size: 6, Modified: &mod},
	}

	sender, receiver := transferPair(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- Send(ctx, sender, []LocalFile{file}) }()
	if err := Receive(ctx, receiver, dstDir, nil); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "pics", "2026", "leaf.txt"))
	if err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
	if string(got) != "nested" {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestReceiveRejectsBadDecision(t *testing.T) {
	t.Parallel()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	file := writeSrcFile(t, srcDir, "x", []byte("xx"), 1000)

	sender, receiver := transferPair(t)
	ctx := context.Background()

	go Send(ctx, sender, []LocalFile{file}) // will fail with EOF; ignored

	decide := func(o Offer) Response { return Response{} } // wrong length
	if err := Receive(ctx, receiver, dstDir, decide); !errors.Is(err, ErrBadResponse) {
		t.Errorf("Receive = %v, want ErrBadResponse", err)
	}
}

func TestReceiveRejectsTraversalOffer(t *testing.T) {
	t.Parallel()
	dstDir := t.TempDir()
	sender, receiver := transferPair(t)
	ctx := context.Background()

	// Send validates offers before writing, so a hostile listing has to be
	// framed by hand.
	go func() {
		contact.WriteMsg(sender, offerMsg{
			Type:  MsgOffer,
			Files: []OfferedFile{{Path: []byte("../evil"), Size: 1}},
		})
		sender.Flush()
	}()

	if err := Receive(ctx, receiver, dstDir, nil); err == nil {
		t.Error("traversal offer accepted")
	}
}
