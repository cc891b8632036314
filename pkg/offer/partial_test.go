package offer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func modPtr(v int64) *int64 { return &v }

func TestPartialPathDependsOnNameAndMtime(t *testing.T) {
	t.Parallel()
	a := PartialPath("/dl", "big.bin", modPtr(1000))
	b := PartialPath("/dl", "big.bin", modPtr(2000))
	c := PartialPath("/dl", "other.bin", modPtr(1000))
	if a == b {
		t.Error("different mtimes must give different partial names")
	}
	if a == c {
		t.Error("different names must give different partial names")
	}
	if !strings.Contains(filepath.Base(a), ".part") {
		t.Errorf("unexpected partial name %q", a)
	}
}

func TestResumeOffsetNoPartial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("missing.bin"), Size: 100, Modified: modPtr(1000)}
	if off := ResumeOffset(dir, f); off != 0 {
		t.Errorf("ResumeOffset = %d, want 0", off)
	}
}

func TestResumeOffsetMatchingSidecar(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("big.bin"), Size: 1 << 20, Modified: modPtr(7777)}

	partial := PartialPath(dir, "big.bin", f.Modified)
	if err := os.WriteFile(partial, make([]byte, 512*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(partial, f.Size, f.Modified); err != nil {
		t.Fatal(err)
	}

	if off := ResumeOffset(dir, f); off != 512*1024 {
		t.Errorf("ResumeOffset = %d, want %d", off, 512*1024)
	}
}

func TestResumeOffsetMtimeMismatchRestarts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Partial written for mtime 1000; the new offer says 2000. The digest
	// differs, so the old partial is simply not found.
	old := OfferedFile{Path: []byte("f.bin"), Size: 100, Modified: modPtr(1000)}
	partial := PartialPath(dir, "f.bin", old.Modified)
	os.WriteFile(partial, make([]byte, 50), 0o644)
	writeSidecar(partial, old.Size, old.Modified)

	fresh := OfferedFile{Path: []byte("f.bin"), Size: 100, Modified: modPtr(2000)}
	if off := ResumeOffset(dir, fresh); off != 0 {
		t.Errorf("ResumeOffset = %d, want 0 after mtime change", off)
	}
}

func TestResumeOffsetSidecarSizeMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("f.bin"), Size: 100, Modified: modPtr(1000)}
	partial := PartialPath(dir, "f.bin", f.Modified)
	os.WriteFile(partial, make([]byte, 50), 0o644)
	writeSidecar(partial, 999, f.Modified) // sidecar disagrees on size

	if off := ResumeOffset(dir, f); off != 0 {
		t.Errorf("ResumeOffset = %d, want 0 on sidecar mismatch", off)
	}
}

func TestResumeOffsetMissingSidecar(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("f.bin"), Size: 100, Modified: modPtr(1000)}
	os.WriteFile(PartialPath(dir, "f.bin", f.Modified), make([]byte, 50), 0o644)

	if off := ResumeOffset(dir, f); off != 0 {
		t.Errorf("ResumeOffset = %d, want 0 without sidecar", off)
	}
}

func TestResumeOffsetOversizedPartial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("f.bin"), Size: 10, Modified: modPtr(1000)}
	partial := PartialPath(dir, "f.bin", f.Modified)
	os.WriteFile(partial, make([]byte, 20), 0o644)
	writeSidecar(partial, f.Size, f.Modified)

	if off := ResumeOffset(dir, f); off != 0 {
		t.Errorf("ResumeOffset = %d, want 0 for oversized partial", off)
	}
}

func TestResumeOffsetCompletePartial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := OfferedFile{Path: []byte("f.bin"), Size: 10, Modified: modPtr(1000)}
	partial := PartialPath(dir, "f.bin", f.Modified)
	os.WriteFile(partial, make([]byte, 10), 0o644)
	writeSidecar(partial, f.Size, f.Modified)

	// A byte-complete partial re-requests the last byte so the offset
	// stays inside the file.
	if off := ResumeOffset(dir, f); off != 9 {
		t.Errorf("ResumeOffset = %d, want 9", off)
	}
}

func TestFinalizePartial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mod := modPtr(time.Now().Add(-time.Hour).Unix())
	content := []byte("finished payload")

	partial := PartialPath(dir, "done.bin", mod)
	if err := os.WriteFile(partial, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(partial, uint64(len(content)), mod); err != nil {
		t.Fatal(err)
	}

	if err := finalizePartial(dir, "done.bin", mod); err != nil {
		t.Fatalf("finalizePartial: %v", err)
	}

	final := filepath.Join(dir, "done.bin")
	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("final content mismatch")
	}
	info, err := os.Stat(final)
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != *mod {
		t.Errorf("mtime not restored: %d != %d", info.ModTime().Unix(), *mod)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial still present after finalize")
	}
	if _, err := os.Stat(sidecarPath(partial)); !os.IsNotExist(err) {
		t.Error("sidecar still present after finalize")
	}
}
