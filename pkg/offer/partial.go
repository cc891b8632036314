package offer

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

// partialDigestLen is the hex length of the digest in partial filenames.
const partialDigestLen = 8

// partialDigest hashes the offered name and modified time so a resumed
// download only ever matches the exact same offer.
func partialDigest(rel string, modified *int64) string {
	h := blake3.New()
	h.Write([]byte(rel))
	var m [8]byte
	if modified != nil {
		binary.LittleEndian.PutUint64(m[:], uint64(*modified))
	}
	h.Write(m[:])
	return hex.EncodeToString(h.Sum(nil))[:partialDigestLen]
}

// PartialPath returns the on-disk partial file path for a final file at
// dir/rel: the final path with a ".part<digest>" suffix.
func PartialPath(dir, rel string, modified *int64) string {
	final := filepath.Join(dir, filepath.FromSlash(rel))
	return final + ".part" + partialDigest(rel, modified)
}

// sidecar is the metadata written next to a partial so a later run can
// decide whether the partial belongs to the same offer.
type sidecar struct {
	Size     uint64 `json:"size"`
	Modified *int64 `json:"modified,omitempty"`
}

func sidecarPath(partial string) string { return partial + ".meta" }

// writeSidecar records the offer metadata for a partial. Written before
// any payload bytes, so an interrupted transfer is always resumable.
func writeSidecar(partial string, size uint64, modified *int64) error {
	data, err := json.Marshal(sidecar{Size: size, Modified: modified})
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(partial), data, 0o644)
}

// ResumeOffset inspects the target directory for a resumable partial of
// the offered file and returns the offset to request. A partial counts
// only when it exists, is no longer than the offer, and its sidecar
// matches the offered size and modified time; anything else restarts at 0.
func ResumeOffset(dir string, f OfferedFile) uint64 {
	rel, err := f.RelPath()
	if err != nil {
		return 0
	}
	partial := PartialPath(dir, rel, f.Modified)
	info, err := os.Stat(partial)
	if err != nil || info.IsDir() {
		return 0
	}
	data, err := os.ReadFile(sidecarPath(partial))
	if err != nil {
		return 0
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return 0
	}
	if sc.Size != f.Size {
		return 0
	}
	if (sc.Modified == nil) != (f.Modified == nil) {
		return 0
	}
	if sc.Modified != nil && *sc.Modified != *f.Modified {
		return 0
	}
	length := uint64(info.Size())
	if length > f.Size {
		return 0
	}
	if length == f.Size && f.Size > 0 {
		// Already complete on disk; re-request the last byte so the
		// response offset stays inside the file.
		return f.Size - 1
	}
	return length
}

// finalizePartial atomically renames a completed partial to its final
// name, restores the offered modified time, and drops the sidecar.
func finalizePartial(dir, rel string, modified *int64) error {
	partial := PartialPath(dir, rel, modified)
	final := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("finalize %s: %w", rel, err)
	}
	if modified != nil {
		mt := time.Unix(*modified, 0)
		if err := os.Chtimes(final, mt, mt); err != nil {
			return fmt.Errorf("restore mtime of %s: %w", rel, err)
		}
	}
	if err := os.Remove(sidecarPath(partial)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sidecar of %s: %w", rel, err)
	}
	return nil
}
