package manifest

import (
	"encoding/binary"
	"os"
)

// SupersededRef names one input table, by level and file id, that a
// compaction output has already folded in. A compaction writes one of
// these sidecars beside each output SSTable before unlinking its
// inputs, so a crash between the output's rename-into-place (spec.md
// §4.6 "Installation") and the inputs actually being removed leaves a
// durable trail: the next Open can finish discarding the stale inputs
// instead of silently reloading them alongside their own replacement,
// which for levels >= 1 would otherwise reintroduce two tables with
// overlapping key ranges in the same level.
type SupersededRef struct {
	Level  int
	FileID uint64
}

func supersedePath(sstPath string) string { return sstPath + ".super" }

// WriteSupersedeMarker durably records that refs are subsumed by the
// output table at sstPath. Callers (the compaction scheduler) write
// one of these beside every output file it produces, after the output
// itself is published but before it unlinks any input, so the marker
// is always on disk before the window it protects opens. The marker is
// written to a temp file, fsynced, and renamed into place so a crash
// immediately afterward still leaves a complete, readable marker
// rather than a torn one.
func WriteSupersedeMarker(sstPath string, refs []SupersededRef) error {
	if len(refs) == 0 {
		return nil
	}

	buf := make([]byte, 4, 4+12*len(refs))
	binary.LittleEndian.PutUint32(buf, uint32(len(refs)))
	for _, ref := range refs {
		var entry [12]byte
		binary.LittleEndian.PutUint32(entry[0:4], uint32(ref.Level))
		binary.LittleEndian.PutUint64(entry[4:12], ref.FileID)
		buf = append(buf, entry[:]...)
	}

	path := supersedePath(sstPath)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readSupersedeMarker reads back the refs written for sstPath, if any
// marker exists. A missing marker is not an error: it means either no
// compaction ever ran against that output, or a prior Open already
// consumed and removed it.
func readSupersedeMarker(sstPath string) ([]SupersededRef, error) {
	buf, err := os.ReadFile(supersedePath(sstPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(buf) < 4 {
		return nil, nil
	}

	count := binary.LittleEndian.Uint32(buf[0:4])
	refs := make([]SupersededRef, 0, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+12 > len(buf) {
			break
		}
		refs = append(refs, SupersededRef{
			Level:  int(binary.LittleEndian.Uint32(buf[pos : pos+4])),
			FileID: binary.LittleEndian.Uint64(buf[pos+4 : pos+12]),
		})
		pos += 12
	}
	return refs, nil
}

// removeSupersedeMarker deletes the sidecar once its referenced inputs
// have actually been cleaned up, so a later crash doesn't re-trigger
// the same cleanup against files that no longer exist.
func removeSupersedeMarker(sstPath string) {
	os.Remove(supersedePath(sstPath))
}

// ClearSupersedeMarker deletes the sidecar for sstPath. Exported so a
// caller that wrote a marker before Install and then saw Install
// complete the ordinary unlink of every input can remove the
// now-redundant marker immediately, rather than leaving it for the
// next Open to discover and discard.
func ClearSupersedeMarker(sstPath string) {
	removeSupersedeMarker(sstPath)
}
