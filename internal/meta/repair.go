package meta

import (
	"fmt"
	"os"
	"path/filepath"

	"nvrstore/internal/format"
)

// RepairResult reports what Repair changed.
type RepairResult struct {
	HeaderNext uint32 // nextIndex found in the header
	Next       uint32 // nextIndex after repair
	Truncated  bool
	Trailer    bool // a trailer was (re)written
}

// Changed reports whether the file was modified.
func (r RepairResult) Changed() bool {
	return r.HeaderNext != r.Next || r.Truncated || r.Trailer
}

// Repair makes a metadata file consistent after an unclean shutdown.
//
// When the header names fewer records than are present, a flush wrote
// records without rewriting the header and nextIndex is advanced. When it
// names more, the file is short and nextIndex is pulled back. Partial
// records are truncated and a fresh EOF trailer is written. A file that is
// already consistent is left untouched.
func Repair[R any](path string, codec Codec[R]) (RepairResult, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return RepairResult{}, err
	}
	defer func() { _ = f.Close() }()

	var hb [format.MetaHeaderSize]byte
	if _, err := f.ReadAt(hb[:], 0); err != nil {
		return RepairResult{}, fmt.Errorf("read header %s: %w", path, err)
	}
	h, err := format.DecodeMetaAndValidate(hb[:], codec.Signature, format.Version)
	if err != nil {
		return RepairResult{}, fmt.Errorf("%s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return RepairResult{}, err
	}

	present := recordsIn(info.Size(), codec.Size)
	res := RepairResult{HeaderNext: h.NextIndex, Next: present}
	end := recordOffset(present, codec.Size)

	if res.Next == res.HeaderNext && info.Size() == end+format.TrailerSize {
		var tr [format.TrailerSize]byte
		if _, err := f.ReadAt(tr[:], end); err == nil && format.IsTrailer(tr[:]) {
			return res, nil
		}
	}

	if info.Size() != end {
		if err := f.Truncate(end); err != nil {
			return res, err
		}
		res.Truncated = true
	}
	if res.Next != res.HeaderNext {
		h.NextIndex = res.Next
		hb = h.Encode()
		if _, err := f.WriteAt(hb[:], 0); err != nil {
			return res, err
		}
	}
	var tr [format.TrailerSize]byte
	format.EncodeTrailer(tr[:])
	if _, err := f.WriteAt(tr[:], end); err != nil {
		return res, err
	}
	res.Trailer = true
	return res, f.Sync()
}
