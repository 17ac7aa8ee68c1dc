package meta

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"nvrstore/internal/format"
)

var (
	ErrIndexRange = errors.New("record index out of range")
	ErrClosed     = errors.New("metadata file closed")
)

// File is the write cursor of one metadata file. The header's nextIndex is
// rewritten after every append so it always names the committed records.
type File[R any] struct {
	path  string
	f     *os.File
	codec Codec[R]
	next  uint32
	buf   []byte
}

// Create makes a new, empty metadata file. It fails if path exists.
func Create[R any](path string, codec Codec[R], mode os.FileMode) (*File[R], error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_RDWR, mode)
	if err != nil {
		return nil, err
	}
	mf := &File[R]{path: path, f: f, codec: codec}
	if err := mf.rewriteHeader(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return mf, nil
}

// Open reopens an existing file for appending. Bytes past the committed
// records (a trailer or a torn record) are truncated.
func Open[R any](path string, codec Codec[R]) (*File[R], error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var hb [format.MetaHeaderSize]byte
	if _, err := io.ReadFull(f, hb[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	h, err := format.DecodeMetaAndValidate(hb[:], codec.Signature, format.Version)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	present := recordsIn(info.Size(), codec.Size)
	next := min(h.NextIndex, present)
	if err := f.Truncate(recordOffset(next, codec.Size)); err != nil {
		_ = f.Close()
		return nil, err
	}
	mf := &File[R]{path: path, f: f, codec: codec, next: next}
	if next != h.NextIndex {
		if err := mf.rewriteHeader(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return mf, nil
}

// OpenOrCreate opens path, creating it when missing.
func OpenOrCreate[R any](path string, codec Codec[R], mode os.FileMode) (*File[R], error) {
	f, err := Open(path, codec)
	if errors.Is(err, fs.ErrNotExist) {
		return Create(path, codec, mode)
	}
	return f, err
}

func (m *File[R]) Path() string { return m.path }

// Next is the number of committed records.
func (m *File[R]) Next() uint32 { return m.next }

// Append writes records after the last committed one and then rewrites
// the header.
func (m *File[R]) Append(recs ...R) error {
	if m.f == nil {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}
	need := len(recs) * m.codec.Size
	if cap(m.buf) < need {
		m.buf = make([]byte, need)
	}
	buf := m.buf[:need]
	for i, r := range recs {
		m.codec.Encode(r, buf[i*m.codec.Size:])
	}
	if _, err := m.f.WriteAt(buf, recordOffset(m.next, m.codec.Size)); err != nil {
		return fmt.Errorf("append %s: %w", m.path, err)
	}
	m.next += uint32(len(recs))
	return m.rewriteHeader()
}

// Update overwrites the committed record at index i.
func (m *File[R]) Update(i uint32, r R) error {
	if m.f == nil {
		return ErrClosed
	}
	if i >= m.next {
		return ErrIndexRange
	}
	buf := make([]byte, m.codec.Size)
	m.codec.Encode(r, buf)
	if _, err := m.f.WriteAt(buf, recordOffset(i, m.codec.Size)); err != nil {
		return fmt.Errorf("update %s[%d]: %w", m.path, i, err)
	}
	return nil
}

// Get reads the committed record at index i.
func (m *File[R]) Get(i uint32) (R, error) {
	var zero R
	if m.f == nil {
		return zero, ErrClosed
	}
	if i >= m.next {
		return zero, ErrIndexRange
	}
	buf := make([]byte, m.codec.Size)
	if _, err := m.f.ReadAt(buf, recordOffset(i, m.codec.Size)); err != nil {
		return zero, err
	}
	return m.codec.Decode(buf), nil
}

// Close writes the EOF trailer and closes the file.
func (m *File[R]) Close() error {
	if m.f == nil {
		return nil
	}
	f := m.f
	m.f = nil
	var tr [format.TrailerSize]byte
	format.EncodeTrailer(tr[:])
	if _, err := f.WriteAt(tr[:], recordOffset(m.next, m.codec.Size)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write trailer %s: %w", m.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Abandon closes the descriptor without a trailer.
func (m *File[R]) Abandon() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

func (m *File[R]) rewriteHeader() error {
	hb := format.MetaHeader{Signature: m.codec.Signature, Version: format.Version, NextIndex: m.next}.Encode()
	if _, err := m.f.WriteAt(hb[:], 0); err != nil {
		return fmt.Errorf("rewrite header %s: %w", m.path, err)
	}
	return nil
}

func recordOffset(i uint32, size int) int64 {
	return format.MetaHeaderSize + int64(i)*int64(size)
}

func recordsIn(fileSize int64, size int) uint32 {
	if fileSize <= format.MetaHeaderSize {
		return 0
	}
	return uint32((fileSize - format.MetaHeaderSize) / int64(size))
}

// ReadAll returns the committed records of a metadata file. Records past
// the end of a short file are ignored.
func ReadAll[R any](path string, codec Codec[R]) ([]R, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	h, err := format.DecodeMetaAndValidate(data, codec.Signature, format.Version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n := min(h.NextIndex, recordsIn(int64(len(data)), codec.Size))
	out := make([]R, n)
	for i := range out {
		off := recordOffset(uint32(i), codec.Size)
		out[i] = codec.Decode(data[off : off+int64(codec.Size)])
	}
	return out, nil
}
