package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var ErrEmptyFile = errors.New("stream file is empty")

// Reader gives random access to the frames of one stream file.
//
// Closed files are memory-mapped and FrameAt returns payload slices that
// alias the mapping; they stay valid until Close. Running files are read
// with pread into the caller's buffer and their readable end can be
// advanced with Refresh.
type Reader interface {
	Header() Header
	// Limit is the first byte after the last readable frame.
	Limit() uint32
	FrameHeaderAt(off uint32) (FrameHeader, error)
	// FrameAt returns the frame header and payload at off. buf may be
	// reused for the payload.
	FrameAt(off uint32, buf []byte) (FrameHeader, []byte, error)
	// LastFrame returns the offset of the final frame. hint, when non-zero,
	// is a known frame offset to start searching from.
	LastFrame(hint uint32) (uint32, error)
	// Refresh re-reads the header of a running file.
	Refresh() error
	Close() error
}

// Open selects the mmap reader for sealed files and the pread reader for
// files still being written.
func Open(path string) (Reader, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.Running {
		return &preadReader{f: f, hdr: h}, nil
	}
	r, err := openMmap(f, h)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

type mmapReader struct {
	f    *os.File
	data []byte
	hdr  Header
	tr   Trailer
}

func openMmap(f *os.File, h Header) (*mmapReader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < HeaderSize {
		return nil, ErrEmptyFile
	}
	if int64(h.NextOffset) > info.Size() || h.NextOffset < HeaderSize {
		return nil, fmt.Errorf("%w: next offset %d, size %d", ErrOutOfBounds, h.NextOffset, info.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED) //nolint:gosec // G115: fd fits in int
	if err != nil {
		return nil, err
	}
	r := &mmapReader{f: f, data: data, hdr: h}
	if int(h.NextOffset)+TrailerSize <= len(data) {
		if tr, err := DecodeTrailer(data[h.NextOffset:]); err == nil {
			r.tr = tr
		}
	}
	return r, nil
}

func (r *mmapReader) Header() Header { return r.hdr }
func (r *mmapReader) Limit() uint32  { return r.hdr.NextOffset }
func (r *mmapReader) Refresh() error { return nil }

func (r *mmapReader) FrameHeaderAt(off uint32) (FrameHeader, error) {
	if off < HeaderSize || uint64(off)+FrameHeaderSize > uint64(r.hdr.NextOffset) {
		return FrameHeader{}, ErrOutOfBounds
	}
	return DecodeFrameHeader(r.data[off : off+FrameHeaderSize])
}

func (r *mmapReader) FrameAt(off uint32, _ []byte) (FrameHeader, []byte, error) {
	h, err := r.FrameHeaderAt(off)
	if err != nil {
		return FrameHeader{}, nil, err
	}
	end := uint64(off) + uint64(h.Length)
	if end > uint64(r.hdr.NextOffset) {
		return FrameHeader{}, nil, ErrShortFrame
	}
	return h, r.data[off+FrameHeaderSize : end], nil
}

func (r *mmapReader) LastFrame(hint uint32) (uint32, error) {
	if r.tr.PrevOffset >= HeaderSize {
		return r.tr.PrevOffset, nil
	}
	return walkLast(r, hint)
}

func (r *mmapReader) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type preadReader struct {
	f   *os.File
	hdr Header
	fh  [FrameHeaderSize]byte
}

func (r *preadReader) Header() Header { return r.hdr }
func (r *preadReader) Limit() uint32  { return r.hdr.NextOffset }

func (r *preadReader) Refresh() error {
	var buf [HeaderSize]byte
	if _, err := r.f.ReadAt(buf[:], 0); err != nil {
		return err
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return err
	}
	r.hdr = h
	return nil
}

func (r *preadReader) FrameHeaderAt(off uint32) (FrameHeader, error) {
	if off < HeaderSize || uint64(off)+FrameHeaderSize > uint64(r.hdr.NextOffset) {
		return FrameHeader{}, ErrOutOfBounds
	}
	if _, err := r.f.ReadAt(r.fh[:], int64(off)); err != nil {
		return FrameHeader{}, err
	}
	return DecodeFrameHeader(r.fh[:])
}

func (r *preadReader) FrameAt(off uint32, buf []byte) (FrameHeader, []byte, error) {
	h, err := r.FrameHeaderAt(off)
	if err != nil {
		return FrameHeader{}, nil, err
	}
	if uint64(off)+uint64(h.Length) > uint64(r.hdr.NextOffset) {
		return FrameHeader{}, nil, ErrShortFrame
	}
	n := h.PayloadSize()
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := r.f.ReadAt(buf, int64(off)+FrameHeaderSize); err != nil {
		return FrameHeader{}, nil, err
	}
	return h, buf, nil
}

func (r *preadReader) LastFrame(hint uint32) (uint32, error) {
	return walkLast(r, hint)
}

func (r *preadReader) Close() error { return r.f.Close() }

// walkLast follows the frame chain from hint (or the first frame) to the
// last frame below the reader's limit.
func walkLast(r Reader, hint uint32) (uint32, error) {
	off := uint32(HeaderSize)
	if hint >= HeaderSize {
		off = hint
	}
	if off >= r.Limit() {
		return 0, ErrEmptyFile
	}
	last := uint32(0)
	for off < r.Limit() {
		h, err := r.FrameHeaderAt(off)
		if err != nil {
			break
		}
		last = off
		off += h.Length
	}
	if last == 0 {
		return 0, ErrBadFrame
	}
	return last, nil
}
