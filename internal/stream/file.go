package stream

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"nvrstore/internal/layout"
)

var (
	ErrFileFull = errors.New("stream file offset space exhausted")
	ErrClosed   = errors.New("stream file closed")
)

// File is the write cursor of a running stream file. It is owned by a
// single goroutine at a time; the recorder creates it and the writer
// goroutine appends to and closes it.
type File struct {
	folder    layout.HourFolder
	name      layout.StreamName
	path      string
	f         *os.File
	hdr       Header
	lastFrame uint32
}

// Create makes a new running stream file. The name carries the start time
// on both sides of '~' until Close renames it.
func Create(folder layout.HourFolder, name layout.StreamName, deviceType uint8, mode os.FileMode) (*File, error) {
	if err := os.MkdirAll(folder.Dir(), 0o750); err != nil {
		return nil, err
	}
	path := folder.StreamPath(name)
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_RDWR, mode)
	if err != nil {
		return nil, err
	}
	sf := &File{
		folder: folder,
		name:   name,
		path:   path,
		f:      f,
		hdr:    Header{NextOffset: HeaderSize, Running: true, DeviceType: deviceType},
	}
	if err := sf.RewriteHeader(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return sf, nil
}

func (s *File) Path() string              { return s.path }
func (s *File) ID() uint8                 { return s.name.ID }
func (s *File) Name() layout.StreamName   { return s.name }
func (s *File) Folder() layout.HourFolder { return s.folder }

// NextOffset is the committed end of frame data.
func (s *File) NextOffset() uint32 { return s.hdr.NextOffset }

// Append writes pre-encoded frames at the committed end and then rewrites
// the header so it names the new end. lastFrame is the offset of the final
// frame stream header inside data, in file coordinates.
func (s *File) Append(data []byte, lastFrame uint32) error {
	if s.f == nil {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	if uint64(s.hdr.NextOffset)+uint64(len(data))+TrailerSize > math.MaxUint32 {
		return ErrFileFull
	}
	if _, err := s.f.WriteAt(data, int64(s.hdr.NextOffset)); err != nil {
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	s.hdr.NextOffset += uint32(len(data))
	s.lastFrame = lastFrame
	return s.RewriteHeader()
}

// RewriteHeader writes the in-memory header over the on-disk one.
func (s *File) RewriteHeader() error {
	if s.f == nil {
		return ErrClosed
	}
	var buf [HeaderSize]byte
	s.hdr.EncodeInto(buf[:])
	if _, err := s.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("rewrite header %s: %w", s.path, err)
	}
	return nil
}

// Close writes the trailer, clears the run flag and renames the file so its
// name carries end. It returns the final path. A file without frames is
// removed instead and the empty path is returned.
func (s *File) Close(end time.Time) (string, error) {
	if s.f == nil {
		return "", ErrClosed
	}
	f := s.f
	s.f = nil

	if s.hdr.NextOffset == HeaderSize {
		_ = f.Close()
		if err := os.Remove(s.path); err != nil {
			return "", err
		}
		return "", nil
	}

	var tr [TrailerSize]byte
	Trailer{PrevOffset: s.lastFrame}.EncodeInto(tr[:])
	if _, err := f.WriteAt(tr[:], int64(s.hdr.NextOffset)); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write trailer %s: %w", s.path, err)
	}
	s.hdr.Running = false
	var hb [HeaderSize]byte
	s.hdr.EncodeInto(hb[:])
	if _, err := f.WriteAt(hb[:], 0); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("clear run flag %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	s.name = s.name.WithEnd(end)
	final := s.folder.StreamPath(s.name)
	if final != s.path {
		if err := os.Rename(s.path, final); err != nil {
			return "", err
		}
		s.path = final
	}
	return final, nil
}

// Abandon closes the descriptor without sealing. The file keeps its run
// flag and is repaired by recovery.
func (s *File) Abandon() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadHeader reads the header of a stream file on disk.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = f.Close() }()
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return Header{}, fmt.Errorf("read header %s: %w", path, err)
	}
	return DecodeHeader(buf[:])
}

// SetBackupFlags ORs flags into the header's backup bitmask in place.
func SetBackupFlags(path string, flags uint8) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var buf [HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return err
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return err
	}
	if h.BackupFlags&flags == flags {
		return nil
	}
	if _, err := f.WriteAt([]byte{h.BackupFlags | flags}, 9); err != nil {
		return err
	}
	return f.Sync()
}

// Seal truncates an unclean file to end, writes the trailer pointing at
// lastFrame and clears the run flag. Used by recovery.
func Seal(path string, end, lastFrame uint32) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var buf [HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return err
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(end)); err != nil {
		return err
	}
	var tr [TrailerSize]byte
	Trailer{PrevOffset: lastFrame}.EncodeInto(tr[:])
	if _, err := f.WriteAt(tr[:], int64(end)); err != nil {
		return err
	}
	h.NextOffset = end
	h.Running = false
	h.EncodeInto(buf[:])
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return err
	}
	return f.Sync()
}
