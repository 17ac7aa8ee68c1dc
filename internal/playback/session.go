package playback

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"slices"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
)

// openEnd as a stop offset means "everything written".
const openEnd = math.MaxUint32

// bound is a frame position: the frame header at off in file id.
type bound struct {
	id  uint8
	off uint32
}

// Session is one playback cursor over an hour folder. Methods must not be
// called concurrently.
//
// The cursor sits between frames: forward reads return the frame at the
// cursor, reverse reads the frame before it.
type Session struct {
	pool   *Pool
	id     int
	vol    volume.Volume
	folder layout.HourFolder
	files  []layout.StreamEntry

	start, stop bound
	state       State
	audio       bool

	rd      stream.Reader
	rdID    uint8
	cursor  uint32
	lastDir Direction
	buf     []byte
}

func (s *Session) ID() int                   { return s.id }
func (s *Session) State() State              { return s.state }
func (s *Session) Folder() layout.HourFolder { return s.folder }

// SetAudio enables audio frames in continuous forward reads.
func (s *Session) SetAudio(on bool) { s.audio = on }

func (s *Session) close() error {
	s.state = StateClosed
	if s.rd == nil {
		return nil
	}
	err := s.rd.Close()
	s.rd = nil
	return err
}

func (s *Session) healthy() bool { return s.pool.vols.Healthy(s.vol.Name) }

// entry finds the stream file with id, re-listing the folder once since a
// live folder gains files and renames them on close.
func (s *Session) entry(id uint8) (int, bool, error) {
	find := func() int {
		return slices.IndexFunc(s.files, func(e layout.StreamEntry) bool { return e.Name.ID == id })
	}
	if i := find(); i >= 0 {
		return i, true, nil
	}
	if err := s.relist(); err != nil {
		return -1, false, err
	}
	i := find()
	return i, i >= 0, nil
}

func (s *Session) relist() error {
	files, err := layout.ListStreams(s.folder)
	if err != nil {
		return err
	}
	s.files = files
	return nil
}

// openFile switches the reader to file id.
func (s *Session) openFile(id uint8) error {
	if s.rd != nil && s.rdID == id {
		return nil
	}
	i, ok, err := s.entry(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: stream file %d missing", ErrReadCorrupt, id)
	}
	rd, err := stream.Open(s.files[i].Path)
	if errors.Is(err, fs.ErrNotExist) {
		// Renamed by the writer between listing and opening.
		if err := s.relist(); err != nil {
			return err
		}
		if i, ok, _ = s.entry(id); ok {
			rd, err = stream.Open(s.files[i].Path)
		}
	}
	if err != nil {
		return s.ioError(err)
	}
	if s.rd != nil {
		_ = s.rd.Close()
	}
	s.rd, s.rdID = rd, id
	return nil
}

// ioError maps a read failure: a vanished volume stops the read, a bad
// format is corruption.
func (s *Session) ioError(err error) error {
	if !s.healthy() {
		return ErrHDDStop
	}
	if errors.Is(err, stream.ErrBadFrame) || errors.Is(err, stream.ErrShortFrame) ||
		errors.Is(err, stream.ErrOutOfBounds) || errors.Is(err, stream.ErrEmptyFile) {
		return fmt.Errorf("%w: %w", ErrReadCorrupt, err)
	}
	return err
}

// neighbour returns the id of the file before (delta -1) or after (+1)
// file id in this folder.
func (s *Session) neighbour(id uint8, delta int) (uint8, bool) {
	i, ok, err := s.entry(id)
	if err != nil || !ok {
		return 0, false
	}
	if delta > 0 && i == len(s.files)-1 {
		// The writer may have started another file since we listed.
		if s.relist() != nil {
			return 0, false
		}
		if i = slices.IndexFunc(s.files, func(e layout.StreamEntry) bool { return e.Name.ID == id }); i < 0 {
			return 0, false
		}
	}
	j := i + delta
	if j < 0 || j >= len(s.files) {
		return 0, false
	}
	return s.files[j].Name.ID, true
}

// forward returns the frame at the cursor and moves past it.
func (s *Session) forward() (Frame, error) {
	for s.cursor >= s.rd.Limit() {
		if err := s.rd.Refresh(); err != nil {
			return Frame{}, s.ioError(err)
		}
		if s.cursor < s.rd.Limit() {
			break
		}
		next, ok := s.neighbour(s.rdID, +1)
		if !ok || next > s.stop.id {
			return Frame{}, ErrReadOver
		}
		if err := s.openFile(next); err != nil {
			return Frame{}, err
		}
		s.cursor = stream.HeaderSize
	}
	if s.rdID > s.stop.id || (s.rdID == s.stop.id && s.cursor > s.stop.off) {
		return Frame{}, ErrReadOver
	}
	h, payload, err := s.frameAt(s.cursor)
	if err != nil {
		return Frame{}, s.ioError(err)
	}
	f := Frame{Header: h, Payload: payload, FileID: s.rdID, Offset: s.cursor}
	s.cursor += h.Length
	return f, nil
}

// backward returns the frame before the cursor and moves onto it.
func (s *Session) backward() (Frame, error) {
	for s.cursor <= stream.HeaderSize {
		prev, ok := s.neighbour(s.rdID, -1)
		if !ok || prev < s.start.id {
			return Frame{}, ErrReadOver
		}
		if err := s.openFile(prev); err != nil {
			return Frame{}, err
		}
		s.cursor = s.rd.Limit()
	}

	var off uint32
	if s.cursor >= s.rd.Limit() {
		last, err := s.rd.LastFrame(0)
		if err != nil {
			return Frame{}, s.ioError(err)
		}
		off = last
	} else {
		h, err := s.rd.FrameHeaderAt(s.cursor)
		if err != nil {
			return Frame{}, s.ioError(err)
		}
		off = h.PrevOffset
	}
	if s.rdID < s.start.id || (s.rdID == s.start.id && off < s.start.off) {
		return Frame{}, ErrReadOver
	}
	h, payload, err := s.frameAt(off)
	if err != nil {
		return Frame{}, s.ioError(err)
	}
	if off+h.Length != s.cursor && s.cursor < s.rd.Limit() {
		return Frame{}, fmt.Errorf("%w: frame at %d does not end at %d", ErrReadCorrupt, off, s.cursor)
	}
	s.cursor = off
	return Frame{Header: h, Payload: payload, FileID: s.rdID, Offset: off}, nil
}

// frameAt reads a frame. Sealed files hand back slices of their mapping,
// running files are read into the session buffer, which must never be
// pointed at a mapping.
func (s *Session) frameAt(off uint32) (stream.FrameHeader, []byte, error) {
	h, err := s.rd.FrameHeaderAt(off)
	if err != nil {
		return h, nil, err
	}
	if n := h.PayloadSize(); cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	return s.rd.FrameAt(off, s.buf)
}

func (s *Session) step(dir Direction) (Frame, error) {
	if dir == Reverse {
		return s.backward()
	}
	return s.forward()
}

// Read returns the next frame in opts.Direction. Changing direction skips
// the frame last returned, so a reverse read after a forward read yields
// the frame before it rather than the same frame again. A failed read
// returns nothing and so leaves nothing to skip.
func (s *Session) Read(opts ReadOptions) (Frame, error) {
	if s.state == StateClosed || s.rd == nil {
		return Frame{}, ErrNotPositioned
	}
	if opts.Direction != Forward && opts.Direction != Reverse {
		return Frame{}, fmt.Errorf("%w: direction %d", ErrBadRange, opts.Direction)
	}
	if !s.healthy() {
		return Frame{}, ErrHDDStop
	}
	if s.lastDir != 0 && s.lastDir != opts.Direction {
		if _, err := s.step(opts.Direction); err != nil {
			return Frame{}, err
		}
		s.lastDir = opts.Direction
	}
	s.state = StateReading
	withAudio := s.audio && !opts.Step && !opts.IFramesOnly && opts.Direction == Forward
	for {
		f, err := s.step(opts.Direction)
		if err != nil {
			return Frame{}, err
		}
		switch {
		case f.Header.IsAudio() && !withAudio:
			continue
		case opts.IFramesOnly && !f.Header.IsKeyFrame():
			continue
		}
		s.lastDir = opts.Direction
		return f, nil
	}
}

// SetPosition places the cursor for reading in dir from t: forward reads
// then return frames at or after t, reverse reads frames at or before t.
//
// The I-frame index gives the anchor; the final position is found by
// walking frame headers from there on millisecond timestamps. The exact
// start of the hour always resolves to the session's first frame.
func (s *Session) SetPosition(t time.Time, dir Direction) error {
	if dir != Forward && dir != Reverse {
		return fmt.Errorf("%w: direction %d", ErrBadRange, dir)
	}
	if !s.healthy() {
		return ErrHDDStop
	}
	t = t.In(s.folder.Hour.Location())
	if t.Before(s.folder.Hour) || !t.Before(s.folder.End()) {
		return fmt.Errorf("%w: %s outside %s", ErrBadRange, t.Format(time.TimeOnly), s.folder)
	}
	s.lastDir = 0

	if t.Equal(s.folder.Hour) {
		if err := s.openFile(s.start.id); err != nil {
			return err
		}
		s.cursor = s.start.off
		if dir == Reverse {
			// Nothing precedes the first frame; step past it.
			if _, err := s.forward(); err != nil {
				return err
			}
		}
		s.state = StatePositioned
		return nil
	}

	anchor := s.anchor(t)
	if err := s.openFile(anchor.id); err != nil {
		return err
	}
	s.cursor = anchor.off
	if err := s.fineTune(t.UnixMilli(), dir); err != nil {
		return err
	}
	s.state = StatePositioned
	return nil
}

// anchor picks the I-frame to start the walk from: the last key frame
// recorded in a second before t's. Index timestamps are whole seconds, so
// a key frame stamped with t's own second may lie after t. Without such a
// key frame the walk starts at the session's first frame.
func (s *Session) anchor(t time.Time) bound {
	recs, err := meta.ReadAll(s.folder.IFramePath(), meta.IFrameCodec)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.pool.logger.Debug("I-frame index unusable, walking from the start", "folder", s.folder.Dir(), "error", err)
	}
	recs = slices.DeleteFunc(recs, func(r meta.IFrameRecord) bool {
		return r.FileID < s.start.id || r.FileID > s.stop.id ||
			(r.FileID == s.start.id && r.StreamOffset < s.start.off)
	})
	sec := uint32(t.Unix()) //nolint:gosec // G115: unix seconds fit u32 until 2106
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Timestamp < sec {
			return bound{recs[i].FileID, recs[i].StreamOffset}
		}
	}
	return s.start
}

// fineTune walks forward from the cursor. Going forward it stops on the
// first frame at or after ms; going back it stops just past the last
// frame at or before ms.
func (s *Session) fineTune(ms int64, dir Direction) error {
	for {
		id, cursor := s.rdID, s.cursor
		f, err := s.forward()
		if errors.Is(err, ErrReadOver) {
			return nil
		}
		if err != nil {
			return err
		}
		at := f.Header.UnixMilli()
		if dir == Forward && at >= ms {
			if err := s.openFile(id); err != nil {
				return err
			}
			s.cursor = cursor
			return nil
		}
		if dir == Reverse && at > ms {
			if err := s.openFile(id); err != nil {
				return err
			}
			s.cursor = cursor
			return nil
		}
	}
}
