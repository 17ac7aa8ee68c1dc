package writer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"nvrstore/internal/anchor"
	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

// segment is a run of encoded frames bound for one stream file. The
// session fills one segment while the writer flushes the previous one.
type segment struct {
	folder    layout.HourFolder
	file      *stream.File
	ifrm      *meta.File[meta.IFrameRecord]
	data      []byte
	lastFSH   uint32
	iframes   []meta.IFrameRecord
	fileStart time.Time

	closeFile   bool
	closeFolder bool
	end         time.Time
}

// folderState holds the open metadata files of the hour being written.
// Event and time-index records are written by the session directly; the
// I-frame file belongs to the writer goroutine once frames are queued.
type folderState struct {
	folder   layout.HourFolder
	evnt     *meta.File[meta.EventRecord]
	tmid     *meta.File[meta.TimeIndexRecord]
	ifrm     *meta.File[meta.IFrameRecord]
	ifrmNext uint32
	nextID   int
}

type openEvent struct {
	idx uint32
	rec meta.EventRecord
}

type liveMark struct {
	dir  string
	last time.Time
}

// yearMark is one year-map update: minutes from..to of the folder's day.
type yearMark struct {
	mask     uint8
	from, to int
	overlap  bool
}

type session struct {
	r  *Recorder
	ch int

	mu    sync.Mutex
	state State
	err   error

	vol  volume.Volume
	fold *folderState

	file      *stream.File
	fileStart time.Time
	fileBytes uint64
	prevFSH   uint32

	lastTime   time.Time
	lastFSH    uint32
	lastMinute int64

	bits   uint8
	events [meta.Categories]openEvent

	overlap      bool
	overlapCount int

	cur     *segment
	pending *segment
	spare   []byte
	held    *Frame

	live atomic.Pointer[liveMark]
}

// write replays a held frame, then ingests f. Called with mu held.
func (s *session) write(f Frame) error {
	if s.held != nil {
		h := *s.held
		s.held = nil
		if err := s.ingest(h); err != nil {
			return err
		}
		if s.held != nil {
			s.r.metrics.FrameDropped("writer-busy")
			return ErrBusy
		}
	}
	return s.ingest(f)
}

func (s *session) ingest(f Frame) error {
	if s.err != nil {
		return s.err
	}
	t := f.Time.In(s.r.loc)
	if s.fold == nil {
		if err := s.openFolder(t); err != nil {
			return err
		}
	}

	trig := s.r.policy.Check(s.fileState(), NextFrame{Time: t, Size: f.size()})
	act := resolve(trig)
	if act == actDrop {
		s.r.metrics.FrameDropped("file-cap")
		return ErrFileCap
	}
	if trig.Has(TriggerOverlap) {
		s.overlap = true
		s.overlapCount++
	}
	if act != actAppend {
		if s.pending != nil {
			return s.hold(f)
		}
		if err := s.rollover(act, trig, t); err != nil {
			return err
		}
	}
	return s.append(f, t)
}

func (s *session) fileState() FileState {
	st := FileState{
		Hour:      s.fold.folder.Hour,
		FileStart: s.fileStart,
		LastFrame: s.lastTime,
		FileBytes: s.fileBytes,
	}
	if s.file != nil {
		st.FileID = s.file.ID()
	}
	if s.cur != nil {
		st.Buffered = len(s.cur.data)
	}
	return st
}

// hold keeps one video frame aside while the writer drains the previous
// segment. Audio is dropped instead.
func (s *session) hold(f Frame) error {
	if f.Media == stream.MediaAudio {
		s.r.metrics.FrameDropped("audio-holdover")
		return nil
	}
	if s.held != nil {
		s.r.metrics.FrameDropped("writer-busy")
		return ErrBusy
	}
	h := f
	h.Payload = bytes.Clone(f.Payload)
	s.held = &h
	return nil
}

func (s *session) rollover(act action, trig Trigger, t time.Time) error {
	switch act {
	case actFlush:
		s.r.metrics.Rollover(TriggerBuffer.String())
		s.handOff(false, false)
		return nil

	case actNewFile:
		reason := lowest(trig & newFile)
		s.r.metrics.Rollover(reason.String())
		// Events never straddle a clock change.
		if reason == TriggerOverlap {
			if err := s.closeEvents(); err != nil {
				return s.fail(err)
			}
		}
		s.handOff(true, false)
		return s.newFile(t)

	case actNewFolder:
		s.r.metrics.Rollover(TriggerHour.String())
		if err := s.closeEvents(); err != nil {
			return s.fail(err)
		}
		if err := errors.Join(s.fold.evnt.Close(), s.fold.tmid.Close()); err != nil {
			return s.fail(err)
		}
		s.handOff(true, true)
		s.r.logger.Debug("hour rollover", "channel", s.ch, "from", s.fold.folder.Dir())
		s.fold = nil
		return s.openFolder(t)
	}
	return nil
}

func lowest(t Trigger) Trigger { return t & (^t + 1) }

// handOff moves the current segment into the pending slot and wakes the
// writer. The caller has checked that the slot is free.
func (s *session) handOff(closeFile, closeFolder bool) {
	seg := s.cur
	seg.closeFile = closeFile || closeFolder
	seg.closeFolder = closeFolder
	seg.end = s.lastTime
	s.pending = seg
	s.cur = nil
	if !seg.closeFile {
		s.cur = s.newSegment(seg.file)
		s.cur.fileStart = seg.fileStart
	}
	s.r.wake.Notify()
}

func (s *session) newSegment(f *stream.File) *segment {
	data := s.spare
	s.spare = nil
	if data == nil {
		data = make([]byte, 0, s.r.bufferSize)
	}
	return &segment{folder: s.fold.folder, file: f, ifrm: s.fold.ifrm, data: data}
}

// openFolder starts recording into the hour containing t, resuming into
// the folder when it already holds streams.
func (s *session) openFolder(t time.Time) error {
	vol, err := s.r.volumes.GetRecordingPath(s.ch)
	if err != nil {
		return err
	}
	folder := layout.FolderFor(vol.Path, s.ch, t)

	// The folder is live before it is validated, so a recovery of the
	// previous session's files that has not started yet skips it.
	s.live.Store(&liveMark{dir: folder.Dir(), last: t})
	ok := false
	defer func() {
		if !ok {
			s.live.Store(nil)
		}
	}()

	if s.r.validate != nil {
		if _, err := os.Stat(folder.Dir()); err == nil {
			if err := s.r.validate(s.r.ctx, folder); err != nil {
				return fmt.Errorf("validate %s: %w", folder, err)
			}
		}
	}
	existing, err := layout.ListStreams(folder)
	if err != nil {
		return err
	}
	overlap := false
	nextID := 1
	for _, e := range existing {
		nextID = max(nextID, int(e.Name.ID)+1)
		if !t.After(e.Name.EndIn(folder)) {
			overlap = true
		}
	}
	if nextID > s.r.maxFiles {
		s.r.metrics.FrameDropped("file-cap")
		return ErrFileCap
	}

	if err := os.MkdirAll(folder.Dir(), 0o750); err != nil {
		return s.fail(err)
	}
	fs := &folderState{folder: folder, nextID: nextID}
	if fs.evnt, err = meta.OpenOrCreate(folder.EventPath(), meta.EventCodec, s.r.mode); err != nil {
		return s.fail(err)
	}
	if fs.tmid, err = meta.OpenOrCreate(folder.TimeIndexPath(), meta.TimeIndexCodec, s.r.mode); err != nil {
		_ = fs.evnt.Abandon()
		return s.fail(err)
	}
	if fs.ifrm, err = meta.OpenOrCreate(folder.IFramePath(), meta.IFrameCodec, s.r.mode); err != nil {
		_ = fs.evnt.Abandon()
		_ = fs.tmid.Abandon()
		return s.fail(err)
	}
	fs.ifrmNext = fs.ifrm.Next()

	s.vol = vol
	s.fold = fs
	s.overlap = overlap
	s.bits = 0
	ok = true

	if s.r.anchors != nil {
		if err := s.r.anchors.Save(s.ch, anchor.For(vol.Name, folder.Hour)); err != nil {
			s.r.logger.Warn("save anchor", "channel", s.ch, "error", err)
		}
	}
	s.r.logger.Info("recording folder opened",
		"channel", s.ch, "folder", folder.Dir(), "volume", vol.Name,
		"resumed", len(existing) > 0, "overlap", overlap)
	return s.newFile(t)
}

func (s *session) newFile(t time.Time) error {
	id := s.fold.nextID
	name := layout.NewStreamName(t, t, uint8(id), s.overlap) //nolint:gosec // G115: id is capped by maxFiles
	f, err := stream.Create(s.fold.folder, name, s.r.deviceType, s.r.mode)
	if err != nil {
		return s.fail(err)
	}
	s.fold.nextID++
	s.file = f
	s.fileStart = time.Time{}
	s.fileBytes = stream.HeaderSize
	s.prevFSH = 0
	s.lastMinute = -1
	s.cur = s.newSegment(f)
	return nil
}

// append encodes f into the current segment and updates the event and
// time indexes.
func (s *session) append(f Frame, t time.Time) error {
	off := uint32(s.fileBytes) //nolint:gosec // G115: bounded by SizePolicy
	sec := uint32(t.Unix())    //nolint:gosec // G115: u32 seconds on disk

	marks, err := s.trackEvents(f.Events, sec, off)
	if err != nil {
		return s.fail(err)
	}
	if minute := t.Unix() / 60; minute != s.lastMinute {
		s.lastMinute = minute
		rec := meta.TimeIndexRecord{
			Minute:    uint8(t.Minute()), //nolint:gosec // G115: 0..59
			Overlap:   s.overlap,
			DiskID:    s.vol.ID,
			FileID:    s.file.ID(),
			FSHOffset: off,
		}
		if err := s.fold.tmid.Append(rec); err != nil {
			return s.fail(err)
		}
		if f.Events != 0 {
			m := minuteOfDay(t)
			marks = append(marks, yearMark{mask: f.Events, from: m, to: m, overlap: s.overlap})
		}
	}
	s.markYear(marks)

	if s.fileStart.IsZero() {
		s.fileStart = t
		s.cur.fileStart = t
	}
	iIndex := s.fold.ifrmNext
	if f.IsKey() {
		s.cur.iframes = append(s.cur.iframes, meta.IFrameRecord{
			Timestamp:    sec,
			StreamOffset: off,
			FileID:       s.file.ID(),
			DiskID:       s.vol.ID,
		})
		s.fold.ifrmNext++
	} else if iIndex > 0 {
		iIndex--
	}

	size := f.size()
	h := stream.FrameHeader{
		FPS:           f.FPS,
		PrevOffset:    s.prevFSH,
		NextOffset:    off + uint32(size), //nolint:gosec // G115: bounded by SizePolicy
		IFrameIndex:   iIndex,
		TimeIndex:     s.fold.tmid.Next() - 1,
		MediaType:     f.Media,
		CodecType:     f.Codec,
		Resolution:    f.Resolution,
		FrameType:     f.Type,
		EventBits:     f.Events,
		DiskID:        s.vol.ID,
		RefFrameCount: f.RefFrames,
		CameraNo:      uint8(s.ch + 1), //nolint:gosec // G115: channels <= 64
		Sec:           sec,
		Ms:            uint16(t.Nanosecond() / int(time.Millisecond)), //nolint:gosec // G115: < 1000
	}
	s.cur.data = stream.AppendFrame(s.cur.data, h, f.Payload)
	s.cur.lastFSH = off

	s.prevFSH = off
	s.lastFSH = off
	s.lastTime = t
	s.fileBytes += uint64(size)
	s.live.Store(&liveMark{dir: s.fold.folder.Dir(), last: t})
	s.r.metrics.FrameWritten(s.ch)
	return nil
}

// trackEvents applies the per-category transitions of one frame: 0→1
// opens a record, 1→0 closes it at this frame, 1→1 and 0→0 do nothing.
func (s *session) trackEvents(bits uint8, sec, off uint32) ([]yearMark, error) {
	var marks []yearMark
	for c := range meta.Categories {
		bit := uint8(1) << c
		was, now := s.bits&bit != 0, bits&bit != 0
		switch {
		case !was && now:
			rec := meta.EventRecord{
				EventType:   bit,
				StartFileID: s.file.ID(),
				StopFileID:  s.file.ID(),
				Overlap:     s.overlap,
				StartTime:   sec,
				StartOffset: off,
				DiskID:      s.vol.ID,
			}
			idx := s.fold.evnt.Next()
			if err := s.fold.evnt.Append(rec); err != nil {
				return nil, err
			}
			s.events[c] = openEvent{idx: idx, rec: rec}
			s.bits |= bit
			m := s.minuteOfSec(sec)
			marks = append(marks, yearMark{mask: bit, from: m, to: m, overlap: s.overlap})
		case was && !now:
			mark, err := s.closeEvent(c, sec, off)
			if err != nil {
				return nil, err
			}
			marks = append(marks, mark)
		}
	}
	return marks, nil
}

func (s *session) closeEvent(c int, sec, off uint32) (yearMark, error) {
	e := &s.events[c]
	e.rec.EndTime = sec
	e.rec.StopFileID = s.file.ID()
	e.rec.StopOffset = off
	if err := s.fold.evnt.Update(e.idx, e.rec); err != nil {
		return yearMark{}, err
	}
	s.bits &^= e.rec.EventType
	return yearMark{
		mask:    e.rec.EventType,
		from:    s.minuteOfSec(e.rec.StartTime),
		to:      s.minuteOfSec(sec),
		overlap: e.rec.Overlap,
	}, nil
}

// closeEvents closes every open event at the last written frame.
func (s *session) closeEvents() error {
	if s.bits == 0 {
		return nil
	}
	sec := uint32(s.lastTime.Unix()) //nolint:gosec // G115: u32 seconds on disk
	var marks []yearMark
	for c := range meta.Categories {
		if s.bits&(1<<c) == 0 {
			continue
		}
		m, err := s.closeEvent(c, sec, s.lastFSH)
		if err != nil {
			return err
		}
		marks = append(marks, m)
	}
	s.markYear(marks)
	return nil
}

// markYear applies year-map updates. Failures are logged only: recovery
// rebuilds the day from the event records.
func (s *session) markYear(marks []yearMark) {
	if len(marks) == 0 {
		return
	}
	hour := s.fold.folder.Hour
	err := s.r.yearMaps.With(s.ch, s.fold.folder.YearMapPath(), hour.Year(), s.r.mode, func(y *yearmap.File) error {
		for _, m := range marks {
			if err := y.Mark(hour.Month(), hour.Day(), m.mask, m.from, m.to, m.overlap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.r.logger.Warn("update year map", "channel", s.ch, "error", err)
	}
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

func (s *session) minuteOfSec(sec uint32) int {
	return minuteOfDay(time.Unix(int64(sec), 0).In(s.r.loc))
}

// finish closes the session's events and metadata and queues the final
// segment for sealing. Called with mu held and the pending slot free.
func (s *session) finish() error {
	if s.fold == nil {
		return nil
	}
	if s.err != nil {
		s.abandon()
		return nil
	}
	err := s.closeEvents()
	err = errors.Join(err, s.fold.evnt.Close(), s.fold.tmid.Close())
	if s.cur != nil {
		s.handOff(true, true)
	} else {
		err = errors.Join(err, s.fold.ifrm.Close())
	}
	s.fold = nil
	s.file = nil
	return err
}

// abandon drops everything in flight without sealing. Recovery repairs
// what was left on disk.
func (s *session) abandon() {
	if s.file != nil {
		_ = s.file.Abandon()
	}
	if s.fold != nil {
		_ = s.fold.evnt.Abandon()
		_ = s.fold.tmid.Abandon()
		_ = s.fold.ifrm.Abandon()
	}
	s.fold = nil
	s.file = nil
	s.cur = nil
	s.held = nil
	s.bits = 0
}

// reset returns the session to its idle state.
func (s *session) reset() {
	s.state = StateOff
	s.err = nil
	s.fold = nil
	s.file = nil
	s.cur = nil
	s.held = nil
	s.bits = 0
	s.lastTime = time.Time{}
	s.lastMinute = -1
	s.overlap = false
	s.live.Store(nil)
}

// fail records a sticky write error and reports it. Further frames are
// refused until the session is restarted.
func (s *session) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.r.logger.Error("recording failed", "channel", s.ch, "volume", s.vol.Name, "error", err)
		if s.r.onError != nil {
			go s.r.onError(s.ch, s.vol, err)
		}
	}
	return err
}

