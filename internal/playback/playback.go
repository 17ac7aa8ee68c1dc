// Package playback reads recorded frames back: sessions bound to one hour
// folder, positioned through the I-frame index and stepped frame by frame
// in either direction across stream files.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/meta"
	"nvrstore/internal/status"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
)

var (
	// ErrReadOver is returned at either bound of the session.
	ErrReadOver = errors.New("read over")
	// ErrReadCorrupt is returned when the frame chain is broken.
	ErrReadCorrupt = errors.New("read error: corrupt frame")
	// ErrHDDStop is returned once the backing volume stops working.
	ErrHDDStop = errors.New("read stopped: storage not operational")

	ErrNoSession     = errors.New("no such play session")
	ErrPoolFull      = fmt.Errorf("%w: no free play session", status.ErrResourceLimit)
	ErrNoRecording   = fmt.Errorf("%w: recording not found", status.ErrNoRecord)
	ErrNotPositioned = errors.New("play session not positioned")
	ErrBadRange      = errors.New("invalid playback range")
)

// Purpose decides which part of the pool a session comes from.
type Purpose uint8

const (
	PurposePlayback Purpose = iota
	PurposeBackup
)

// Direction of reading.
type Direction uint8

const (
	Forward Direction = iota + 1
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	}
	return "none"
}

// State of a session.
type State uint8

const (
	StateClosed State = iota
	StatePositioned
	StateReading
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StatePositioned:
		return "positioned"
	case StateReading:
		return "reading"
	}
	return "unknown"
}

// Range names what to play. With EventType set it must match one event
// record of the folder exactly (a search result); otherwise the whole
// hour folder containing Start is played.
type Range struct {
	Drive     string
	Channel   int
	Start     time.Time
	End       time.Time
	EventType uint8
	Overlap   bool
	DiskID    uint8
}

// ReadOptions select how ReadRecordFrame advances.
type ReadOptions struct {
	Direction Direction
	// IFramesOnly skips everything but video key frames.
	IFramesOnly bool
	// Step delivers video frames only; continuous reading also delivers
	// audio when the session has audio enabled and reads forward.
	Step bool
}

// Frame is one frame read back. Payload is valid until the next read on
// the same session.
type Frame struct {
	Header  stream.FrameHeader
	Payload []byte
	FileID  uint8
	Offset  uint32
}

// Time returns the frame timestamp.
func (f Frame) Time() time.Time { return time.UnixMilli(f.Header.UnixMilli()) }

// Config wires a Pool.
type Config struct {
	Volumes  volume.Resolver
	Location *time.Location
	// Sessions is the pool size; one slot is reserved for backup.
	Sessions int
	Logger   *slog.Logger
}

// Pool is the fixed set of play sessions. The pool mutex guards slot
// allocation only; an allocated session belongs to its caller.
type Pool struct {
	vols   volume.Resolver
	loc    *time.Location
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*Session
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Volumes == nil {
		return nil, errors.New("playback: volume resolver required")
	}
	if cfg.Sessions < 2 {
		return nil, fmt.Errorf("playback: need at least 2 sessions, got %d", cfg.Sessions)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Pool{
		vols:     cfg.Volumes,
		loc:      cfg.Location,
		logger:   logging.Default(cfg.Logger).With("component", "playback"),
		sessions: make([]*Session, cfg.Sessions),
	}, nil
}

// backupSlot is the slot reserved for backup reads.
func (p *Pool) backupSlot() int { return len(p.sessions) - 1 }

// OpenPlaySession resolves r to its stream bounds and allocates a session
// for it. The returned id addresses the session until ClosePlaySession.
func (p *Pool) OpenPlaySession(purpose Purpose, r Range) (int, error) {
	vol, ok := p.lookup(r.Drive)
	if !ok {
		return -1, fmt.Errorf("%w: unknown drive %q", ErrBadRange, r.Drive)
	}
	if !p.vols.Healthy(vol.Name) {
		return -1, ErrHDDStop
	}
	s, err := p.resolve(vol, r)
	if err != nil {
		return -1, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	lo, hi := 0, p.backupSlot()
	if purpose == PurposeBackup {
		lo, hi = p.backupSlot(), p.backupSlot()+1
	}
	for i := lo; i < hi; i++ {
		if p.sessions[i] == nil {
			s.id = i
			p.sessions[i] = s
			return i, nil
		}
	}
	return -1, ErrPoolFull
}

// ClosePlaySession releases a session and its open file.
func (p *Pool) ClosePlaySession(id int) error {
	p.mu.Lock()
	s, err := p.take(id)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return s.close()
}

// Session returns an allocated session.
func (p *Pool) Session(id int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.sessions) || p.sessions[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	return p.sessions[id], nil
}

// InUse counts allocated sessions.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// CloseAll releases every session.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	var open []*Session
	for i, s := range p.sessions {
		if s != nil {
			open = append(open, s)
			p.sessions[i] = nil
		}
	}
	p.mu.Unlock()
	var errs []error
	for _, s := range open {
		errs = append(errs, s.close())
	}
	return errors.Join(errs...)
}

func (p *Pool) take(id int) (*Session, error) {
	if id < 0 || id >= len(p.sessions) || p.sessions[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	s := p.sessions[id]
	p.sessions[id] = nil
	return s, nil
}

func (p *Pool) lookup(drive string) (volume.Volume, bool) {
	for _, v := range p.vols.ReadHddConfig() {
		if v.Name == drive {
			return v, true
		}
	}
	return volume.Volume{}, false
}

// SetPlayPosition positions session id at t for reading in dir.
func (p *Pool) SetPlayPosition(id int, t time.Time, dir Direction) error {
	s, err := p.Session(id)
	if err != nil {
		return err
	}
	return s.SetPosition(t, dir)
}

// ReadRecordFrame reads the next frame of session id.
func (p *Pool) ReadRecordFrame(id int, opts ReadOptions) (Frame, error) {
	s, err := p.Session(id)
	if err != nil {
		return Frame{}, err
	}
	return s.Read(opts)
}

// resolve builds an unallocated session for r.
func (p *Pool) resolve(vol volume.Volume, r Range) (*Session, error) {
	if r.Start.IsZero() {
		return nil, fmt.Errorf("%w: no start time", ErrBadRange)
	}
	f := layout.FolderFor(vol.Path, r.Channel, r.Start.In(p.loc))
	files, err := layout.ListStreams(f)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoRecording
	}
	s := &Session{
		pool:   p,
		vol:    vol,
		folder: f,
		files:  files,
		start:  bound{files[0].Name.ID, stream.HeaderSize},
		stop:   bound{math.MaxUint8, openEnd},
	}
	if r.EventType == 0 {
		return s, nil
	}

	recs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRecording, err)
	}
	startSec, endSec := uint32(r.Start.Unix()), uint32(r.End.Unix()) //nolint:gosec // G115: unix seconds fit u32 until 2106
	var foundStart, foundStop bool
	for _, rec := range recs {
		if rec.EventType&r.EventType == 0 || rec.Overlap != r.Overlap || rec.DiskID != r.DiskID {
			continue
		}
		if !foundStart && rec.StartTime == startSec {
			s.start = bound{rec.StartFileID, rec.StartOffset}
			foundStart = true
		}
		if !foundStop && !rec.Open() && rec.EndTime == endSec {
			s.stop = bound{rec.StopFileID, rec.StopOffset}
			foundStop = true
		}
		if !foundStop && rec.Open() && rec.StartTime <= endSec {
			// Still recording: play to whatever is written.
			foundStop = true
		}
	}
	if !foundStart || !foundStop {
		return nil, fmt.Errorf("%w: %s %s..%s", ErrNoRecording, f, r.Start.Format(time.TimeOnly), r.End.Format(time.TimeOnly))
	}
	return s, nil
}
