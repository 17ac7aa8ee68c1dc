// Package writer records camera streams into hour folders.
//
// Every channel has a session that turns incoming frames into frame stream
// headers, keeps the event, time-index and year-map files current, and
// fills an in-memory segment. A single writer goroutine, woken by a shared
// signal, sweeps all sessions and flushes their pending segments: stream
// bytes first, then the I-frame records that point at them. Each session
// owns two segment slots, so it keeps accepting frames while the writer
// drains the previous one. When a rollover is due and the writer has not
// yet taken the previous segment, one video frame is held back and
// replayed on the next call; audio frames are dropped.
//
// Sealed stream files are offered to an optional AVI converter through a
// bounded queue. A full queue drops the job with an error.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"nvrstore/internal/anchor"
	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/metrics"
	"nvrstore/internal/notify"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

// AVIJob names a sealed stream file to convert.
type AVIJob struct {
	Channel int
	Path    string
	Start   time.Time
	End     time.Time
}

// AVIConverter converts sealed stream files. It runs on its own goroutine.
type AVIConverter interface {
	Convert(ctx context.Context, job AVIJob) error
}

// Config wires a Recorder to its collaborators.
type Config struct {
	Channels int
	Volumes  volume.Resolver
	Location *time.Location

	FileDuration   time.Duration
	BufferSize     int
	MaxStreamFiles int
	// MaxFileBytes caps a stream file. Zero means the format limit.
	MaxFileBytes uint64
	DeviceType   uint8
	FileMode     os.FileMode

	YearMaps *yearmap.Locks
	Anchors  *anchor.Store

	Converter    AVIConverter
	AVIQueueSize int

	// Validate repairs an existing hour folder before recording resumes
	// into it. The folder is already reported by Live when it is called.
	Validate func(ctx context.Context, f layout.HourFolder) error
	// OnError receives write failures. It runs on its own goroutine.
	OnError func(channel int, vol volume.Volume, err error)
	// OnFolderClosed is called by the writer goroutine after the last
	// segment of an hour folder is sealed. It must not block.
	OnFolderClosed func(f layout.HourFolder)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Recorder owns the recording sessions and the writer goroutine.
type Recorder struct {
	volumes    volume.Resolver
	loc        *time.Location
	policy     RotationPolicy
	bufferSize int
	maxFiles   int
	deviceType uint8
	mode       os.FileMode
	yearMaps   *yearmap.Locks
	anchors    *anchor.Store
	converter  AVIConverter
	validate   func(context.Context, layout.HourFolder) error
	onError    func(int, volume.Volume, error)
	onClosed   func(layout.HourFolder)
	metrics    *metrics.Metrics
	logger     *slog.Logger

	sessions []*session
	wake     *notify.Signal
	flushed  *notify.Signal
	avi      chan AVIJob

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a Recorder. Call Start to run the writer goroutine.
func New(cfg Config) (*Recorder, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("writer: channels must be positive, got %d", cfg.Channels)
	}
	if cfg.Volumes == nil {
		return nil, errors.New("writer: volume resolver required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FileDuration <= 0 {
		cfg.FileDuration = 15 * time.Minute
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2 << 20
	}
	if cfg.MaxStreamFiles <= 0 || cfg.MaxStreamFiles > 255 {
		cfg.MaxStreamFiles = 255
	}
	if cfg.MaxFileBytes == 0 || cfg.MaxFileBytes > MaxFileBytes {
		cfg.MaxFileBytes = MaxFileBytes
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o640
	}
	if cfg.YearMaps == nil {
		cfg.YearMaps = yearmap.NewLocks(cfg.Channels)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		volumes:    cfg.Volumes,
		loc:        cfg.Location,
		policy:     DefaultPolicy(cfg.FileDuration, cfg.BufferSize, cfg.MaxStreamFiles, cfg.MaxFileBytes),
		bufferSize: cfg.BufferSize,
		maxFiles:   cfg.MaxStreamFiles,
		deviceType: cfg.DeviceType,
		mode:       cfg.FileMode,
		yearMaps:   cfg.YearMaps,
		anchors:    cfg.Anchors,
		converter:  cfg.Converter,
		validate:   cfg.Validate,
		onError:    cfg.OnError,
		onClosed:   cfg.OnFolderClosed,
		metrics:    cfg.Metrics,
		logger:     logging.Default(cfg.Logger).With("component", "writer"),
		wake:       notify.NewSignal(),
		flushed:    notify.NewSignal(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if r.converter != nil {
		size := cfg.AVIQueueSize
		if size <= 0 {
			size = 32
		}
		r.avi = make(chan AVIJob, size)
	}
	r.sessions = make([]*session, cfg.Channels)
	for ch := range r.sessions {
		r.sessions[ch] = &session{r: r, ch: ch, lastMinute: -1}
	}
	return r, nil
}

// Start launches the writer goroutine and, when a converter is set, the
// AVI conversion goroutine.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.run()
	if r.avi != nil {
		r.wg.Add(1)
		go r.convert()
	}
}

// Close stops every active session, then stops the writer after a final
// sweep. ctx bounds how long sessions may take to drain.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	var errs []error
	for ch, s := range r.sessions {
		if r.State(ch) != StateOn {
			continue
		}
		if !started {
			s.mu.Lock()
			s.abandon()
			s.reset()
			s.mu.Unlock()
			continue
		}
		if err := r.StopSession(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch, err))
		}
	}
	close(r.done)
	r.wg.Wait()
	r.cancel()
	return errors.Join(errs...)
}

func (r *Recorder) session(ch int) (*session, error) {
	if ch < 0 || ch >= len(r.sessions) {
		return nil, fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	return r.sessions[ch], nil
}

// State returns the lifecycle state of a channel's session.
func (r *Recorder) State(ch int) State {
	s, err := r.session(ch)
	if err != nil {
		return StateOff
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartSession arms a channel. The hour folder is opened by the first
// frame.
func (r *Recorder) StartSession(ch int) error {
	s, err := r.session(ch)
	if err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOff {
		return ErrAlreadyRecording
	}
	s.reset()
	s.state = StateOn
	r.logger.Info("session started", "channel", ch)
	return nil
}

// WriteMediaFrame appends one frame to the channel's recording.
func (r *Recorder) WriteMediaFrame(ch int, f Frame) error {
	s, err := r.session(ch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOn {
		return ErrNotRecording
	}
	return s.write(f)
}

// StopSession drains the held frame, closes open events at the last
// frame, seals the current stream file and waits for the writer to finish
// with the channel.
func (r *Recorder) StopSession(ctx context.Context, ch int) error {
	s, err := r.session(ch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateOn {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.state = StateWait
	s.mu.Unlock()

	if err := r.lockIdle(ctx, s); err != nil {
		return err
	}
	if s.held != nil {
		h := *s.held
		s.held = nil
		if err := s.ingest(h); err != nil {
			r.logger.Warn("replay held frame", "channel", ch, "error", err)
		}
		s.mu.Unlock()
		if err := r.lockIdle(ctx, s); err != nil {
			return err
		}
	}
	ferr := s.finish()
	s.mu.Unlock()

	if err := r.lockIdle(ctx, s); err != nil {
		return err
	}
	werr := s.err
	s.reset()
	s.mu.Unlock()
	r.logger.Info("session stopped", "channel", ch)
	return errors.Join(ferr, werr)
}

// Abort stops a channel without sealing anything, for volumes that can no
// longer be written. The files are left for recovery.
func (r *Recorder) Abort(ctx context.Context, ch int) error {
	s, err := r.session(ch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateOff {
		s.mu.Unlock()
		return nil
	}
	s.state = StateWait
	s.mu.Unlock()

	if err := r.lockIdle(ctx, s); err != nil {
		return err
	}
	s.abandon()
	s.reset()
	s.mu.Unlock()
	r.logger.Warn("session aborted", "channel", ch)
	return nil
}

// Live reports whether dir is the hour folder a session is writing and,
// if so, the time of its last frame.
func (r *Recorder) Live(dir string) (time.Time, bool) {
	for _, s := range r.sessions {
		if m := s.live.Load(); m != nil && m.dir == dir {
			return m.last, true
		}
	}
	return time.Time{}, false
}

// lockIdle returns with s.mu held and no segment pending for s.
func (r *Recorder) lockIdle(ctx context.Context, s *session) error {
	for {
		c := r.flushed.C()
		s.mu.Lock()
		if s.pending == nil {
			return nil
		}
		s.mu.Unlock()
		r.wake.Notify()
		select {
		case <-c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		c := r.wake.C()
		r.sweep()
		select {
		case <-c:
		case <-r.done:
			r.sweep()
			if r.avi != nil {
				close(r.avi)
			}
			return
		}
	}
}

// sweep flushes the pending segment of every session.
func (r *Recorder) sweep() {
	for _, s := range r.sessions {
		s.mu.Lock()
		seg := s.pending
		s.mu.Unlock()
		if seg == nil {
			continue
		}

		err := r.flush(s.ch, seg)

		s.mu.Lock()
		s.pending = nil
		if cap(seg.data) == r.bufferSize {
			s.spare = seg.data[:0]
		}
		if err != nil {
			if seg.closeFile {
				_ = seg.file.Abandon()
			}
			if seg.closeFolder {
				_ = seg.ifrm.Abandon()
			}
			_ = s.fail(err)
		}
		s.mu.Unlock()
		r.flushed.Notify()

		if err == nil && seg.closeFolder && r.onClosed != nil {
			r.onClosed(seg.folder)
		}
	}
}

func (r *Recorder) flush(ch int, seg *segment) error {
	if len(seg.data) > 0 {
		if err := seg.file.Append(seg.data, seg.lastFSH); err != nil {
			return err
		}
		r.metrics.Flushed(ch, len(seg.data))
	}
	if len(seg.iframes) > 0 {
		if err := seg.ifrm.Append(seg.iframes...); err != nil {
			return err
		}
	}
	if seg.closeFile {
		path, err := seg.file.Close(seg.end)
		if err != nil {
			return err
		}
		if path != "" {
			r.enqueueAVI(AVIJob{Channel: ch, Path: path, Start: seg.fileStart, End: seg.end})
		}
	}
	if seg.closeFolder {
		if err := seg.ifrm.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) enqueueAVI(job AVIJob) {
	if r.avi == nil {
		return
	}
	select {
	case r.avi <- job:
	default:
		r.metrics.AVIDropped()
		r.logger.Error("avi queue full, conversion dropped", "channel", job.Channel, "path", job.Path)
	}
}

func (r *Recorder) convert() {
	defer r.wg.Done()
	for job := range r.avi {
		if err := r.converter.Convert(r.ctx, job); err != nil {
			r.logger.Warn("avi conversion failed", "channel", job.Channel, "path", job.Path, "error", err)
		}
	}
}
