// Package backup exports recordings: native hour-folder copies to removable
// media or a manual drive, uploads through an FTP or object-store client,
// and AVI exports read back through the playback engine.
//
// Work is split by source volume. A small worker pool runs one volume per
// worker, so two workers never read the same disk or the same channel. The
// caller's abort predicate is polled between copy chunks and while waiting
// for upload callbacks.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/metrics"
	"nvrstore/internal/playback"
	"nvrstore/internal/status"
	"nvrstore/internal/volume"
)

var (
	ErrAborted       = errors.New("backup aborted")
	ErrNoSpace       = fmt.Errorf("%w: not enough space on backup destination", status.ErrResourceLimit)
	ErrNothingToCopy = fmt.Errorf("%w: nothing to back up", status.ErrNoRecord)
	ErrBadRequest    = errors.New("invalid backup request")
	ErrNoUploader    = errors.New("no upload client configured")
	ErrNoAVIWriter   = errors.New("no AVI writer configured")
	ErrUploadTimeout = errors.New("upload did not complete in time")
	ErrUnknownTask   = errors.New("unknown backup task")
)

// Kind is the backup type. Each kind owns one bit of the stream header's
// backup mask so incremental runs can skip what they already exported.
type Kind uint8

const (
	KindMedia     Kind = 1 << iota // removable media
	KindFTP                        // FTP or object store
	KindManual                     // manual drive
	KindScheduled                  // scheduled incremental job
)

func (k Kind) String() string {
	switch k {
	case KindMedia:
		return "media"
	case KindFTP:
		return "ftp"
	case KindManual:
		return "manual"
	case KindScheduled:
		return "scheduled"
	}
	return "unknown"
}

// Flag is the header bit of the kind.
func (k Kind) Flag() uint8 { return uint8(k) }

// Format selects the exported representation.
type Format uint8

const (
	FormatNative Format = iota
	FormatAVI
)

// Request selects what to back up and where.
type Request struct {
	Channels []int
	From, To time.Time
	// Drive limits the source to one volume. Empty means every healthy
	// volume.
	Drive  string
	Format Format
	// Destination is a local directory for media and manual backups and
	// a remote prefix for uploads.
	Destination string
	// Incremental skips stream files already carrying this kind's flag.
	Incremental bool
	// Archive packs each uploaded hour folder into one compressed tar.
	Archive bool
	// Abort is polled between chunks; returning true stops the backup.
	Abort func() bool
}

func (r Request) aborted() bool { return r.Abort != nil && r.Abort() }

func (r Request) validate(channels int) error {
	switch {
	case len(r.Channels) == 0:
		return fmt.Errorf("%w: no channels", ErrBadRequest)
	case r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From):
		return fmt.Errorf("%w: time range %s..%s", ErrBadRequest, r.From, r.To)
	case r.Destination == "":
		return fmt.Errorf("%w: no destination", ErrBadRequest)
	}
	for _, ch := range r.Channels {
		if ch < 0 || ch >= channels {
			return fmt.Errorf("%w: channel %d", ErrBadRequest, ch)
		}
	}
	return nil
}

// Result tallies a finished backup.
type Result struct {
	Folders int
	Files   int
	Skipped int
	Bytes   int64
}

func (r *Result) add(o Result) {
	r.Folders += o.Folders
	r.Files += o.Files
	r.Skipped += o.Skipped
	r.Bytes += o.Bytes
}

// Config wires an Engine.
type Config struct {
	Volumes  volume.Resolver
	Channels int
	Location *time.Location
	// Playback reads frames for AVI exports through its backup slot.
	Playback *playback.Pool
	AVI      AVIWriter
	Uploader Uploader

	// Workers is 1 or 2.
	Workers int
	// Rate caps copy and export throughput in bytes per second. Zero is
	// unlimited.
	Rate uint64
	// MaxAVIBytes splits AVI output. Zero means 2GB.
	MaxAVIBytes int64
	// UploadTimeout bounds the wait for one upload callback.
	UploadTimeout time.Duration
	// PollInterval is how often the abort predicate is checked while
	// waiting for an upload.
	PollInterval time.Duration
	// Staging holds AVI exports and archives before upload. Empty means
	// the system temp directory.
	Staging string

	FreeSpace func(path string) (volume.Space, error)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine runs backups. It is safe for concurrent use.
type Engine struct {
	vols      volume.Resolver
	channels  int
	loc       *time.Location
	pool      *playback.Pool
	avi       AVIWriter
	uploader  Uploader
	workers   int
	limiter   *rate.Limiter
	maxAVI    int64
	timeout   time.Duration
	poll      time.Duration
	staging   string
	freeSpace func(string) (volume.Space, error)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// aviMu serialises AVI exports over the pool's single backup slot.
	aviMu sync.Mutex

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// copyChunk is the unit of copying, throttling and abort polling.
const copyChunk = 256 << 10

func New(cfg Config) (*Engine, error) {
	if cfg.Volumes == nil {
		return nil, errors.New("backup: volume resolver required")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("backup: invalid channel count %d", cfg.Channels)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Workers < 1 || cfg.Workers > 2 {
		return nil, fmt.Errorf("backup: workers must be 1 or 2, got %d", cfg.Workers)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxAVIBytes <= 0 {
		cfg.MaxAVIBytes = 2 << 30
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = volume.FreeSpace
	}
	limiter := rate.NewLimiter(rate.Inf, copyChunk)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(int(min(cfg.Rate, 1<<30)), copyChunk)) //nolint:gosec // G115: clamped
	}
	return &Engine{
		vols:      cfg.Volumes,
		channels:  cfg.Channels,
		loc:       cfg.Location,
		pool:      cfg.Playback,
		avi:       cfg.AVI,
		uploader:  cfg.Uploader,
		workers:   cfg.Workers,
		limiter:   limiter,
		maxAVI:    cfg.MaxAVIBytes,
		timeout:   cfg.UploadTimeout,
		poll:      cfg.PollInterval,
		staging:   cfg.Staging,
		freeSpace: cfg.FreeSpace,
		metrics:   cfg.Metrics,
		logger:    logging.Default(cfg.Logger).With("component", "backup"),
		tasks:     make(map[string]*Task),
	}, nil
}

// BackupToMedia copies the request to removable media mounted at
// req.Destination.
func (e *Engine) BackupToMedia(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, KindMedia, req)
}

// BackupToFtp uploads the request through the configured Uploader.
func (e *Engine) BackupToFtp(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, KindFTP, req)
}

// BackUpSyncRecordToManualDrive copies the request to the manual drive and
// returns when done.
func (e *Engine) BackUpSyncRecordToManualDrive(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, KindManual, req)
}

// Scheduled runs the incremental scheduled backup: files already exported
// by an earlier run are skipped.
func (e *Engine) Scheduled(ctx context.Context, req Request) (Result, error) {
	req.Incremental = true
	return e.run(ctx, KindScheduled, req)
}

// work is one volume's share of a backup.
type work struct {
	vol     volume.Volume
	folders []layout.HourFolder
}

func (e *Engine) run(ctx context.Context, kind Kind, req Request) (Result, error) {
	if err := req.validate(e.channels); err != nil {
		return Result{}, err
	}
	switch {
	case kind == KindFTP && e.uploader == nil:
		return Result{}, ErrNoUploader
	case req.Format == FormatAVI && (e.avi == nil || e.pool == nil):
		return Result{}, ErrNoAVIWriter
	}

	plan, err := e.plan(req)
	if err != nil {
		return Result{}, err
	}
	if len(plan) == 0 {
		e.metrics.BackupTask("empty")
		return Result{}, ErrNothingToCopy
	}
	if kind != KindFTP {
		if err := e.checkSpace(req, plan); err != nil {
			e.metrics.BackupTask("no_space")
			return Result{}, err
		}
	}

	e.logger.Info("backup started", "kind", kind, "format", req.Format, "volumes", len(plan),
		"from", req.From, "to", req.To, "destination", req.Destination)
	start := time.Now()

	var (
		mu    sync.Mutex
		total Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, w := range plan {
		g.Go(func() error {
			for _, f := range w.folders {
				if req.aborted() {
					return ErrAborted
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := e.folder(gctx, kind, req, w.vol, f)
				mu.Lock()
				total.add(res)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	outcome := "ok"
	switch {
	case errors.Is(err, ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "failed"
	}
	e.metrics.BackupTask(outcome)
	e.logger.Info("backup finished", "kind", kind, "outcome", outcome,
		"folders", total.Folders, "files", total.Files, "skipped", total.Skipped,
		"bytes", total.Bytes, "elapsed", time.Since(start), "error", err)
	return total, err
}

// plan lists the hour folders of the request grouped by source volume.
func (e *Engine) plan(req Request) ([]work, error) {
	var out []work
	for _, v := range e.vols.ReadHddConfig() {
		if req.Drive != "" && v.Name != req.Drive {
			continue
		}
		if !e.vols.Healthy(v.Name) {
			continue
		}
		w := work{vol: v}
		for _, ch := range req.Channels {
			folders, err := layout.ListHourFolders(v.Path, ch, req.From, req.To, e.loc)
			if err != nil {
				return nil, err
			}
			w.folders = append(w.folders, folders...)
		}
		if len(w.folders) > 0 {
			slices.SortStableFunc(w.folders, func(a, b layout.HourFolder) int { return a.Hour.Compare(b.Hour) })
			out = append(out, w)
		}
	}
	return out, nil
}

// checkSpace compares the source size against the free space at the
// destination. AVI output is estimated at the native size.
func (e *Engine) checkSpace(req Request, plan []work) error {
	var need uint64
	for _, w := range plan {
		for _, f := range w.folders {
			files, err := folderFiles(f, req)
			if err != nil {
				return err
			}
			for _, sf := range files {
				need += uint64(sf.size) //nolint:gosec // G115: sizes are non-negative
			}
		}
	}
	sp, err := e.freeSpace(req.Destination)
	if err != nil {
		return fmt.Errorf("backup destination %s: %w", req.Destination, err)
	}
	if sp.Free < need {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrNoSpace, need, sp.Free)
	}
	return nil
}

func (e *Engine) folder(ctx context.Context, kind Kind, req Request, vol volume.Volume, f layout.HourFolder) (Result, error) {
	if req.Format == FormatAVI {
		return e.exportAVI(ctx, kind, req, vol, f)
	}
	if kind == KindFTP {
		return e.uploadFolder(ctx, req, f)
	}
	return e.copyFolder(ctx, kind, req, f)
}
