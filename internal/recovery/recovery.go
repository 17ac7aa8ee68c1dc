// Package recovery repairs hour folders after an unclean shutdown and
// keeps the year maps in step with the event records.
//
// RecoverFolder is idempotent: a folder that is already consistent is left
// byte-identical and its Report says so.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nvrstore/internal/format"
	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/meta"
	"nvrstore/internal/metrics"
	"nvrstore/internal/stream"
	"nvrstore/internal/yearmap"
)

// DefaultTimeout bounds a single folder recovery.
const DefaultTimeout = 100 * time.Second

// Config wires an Engine.
type Config struct {
	Timeout  time.Duration
	Location *time.Location
	Locks    *yearmap.Locks
	// Live reports whether a recorder is writing dir and the time of its
	// last frame. Live folders are never touched.
	Live     func(dir string) (time.Time, bool)
	FileMode os.FileMode
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine recovers hour folders. Concurrent calls for the same folder are
// serialised.
type Engine struct {
	timeout time.Duration
	loc     *time.Location
	locks   *yearmap.Locks
	live    func(string) (time.Time, bool)
	mode    os.FileMode
	metrics *metrics.Metrics
	logger  *slog.Logger

	stripes [16]sync.Mutex
}

func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Locks == nil {
		cfg.Locks = yearmap.NewLocks(64)
	}
	if cfg.Live == nil {
		cfg.Live = func(string) (time.Time, bool) { return time.Time{}, false }
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o640
	}
	return &Engine{
		timeout: cfg.Timeout,
		loc:     cfg.Location,
		locks:   cfg.Locks,
		live:    cfg.Live,
		mode:    cfg.FileMode,
		metrics: cfg.Metrics,
		logger:  logging.Default(cfg.Logger).With("component", "recovery"),
	}
}

// Report describes what RecoverFolder changed.
type Report struct {
	Folder layout.HourFolder
	// Skipped is set for folders a recorder is writing.
	Skipped        bool
	Sealed         []string
	Renamed        []string
	Deleted        []string
	Repaired       []string
	Recreated      []string
	ClosedEvents   int
	TempRemoved    int
	RemovedFolder  bool
	YearMapChanged bool
}

// Changed reports whether anything on disk was modified.
func (r Report) Changed() bool {
	return len(r.Sealed)+len(r.Renamed)+len(r.Deleted)+len(r.Repaired)+len(r.Recreated) > 0 ||
		r.ClosedEvents > 0 || r.TempRemoved > 0 || r.RemovedFolder || r.YearMapChanged
}

func (r Report) outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.RemovedFolder:
		return "removed"
	case r.Changed():
		return "repaired"
	}
	return "clean"
}

func (e *Engine) stripe(dir string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dir))
	return &e.stripes[h.Sum32()%uint32(len(e.stripes))]
}

// lastFrame is the final frame of the newest surviving stream file.
type lastFrame struct {
	fileID uint8
	offset uint32
	sec    uint32
	ok     bool
}

// RecoverFolder repairs one hour folder: stream files are sealed at the
// last valid frame and renamed with their real end, files without frames
// are deleted, metadata files are repaired or recreated, open events are
// closed at the last frame, and the day's year map is rebuilt. A folder
// left without stream files is deleted.
func (e *Engine) RecoverFolder(ctx context.Context, f layout.HourFolder) (Report, error) {
	return e.recoverFolder(ctx, f, true)
}

// ValidateFolder is RecoverFolder for the recorder about to resume into f.
// The caller has already marked f live, so the live check is skipped; the
// folder lock still orders it after any recovery already running there.
func (e *Engine) ValidateFolder(ctx context.Context, f layout.HourFolder) (Report, error) {
	return e.recoverFolder(ctx, f, false)
}

func (e *Engine) recoverFolder(ctx context.Context, f layout.HourFolder, checkLive bool) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	mu := e.stripe(f.Dir())
	mu.Lock()
	defer mu.Unlock()

	rep := Report{Folder: f}
	if _, live := e.live(f.Dir()); checkLive && live {
		rep.Skipped = true
		e.metrics.Recovered(rep.outcome())
		return rep, nil
	}
	if _, err := os.Stat(f.Dir()); errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	} else if err != nil {
		return rep, err
	}

	rep.TempRemoved = e.cleanOrphanTempFiles(f.Dir())

	ifrmOK, err := repairMeta(f.IFramePath(), meta.IFrameCodec, e.mode, &rep)
	if err != nil {
		return rep, err
	}
	anchors := map[uint8]uint32{}
	if ifrmOK {
		if recs, err := meta.ReadAll(f.IFramePath(), meta.IFrameCodec); err == nil {
			for _, r := range recs {
				anchors[r.FileID] = max(anchors[r.FileID], r.StreamOffset)
			}
		}
	}

	entries, err := layout.ListStreams(f)
	if err != nil {
		return rep, err
	}
	var last lastFrame
	remaining := 0
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("recover %s: %w", f, err)
		}
		lf, kept, err := e.recoverStream(ctx, f, ent, anchors[ent.Name.ID], &rep)
		if err != nil {
			return rep, err
		}
		if kept {
			remaining++
			last = lf
		}
	}

	if _, err := repairMeta(f.TimeIndexPath(), meta.TimeIndexCodec, e.mode, &rep); err != nil {
		return rep, err
	}
	evntOK, err := repairMeta(f.EventPath(), meta.EventCodec, e.mode, &rep)
	if err != nil {
		return rep, err
	}

	if remaining == 0 {
		if err := os.RemoveAll(f.Dir()); err != nil {
			return rep, err
		}
		_ = os.Remove(f.DayDir()) // only succeeds when empty
		rep.RemovedFolder = true
		e.metrics.FolderRemoved()
		e.logger.Info("removed folder without recordings", "folder", f.Dir())
	} else if evntOK {
		n, err := e.closeOpenEvents(f, last)
		if err != nil {
			return rep, err
		}
		rep.ClosedEvents = n
	}

	changed, err := e.RebuildDay(ctx, f.Mount, f.Channel, f.Hour)
	if err != nil {
		return rep, err
	}
	rep.YearMapChanged = changed

	e.metrics.Recovered(rep.outcome())
	if rep.Changed() {
		e.logger.Info("folder recovered", "folder", f.Dir(),
			"sealed", len(rep.Sealed), "deleted", len(rep.Deleted),
			"repaired", len(rep.Repaired)+len(rep.Recreated),
			"closed_events", rep.ClosedEvents, "removed", rep.RemovedFolder)
	}
	return rep, nil
}

// cleanOrphanTempFiles removes temp files left by interrupted rewrites.
// Best-effort: failures are logged.
func (e *Engine) cleanOrphanTempFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			e.logger.Warn("failed to remove orphan temp file", "path", path, "error", err)
			continue
		}
		n++
	}
	return n
}

// recoverStream repairs one stream file. kept is false when the file was
// deleted for holding no frames.
func (e *Engine) recoverStream(ctx context.Context, f layout.HourFolder, ent layout.StreamEntry, anchor uint32, rep *Report) (lastFrame, bool, error) {
	hdr, err := stream.ReadHeader(ent.Path)
	if err != nil {
		if !corrupt(err) {
			return lastFrame{}, false, err
		}
		// A malformed header means no frame was ever committed.
		if rmErr := os.Remove(ent.Path); rmErr != nil {
			return lastFrame{}, false, rmErr
		}
		rep.Deleted = append(rep.Deleted, ent.Path)
		return lastFrame{}, false, nil
	}

	if !hdr.Running {
		lf, ok := sealedLast(ent.Path)
		if ok {
			lf.fileID = ent.Name.ID
			return lf, true, e.renameToEnd(f, ent, lf.sec, rep)
		}
		// A sealed file that does not read back is rescanned below.
	}

	file, err := os.Open(filepath.Clean(ent.Path))
	if err != nil {
		return lastFrame{}, false, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return lastFrame{}, false, err
	}

	from := uint32(stream.HeaderSize)
	if anchor > from && int64(anchor)+stream.FrameHeaderSize <= info.Size() {
		from = anchor
	}
	res, err := stream.Scan(ctx, file, info.Size(), from)
	if err == nil && res.Frames == 0 && from != stream.HeaderSize {
		// The anchor did not land on a frame; fall back to a full walk.
		res, err = stream.Scan(ctx, file, info.Size(), stream.HeaderSize)
	}
	_ = file.Close()
	if err != nil {
		return lastFrame{}, false, err
	}

	if res.Frames == 0 {
		if err := os.Remove(ent.Path); err != nil {
			return lastFrame{}, false, err
		}
		rep.Deleted = append(rep.Deleted, ent.Path)
		return lastFrame{}, false, nil
	}

	if err := stream.Seal(ent.Path, res.End, res.LastFrame); err != nil {
		return lastFrame{}, false, fmt.Errorf("seal %s: %w", ent.Path, err)
	}
	rep.Sealed = append(rep.Sealed, ent.Path)
	lf := lastFrame{fileID: ent.Name.ID, offset: res.LastFrame, sec: res.Last.Sec, ok: true}
	return lf, true, e.renameToEnd(f, ent, lf.sec, rep)
}

// sealedLast reads the last frame of a cleanly closed file through its
// trailer.
func sealedLast(path string) (lastFrame, bool) {
	rd, err := stream.Open(path)
	if err != nil {
		return lastFrame{}, false
	}
	defer func() { _ = rd.Close() }()
	off, err := rd.LastFrame(0)
	if err != nil {
		return lastFrame{}, false
	}
	h, err := rd.FrameHeaderAt(off)
	if err != nil || uint64(off)+uint64(h.Length) != uint64(rd.Limit()) {
		return lastFrame{}, false
	}
	return lastFrame{offset: off, sec: h.Sec, ok: true}, true
}

func (e *Engine) renameToEnd(f layout.HourFolder, ent layout.StreamEntry, sec uint32, rep *Report) error {
	name := ent.Name.WithEnd(time.Unix(int64(sec), 0).In(e.loc))
	target := f.StreamPath(name)
	if target == ent.Path {
		return nil
	}
	if err := os.Rename(ent.Path, target); err != nil {
		return err
	}
	rep.Renamed = append(rep.Renamed, target)
	return nil
}

// repairMeta repairs a metadata file in place, recreating it empty when
// its header is unusable. ok is false when the file is absent.
func repairMeta[R any](path string, codec meta.Codec[R], mode os.FileMode, rep *Report) (bool, error) {
	res, err := meta.Repair(path, codec)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case corrupt(err):
		if err := recreate(path, codec, mode); err != nil {
			return false, err
		}
		rep.Recreated = append(rep.Recreated, path)
		return true, nil
	case err != nil:
		return false, err
	}
	if res.Changed() {
		rep.Repaired = append(rep.Repaired, path)
	}
	return true, nil
}

// recreate replaces a corrupt metadata file with an empty, closed one.
func recreate[R any](path string, codec meta.Codec[R], mode os.FileMode) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	f, err := meta.Create(tmp, codec, mode)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// corrupt reports whether err means the bytes on disk are malformed, as
// opposed to the disk failing.
func corrupt(err error) bool {
	return errors.Is(err, format.ErrSignatureMismatch) ||
		errors.Is(err, format.ErrVersionMismatch) ||
		errors.Is(err, format.ErrHeaderTooSmall) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
