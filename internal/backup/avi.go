package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/playback"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
)

// AVIWriter creates AVI containers for exported recordings.
type AVIWriter interface {
	Create(path string, channel int) (AVIFile, error)
}

// AVIFile is one AVI container being written.
type AVIFile interface {
	WriteFrame(h stream.FrameHeader, payload []byte) error
	// Size is the container size so far.
	Size() int64
	Close() error
}

// aviOutput writes the numbered parts of one export, starting a new part
// whenever the next frame would push the current one past the ceiling.
type aviOutput struct {
	e     *Engine
	dir   string
	base  string
	ch    int
	cur   AVIFile
	parts []string
	bytes int64
}

func (o *aviOutput) write(f playback.Frame) error {
	n := int64(stream.FrameHeaderSize + len(f.Payload))
	if o.cur != nil && o.cur.Size()+n > o.e.maxAVI {
		if err := o.closePart(); err != nil {
			return err
		}
	}
	if o.cur == nil {
		p := filepath.Join(o.dir, fmt.Sprintf("%s_%d.avi", o.base, len(o.parts)+1))
		af, err := o.e.avi.Create(p, o.ch)
		if err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		o.cur = af
		o.parts = append(o.parts, p)
	}
	if err := o.cur.WriteFrame(f.Header, f.Payload); err != nil {
		return err
	}
	o.bytes += n
	return nil
}

func (o *aviOutput) closePart() error {
	if o.cur == nil {
		return nil
	}
	err := o.cur.Close()
	o.cur = nil
	return err
}

// exportAVI reads the request window of one hour folder through the
// playback backup slot and writes it as AVI, split at the size ceiling.
// Uploads go through the staging directory.
func (e *Engine) exportAVI(ctx context.Context, kind Kind, req Request, vol volume.Volume, f layout.HourFolder) (Result, error) {
	from, to := req.From, req.To
	if from.Before(f.Hour) {
		from = f.Hour
	}
	if to.After(f.End()) {
		to = f.End()
	}

	dir := req.Destination
	if kind == KindFTP {
		var err error
		if err = os.MkdirAll(e.stagingDir(), 0o750); err != nil {
			return Result{}, err
		}
		if dir, err = os.MkdirTemp(e.stagingDir(), ".avi-*"); err != nil {
			return Result{}, err
		}
		defer func() { _ = os.RemoveAll(dir) }()
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, err
	}

	out := &aviOutput{
		e:    e,
		dir:  dir,
		base: fmt.Sprintf("Camera%02d_%s", f.Channel+1, from.Format("20060102_150405")),
		ch:   f.Channel,
	}
	err := e.readRange(ctx, req, vol, f, from, to, out)
	if cerr := out.closePart(); err == nil {
		err = cerr
	}
	res := Result{Files: len(out.parts), Bytes: out.bytes}
	if err != nil || len(out.parts) == 0 {
		return res, err
	}

	if kind == KindFTP {
		for _, p := range out.parts {
			if err := e.upload(ctx, req, p, path.Join(req.Destination, filepath.Base(p))); err != nil {
				return res, err
			}
		}
	}
	res.Folders = 1
	return res, nil
}

// readRange feeds the frames of [from, to) to out. The playback pool has
// one backup slot, so exports take turns.
func (e *Engine) readRange(ctx context.Context, req Request, vol volume.Volume, f layout.HourFolder, from, to time.Time, out *aviOutput) error {
	e.aviMu.Lock()
	defer e.aviMu.Unlock()

	id, err := e.pool.OpenPlaySession(playback.PurposeBackup, playback.Range{Drive: vol.Name, Channel: f.Channel, Start: f.Hour})
	if errors.Is(err, playback.ErrNoRecording) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = e.pool.ClosePlaySession(id) }()
	s, err := e.pool.Session(id)
	if err != nil {
		return err
	}
	s.SetAudio(true)
	if err := e.pool.SetPlayPosition(id, from, playback.Forward); err != nil {
		return err
	}

	for {
		if req.aborted() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := e.pool.ReadRecordFrame(id, playback.ReadOptions{Direction: playback.Forward})
		if errors.Is(err, playback.ErrReadOver) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fr.Time().Before(to) {
			return nil
		}
		if err := e.limiter.WaitN(ctx, min(len(fr.Payload)+stream.FrameHeaderSize, e.limiter.Burst())); err != nil {
			return err
		}
		if err := out.write(fr); err != nil {
			return err
		}
		e.metrics.BackupBytes(len(fr.Payload))
	}
}
