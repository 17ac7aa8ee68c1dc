package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/stream"
)

// Uploader sends a local file to a remote path. Upload returns once the
// transfer has been accepted; done is called once when it completes.
type Uploader interface {
	Upload(ctx context.Context, local, remote string, done func(error)) error
}

// upload hands one file to the uploader and waits for its callback.
func (e *Engine) upload(ctx context.Context, req Request, local, remote string) error {
	done := make(chan error, 1)
	cb := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	if err := e.uploader.Upload(ctx, local, remote, cb); err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	return e.await(ctx, req, done)
}

// await blocks until the upload callback fires, the upload timeout
// passes, the context ends or the abort predicate trips. The predicate is
// polled every PollInterval.
func (e *Engine) await(ctx context.Context, req Request, done <-chan error) error {
	tick := time.NewTicker(e.poll)
	defer tick.Stop()
	deadline := time.NewTimer(e.timeout)
	defer deadline.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-tick.C:
			if req.aborted() {
				return ErrAborted
			}
		case <-deadline.C:
			return ErrUploadTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// relDir is the slash-separated path of f below its mount,
// Camera01/05_Mar_2024/10.
func relDir(f layout.HourFolder) string {
	rel, err := filepath.Rel(f.Mount, f.Dir())
	if err != nil {
		rel = filepath.Base(f.Dir())
	}
	return filepath.ToSlash(rel)
}

// uploadFolder uploads the selected files of f, one by one or packed into
// a single archive, and tags the uploaded stream files.
func (e *Engine) uploadFolder(ctx context.Context, req Request, f layout.HourFolder) (Result, error) {
	files, err := folderFiles(f, req)
	if err != nil {
		return Result{}, err
	}
	var res Result
	var send []srcFile
	var streams []string
	for _, sf := range files {
		if sf.stream {
			ok, err := exportable(sf.path, KindFTP, req.Incremental)
			if err != nil || !ok {
				res.Skipped++
				continue
			}
			streams = append(streams, sf.path)
		}
		send = append(send, sf)
	}
	if len(streams) == 0 {
		return res, nil
	}

	if req.Archive {
		local, n, err := e.writeArchive(ctx, req, f, send)
		if err != nil {
			return res, err
		}
		defer func() { _ = os.Remove(local) }()
		if err := e.upload(ctx, req, local, path.Join(req.Destination, archiveName(f))); err != nil {
			return res, err
		}
		res.Files++
		res.Bytes += n
	} else {
		dir := path.Join(req.Destination, relDir(f))
		for _, sf := range send {
			if req.aborted() {
				return res, ErrAborted
			}
			if err := e.upload(ctx, req, sf.path, path.Join(dir, sf.name)); err != nil {
				return res, err
			}
			res.Files++
			res.Bytes += sf.size
			e.metrics.BackupBytes(int(sf.size))
		}
	}

	for _, p := range streams {
		if err := stream.SetBackupFlags(p, KindFTP.Flag()); err != nil {
			return res, fmt.Errorf("tag %s: %w", p, err)
		}
	}
	res.Folders++
	return res, nil
}

func (e *Engine) stagingDir() string {
	if e.staging != "" {
		return e.staging
	}
	return os.TempDir()
}
