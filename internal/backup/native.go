package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/stream"
)

// srcFile is one file of an hour folder selected for backup.
type srcFile struct {
	path   string
	name   string
	size   int64
	stream bool
}

// folderFiles lists the stream files of f overlapping the request range,
// followed by the folder's index files.
func folderFiles(f layout.HourFolder, req Request) ([]srcFile, error) {
	entries, err := layout.ListStreams(f)
	if err != nil {
		return nil, err
	}
	var out []srcFile
	for _, se := range entries {
		// Names carry whole seconds; the end second is covered.
		start, end := se.Name.StartIn(f), se.Name.EndIn(f).Add(time.Second)
		if !start.Before(req.To) || !end.After(req.From) {
			continue
		}
		sf, ok, err := stat(se.Path, true)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sf)
		}
	}
	for _, p := range []string{f.EventPath(), f.IFramePath(), f.TimeIndexPath()} {
		sf, ok, err := stat(p, false)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sf)
		}
	}
	return out, nil
}

func stat(path string, isStream bool) (srcFile, bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Renamed or removed since listing.
		return srcFile{}, false, nil
	}
	if err != nil {
		return srcFile{}, false, err
	}
	return srcFile{path: path, name: filepath.Base(path), size: fi.Size(), stream: isStream}, true, nil
}

// exportable reports whether a stream file should be copied: sealed, and
// for incremental runs not yet exported by this kind.
func exportable(path string, kind Kind, incremental bool) (bool, error) {
	h, err := stream.ReadHeader(path)
	if err != nil {
		return false, err
	}
	if h.Running {
		return false, nil
	}
	if incremental && h.BackupFlags&kind.Flag() != 0 {
		return false, nil
	}
	return true, nil
}

// copyFolder copies the selected stream files of f into the same layout
// under the destination, then the index files, and tags every copied
// stream file with the kind's backup flag.
func (e *Engine) copyFolder(ctx context.Context, kind Kind, req Request, f layout.HourFolder) (Result, error) {
	files, err := folderFiles(f, req)
	if err != nil {
		return Result{}, err
	}
	dst := layout.FolderFor(req.Destination, f.Channel, f.Hour).Dir()

	var res Result
	var copied []string
	for _, sf := range files {
		if !sf.stream {
			continue
		}
		ok, err := exportable(sf.path, kind, req.Incremental)
		if err != nil {
			e.logger.Warn("skipping unreadable stream file", "path", sf.path, "error", err)
			res.Skipped++
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		n, err := e.copyFile(ctx, req, filepath.Join(dst, sf.name), sf.path)
		res.Bytes += n
		if err != nil {
			return res, err
		}
		res.Files++
		copied = append(copied, sf.path)
	}
	if len(copied) == 0 {
		return res, nil
	}
	for _, sf := range files {
		if sf.stream {
			continue
		}
		n, err := e.copyFile(ctx, req, filepath.Join(dst, sf.name), sf.path)
		res.Bytes += n
		if err != nil {
			return res, err
		}
		res.Files++
	}
	for _, p := range copied {
		if err := stream.SetBackupFlags(p, kind.Flag()); err != nil {
			return res, fmt.Errorf("tag %s: %w", p, err)
		}
	}
	res.Folders++
	return res, nil
}

// copyFile copies src to dst through a temp file and rename, throttled
// and abortable per chunk.
func (e *Engine) copyFile(ctx context.Context, req Request, dst, src string) (int64, error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".backup-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	n, err := e.throttledCopy(ctx, req, tmp, in)
	if err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	return n, os.Rename(tmpPath, dst) //nolint:gosec // G703: both paths are internal
}

// throttledCopy copies r to w in copyChunk pieces, waiting on the rate
// limiter and polling the abort predicate before each piece.
func (e *Engine) throttledCopy(ctx context.Context, req Request, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var total int64
	for {
		if req.aborted() {
			return total, ErrAborted
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := e.limiter.WaitN(ctx, n); err != nil {
				return total, err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			e.metrics.BackupBytes(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
