package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"nvrstore/internal/layout"
)

// archiveFrameSize is the uncompressed size of one seekable zstd frame.
// Matches the copy chunk so a copied chunk lands in one frame.
const archiveFrameSize = copyChunk

// ArchiveExt is the extension of packed hour-folder uploads.
const ArchiveExt = ".tar.zst"

var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// archiveName is the upload name of a packed hour folder:
// Camera01_05_Mar_2024_10.tar.zst.
func archiveName(f layout.HourFolder) string {
	return strings.ReplaceAll(relDir(f), "/", "_") + ArchiveExt
}

// writeArchive packs files into a tar stream compressed as seekable zstd
// in the staging directory and returns its path and the uncompressed
// bytes read. Entries are named by their path below the mount.
func (e *Engine) writeArchive(ctx context.Context, req Request, f layout.HourFolder, files []srcFile) (string, int64, error) {
	dir := e.stagingDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		cleanup()
		return "", 0, err
	}
	defer func() { _ = enc.Close() }()
	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return "", 0, err
	}
	// Every Write to the seekable writer becomes a frame; batch the small
	// tar headers with the data.
	bw := bufio.NewWriterSize(sw, archiveFrameSize)
	tw := tar.NewWriter(bw)

	prefix := relDir(f)
	var total int64
	for _, sf := range files {
		n, err := e.addToArchive(ctx, req, tw, path.Join(prefix, sf.name), sf.path)
		total += n
		if err != nil {
			cleanup()
			return "", total, err
		}
	}
	if err := errors.Join(tw.Close(), bw.Flush(), sw.Close()); err != nil {
		cleanup()
		return "", total, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", total, err
	}
	return tmpPath, total, nil
}

func (e *Engine) addToArchive(ctx context.Context, req Request, tw *tar.Writer, name, src string) (int64, error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return 0, err
	}
	// The size is fixed here; index files of a live folder may grow while
	// they are read.
	size := fi.Size()
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    size,
		ModTime: fi.ModTime(),
		Format:  tar.FormatPAX,
	}); err != nil {
		return 0, err
	}
	n, err := e.throttledCopy(ctx, req, tw, io.LimitReader(in, size))
	if err != nil {
		return n, err
	}
	if n != size {
		return n, fmt.Errorf("%s shrank while archiving: %d of %d bytes", src, n, size)
	}
	return n, nil
}

// ArchiveEntry is one file of a backup archive.
type ArchiveEntry struct {
	Name string
	Size int64
}

// ListArchive lists the files of a backup archive.
func ListArchive(p string) ([]ArchiveEntry, error) {
	var out []ArchiveEntry
	err := walkArchive(p, func(h *tar.Header, _ io.Reader) (bool, error) {
		out = append(out, ArchiveEntry{Name: h.Name, Size: h.Size})
		return true, nil
	})
	return out, err
}

// ExtractArchiveFile copies the named entry of a backup archive to w.
func ExtractArchiveFile(p, name string, w io.Writer) error {
	found := false
	err := walkArchive(p, func(h *tar.Header, r io.Reader) (bool, error) {
		if h.Name != name {
			return true, nil
		}
		found = true
		_, err := io.Copy(w, r)
		return false, err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return nil
}

func walkArchive(p string, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sr, err := seekable.NewReader(f, zstdDec)
	if err != nil {
		return err
	}
	defer func() { _ = sr.Close() }()

	tr := tar.NewReader(sr)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		more, err := fn(h, tr)
		if err != nil || !more {
			return err
		}
	}
}
