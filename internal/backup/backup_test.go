package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/playback"
	"nvrstore/internal/status"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
	"nvrstore/internal/writer"
)

var tenAM = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

// record writes ten seconds of camera 0 with a stream file every 4s:
// 100000~100003.stm1, 100004~100007.stm2, 100008~100009.stm3. Every
// second has four video frames with a key frame first and one audio frame
// 100ms in.
func record(t *testing.T) (*volume.Static, layout.HourFolder) {
	t.Helper()
	mount := t.TempDir()
	vols := volume.NewStatic([]volume.Volume{{ID: 1, Name: "hdd0", Path: mount}}, 1)
	r, err := writer.New(writer.Config{Channels: 1, Volumes: vols, Location: time.UTC, FileDuration: 4 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer func() { _ = r.Close(context.Background()) }()
	if err := r.StartSession(0); err != nil {
		t.Fatal(err)
	}
	write := func(f writer.Frame) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			err := r.WriteMediaFrame(0, f)
			if err == nil {
				return
			}
			if !errors.Is(err, writer.ErrBusy) || time.Now().After(deadline) {
				t.Fatalf("write %s: %v", f.Time.Format(time.TimeOnly), err)
			}
			time.Sleep(time.Millisecond)
		}
	}
	for i := range 40 {
		at := tenAM.Add(time.Duration(i) * 250 * time.Millisecond)
		typ := stream.FrameP
		if i%4 == 0 {
			typ = stream.FrameI
		}
		write(writer.Frame{Time: at, Media: stream.MediaVideo, Type: typ, FPS: 4, Payload: bytes.Repeat([]byte{byte(i)}, 64)})
		if i%4 == 0 {
			write(writer.Frame{Time: at.Add(100 * time.Millisecond), Media: stream.MediaAudio, Payload: []byte{1, 2, 3, 4}})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.StopSession(ctx, 0); err != nil {
		t.Fatal(err)
	}
	return vols, layout.FolderFor(mount, 0, tenAM)
}

func plenty(string) (volume.Space, error) { return volume.Space{Free: 1 << 40, Total: 1 << 40}, nil }

func newEngine(t *testing.T, vols volume.Resolver, mut func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Volumes:   vols,
		Channels:  1,
		Location:  time.UTC,
		Staging:   t.TempDir(),
		FreeSpace: plenty,
	}
	if mut != nil {
		mut(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

func hourRequest(dst string) Request {
	return Request{Channels: []int{0}, From: tenAM, To: tenAM.Add(time.Hour), Destination: dst}
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func backupFlags(t *testing.T, f layout.HourFolder) []uint8 {
	t.Helper()
	entries, err := layout.ListStreams(f)
	if err != nil {
		t.Fatal(err)
	}
	var out []uint8
	for _, e := range entries {
		h, err := stream.ReadHeader(e.Path)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, h.BackupFlags)
	}
	return out
}

func TestBackupToMediaCopiesAndTags(t *testing.T) {
	vols, src := record(t)
	e := newEngine(t, vols, nil)
	dst := t.TempDir()

	res, err := e.BackupToMedia(context.Background(), hourRequest(dst))
	if err != nil {
		t.Fatal(err)
	}
	if res.Folders != 1 || res.Files != 6 || res.Skipped != 0 {
		t.Errorf("result %+v", res)
	}

	copied := layout.FolderFor(dst, 0, tenAM).Dir()
	want := []string{
		"100000~100003.stm1", "100004~100007.stm2", "100008~100009.stm3",
		layout.EventFile, layout.IFrameFile, layout.TimeIndexFile,
	}
	got := names(t, copied)
	for _, n := range want {
		if !slices.Contains(got, n) {
			t.Errorf("%s missing from backup, have %v", n, got)
		}
	}
	if len(got) != len(want) {
		t.Errorf("backup holds %v", got)
	}

	orig, err := os.ReadFile(filepath.Join(src.Dir(), "100004~100007.stm2"))
	if err != nil {
		t.Fatal(err)
	}
	cp, err := os.ReadFile(filepath.Join(copied, "100004~100007.stm2"))
	if err != nil {
		t.Fatal(err)
	}
	if len(orig) != len(cp) || !bytes.Equal(orig[stream.HeaderSize:], cp[stream.HeaderSize:]) {
		t.Error("copied stream file differs from the source")
	}
	for i, fl := range backupFlags(t, src) {
		if fl&KindMedia.Flag() == 0 {
			t.Errorf("stream file %d not tagged: %08b", i+1, fl)
		}
	}
}

func TestScheduledBackupIsIncremental(t *testing.T) {
	vols, _ := record(t)
	e := newEngine(t, vols, nil)
	dst := t.TempDir()

	first, err := e.Scheduled(context.Background(), hourRequest(dst))
	if err != nil {
		t.Fatal(err)
	}
	if first.Files != 6 {
		t.Fatalf("first run %+v", first)
	}
	second, err := e.Scheduled(context.Background(), hourRequest(dst))
	if err != nil {
		t.Fatal(err)
	}
	if second.Files != 0 || second.Folders != 0 || second.Skipped != 3 {
		t.Errorf("second run %+v", second)
	}

	// A media backup is tracked separately and copies everything again.
	media, err := e.BackupToMedia(context.Background(), hourRequest(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if media.Files != 6 {
		t.Errorf("media run %+v", media)
	}
}

func TestBackupSelectsOverlappingStreamFiles(t *testing.T) {
	vols, _ := record(t)
	e := newEngine(t, vols, nil)
	dst := t.TempDir()

	req := hourRequest(dst)
	req.From, req.To = tenAM.Add(5*time.Second), tenAM.Add(6*time.Second)
	res, err := e.BackUpSyncRecordToManualDrive(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 4 {
		t.Errorf("result %+v", res)
	}
	got := names(t, layout.FolderFor(dst, 0, tenAM).Dir())
	if !slices.Contains(got, "100004~100007.stm2") || slices.Contains(got, "100000~100003.stm1") || slices.Contains(got, "100008~100009.stm3") {
		t.Errorf("backup holds %v", got)
	}
}

func TestBackupFailsFast(t *testing.T) {
	vols, _ := record(t)
	dst := t.TempDir()

	full := newEngine(t, vols, func(c *Config) {
		c.FreeSpace = func(string) (volume.Space, error) { return volume.Space{Free: 10}, nil }
	})
	if _, err := full.BackupToMedia(context.Background(), hourRequest(dst)); !errors.Is(err, ErrNoSpace) || !errors.Is(err, status.ErrResourceLimit) {
		t.Errorf("full destination: %v", err)
	}
	if n := names(t, dst); len(n) != 0 {
		t.Errorf("full destination written to: %v", n)
	}

	e := newEngine(t, vols, nil)
	empty := hourRequest(dst)
	empty.From, empty.To = tenAM.Add(2*time.Hour), tenAM.Add(3*time.Hour)
	if _, err := e.BackupToMedia(context.Background(), empty); !errors.Is(err, ErrNothingToCopy) {
		t.Errorf("empty range: %v", err)
	}

	bad := hourRequest(dst)
	bad.Channels = []int{3}
	if _, err := e.BackupToMedia(context.Background(), bad); !errors.Is(err, ErrBadRequest) {
		t.Errorf("bad channel: %v", err)
	}
	if _, err := e.BackupToFtp(context.Background(), hourRequest("remote")); !errors.Is(err, ErrNoUploader) {
		t.Errorf("no uploader: %v", err)
	}

	aborted := hourRequest(dst)
	aborted.Abort = func() bool { return true }
	if _, err := e.BackupToMedia(context.Background(), aborted); !errors.Is(err, ErrAborted) {
		t.Errorf("abort: %v", err)
	}
}

type fakeUploader struct {
	dir   string
	hang  bool
	calls atomic.Int32

	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, local, remote string, done func(error)) error {
	u.calls.Add(1)
	if u.hang {
		return nil
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	go func() {
		dst := filepath.Join(u.dir, filepath.FromSlash(remote))
		err := os.MkdirAll(filepath.Dir(dst), 0o750)
		if err == nil {
			err = os.WriteFile(dst, data, 0o600)
		}
		u.mu.Lock()
		u.keys = append(u.keys, remote)
		u.mu.Unlock()
		done(err)
	}()
	return nil
}

func TestBackupToFtpUploadsFiles(t *testing.T) {
	vols, src := record(t)
	up := &fakeUploader{dir: t.TempDir()}
	e := newEngine(t, vols, func(c *Config) { c.Uploader = up })

	res, err := e.BackupToFtp(context.Background(), hourRequest("nvr"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 6 || res.Folders != 1 {
		t.Errorf("result %+v", res)
	}
	if !slices.Contains(up.keys, "nvr/Camera01/05_Mar_2024/10/100008~100009.stm3") {
		t.Errorf("uploaded %v", up.keys)
	}
	for _, fl := range backupFlags(t, src) {
		if fl&KindFTP.Flag() == 0 {
			t.Errorf("uploaded file not tagged: %08b", fl)
		}
	}
}

func TestBackupToFtpArchive(t *testing.T) {
	vols, src := record(t)
	up := &fakeUploader{dir: t.TempDir()}
	staging := t.TempDir()
	e := newEngine(t, vols, func(c *Config) {
		c.Uploader = up
		c.Staging = staging
	})

	req := hourRequest("nvr")
	req.Archive = true
	res, err := e.BackupToFtp(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 1 || len(up.keys) != 1 || up.keys[0] != "nvr/Camera01_05_Mar_2024_10.tar.zst" {
		t.Fatalf("result %+v, uploaded %v", res, up.keys)
	}
	if n := names(t, staging); len(n) != 0 {
		t.Errorf("staging not cleaned: %v", n)
	}

	archive := filepath.Join(up.dir, "nvr", "Camera01_05_Mar_2024_10.tar.zst")
	entries, err := ListArchive(archive)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 || entries[0].Name != "Camera01/05_Mar_2024/10/100000~100003.stm1" {
		t.Errorf("archive entries %+v", entries)
	}

	var buf bytes.Buffer
	if err := ExtractArchiveFile(archive, "Camera01/05_Mar_2024/10/100004~100007.stm2", &buf); err != nil {
		t.Fatal(err)
	}
	orig, err := os.ReadFile(filepath.Join(src.Dir(), "100004~100007.stm2"))
	if err != nil {
		t.Fatal(err)
	}
	if buf.Len() != len(orig) || !bytes.Equal(buf.Bytes()[stream.HeaderSize:], orig[stream.HeaderSize:]) {
		t.Error("extracted stream file differs from the source")
	}
	if err := ExtractArchiveFile(archive, "nope", &buf); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing entry: %v", err)
	}
}

func TestUploadWaitEndsOnTimeoutAndAbort(t *testing.T) {
	vols, _ := record(t)
	up := &fakeUploader{hang: true}
	e := newEngine(t, vols, func(c *Config) {
		c.Uploader = up
		c.UploadTimeout = 50 * time.Millisecond
		c.PollInterval = 5 * time.Millisecond
	})

	if _, err := e.BackupToFtp(context.Background(), hourRequest("nvr")); !errors.Is(err, ErrUploadTimeout) {
		t.Errorf("timeout: %v", err)
	}

	e = newEngine(t, vols, func(c *Config) {
		c.Uploader = up
		c.UploadTimeout = time.Minute
		c.PollInterval = 5 * time.Millisecond
	})
	req := hourRequest("nvr")
	before := up.calls.Load()
	req.Abort = func() bool { return up.calls.Load() > before }
	if _, err := e.BackupToFtp(context.Background(), req); !errors.Is(err, ErrAborted) {
		t.Errorf("abort: %v", err)
	}
}

type fakeAVI struct {
	mu    sync.Mutex
	order []string
	files map[string]*fakeAVIFile
}

type fakeAVIFile struct {
	frames []stream.FrameHeader
	size   int64
	closed bool
}

func (a *fakeAVI) Create(p string, _ int) (AVIFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := &fakeAVIFile{}
	a.order = append(a.order, filepath.Base(p))
	a.files[filepath.Base(p)] = f
	return f, nil
}

func (f *fakeAVIFile) WriteFrame(h stream.FrameHeader, payload []byte) error {
	f.frames = append(f.frames, h)
	f.size += int64(stream.FrameHeaderSize + len(payload))
	return nil
}

func (f *fakeAVIFile) Size() int64 { return f.size }

func (f *fakeAVIFile) Close() error {
	f.closed = true
	return nil
}

func TestAVIExportSplitsAtCeiling(t *testing.T) {
	vols, _ := record(t)
	pool, err := playback.NewPool(playback.Config{Volumes: vols, Location: time.UTC, Sessions: 2})
	if err != nil {
		t.Fatal(err)
	}
	avi := &fakeAVI{files: map[string]*fakeAVIFile{}}
	e := newEngine(t, vols, func(c *Config) {
		c.Playback = pool
		c.AVI = avi
		c.MaxAVIBytes = 400
	})

	req := hourRequest(t.TempDir())
	req.Format = FormatAVI
	req.From, req.To = tenAM.Add(2*time.Second), tenAM.Add(4*time.Second)
	res, err := e.BackUpSyncRecordToManualDrive(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	// 8 video frames of 104 bytes and 2 audio frames of 44.
	if res.Files != 3 || res.Bytes != 920 {
		t.Errorf("result %+v", res)
	}
	want := []string{"Camera01_20240305_100002_1.avi", "Camera01_20240305_100002_2.avi", "Camera01_20240305_100002_3.avi"}
	if !slices.Equal(avi.order, want) {
		t.Fatalf("parts %v", avi.order)
	}
	var frames []stream.FrameHeader
	for _, n := range want {
		f := avi.files[n]
		if !f.closed || f.size > 400 {
			t.Errorf("%s: closed %v size %d", n, f.closed, f.size)
		}
		frames = append(frames, f.frames...)
	}
	if len(frames) != 10 {
		t.Fatalf("exported %d frames", len(frames))
	}
	first, last := frames[0], frames[len(frames)-1]
	if first.Sec != uint32(tenAM.Unix())+2 || first.Ms != 0 || !first.IsKeyFrame() {
		t.Errorf("first frame %+v", first)
	}
	if last.Sec != uint32(tenAM.Unix())+3 || last.Ms != 750 {
		t.Errorf("last frame %+v", last)
	}
	if pool.InUse() != 0 {
		t.Error("backup play session left open")
	}
}

func TestManualDriveTask(t *testing.T) {
	vols, _ := record(t)
	e := newEngine(t, vols, nil)

	id, err := e.BackUpRecordToManualDrive(hourRequest(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	task, err := e.Task(id)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
	state, res, err := task.Status()
	if state != TaskDone || err != nil || res.Files != 6 {
		t.Errorf("task %s: %+v, %v", state, res, err)
	}

	if _, err := e.BackUpRecordToManualDrive(Request{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("invalid request: %v", err)
	}
	if err := e.Cancel("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("cancel unknown: %v", err)
	}
}
