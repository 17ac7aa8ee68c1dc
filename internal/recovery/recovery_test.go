package recovery

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nvrstore/internal/anchor"
	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

var tenAM = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, live func(string) (time.Time, bool)) *Engine {
	t.Helper()
	return New(Config{Location: time.UTC, Live: live})
}

// crashedStream writes a running stream file with one frame per second
// offset and abandons it. It returns the offset of the last frame.
func crashedStream(t *testing.T, f layout.HourFolder, id uint8, start time.Time, secs ...int) (string, uint32) {
	t.Helper()
	sf, err := stream.Create(f, layout.NewStreamName(start, start, id, false), 0, 0o640)
	if err != nil {
		t.Fatalf("stream.Create: %v", err)
	}
	var (
		data []byte
		off  = uint32(stream.HeaderSize)
		prev uint32
		last uint32
	)
	payload := bytes.Repeat([]byte{0x5A}, 100)
	for i, s := range secs {
		size := uint32(stream.FrameHeaderSize + len(payload))
		typ := uint8(stream.FrameP)
		if i == 0 {
			typ = stream.FrameI
		}
		h := stream.FrameHeader{
			FPS:        25,
			PrevOffset: prev,
			NextOffset: off + size,
			MediaType:  stream.MediaVideo,
			FrameType:  typ,
			CameraNo:   uint8(f.Channel + 1),
			Sec:        uint32(start.Add(time.Duration(s) * time.Second).Unix()),
		}
		data = stream.AppendFrame(data, h, payload)
		last = off
		prev = off
		off += size
	}
	if err := sf.Append(data, last); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := sf.Path()
	if err := sf.Abandon(); err != nil {
		t.Fatal(err)
	}
	return path, last
}

// tearTail writes a frame header past the committed end whose payload
// never made it to disk.
func tearTail(t *testing.T, path string) {
	t.Helper()
	hdr, err := stream.ReadHeader(path)
	if err != nil {
		t.Fatal(err)
	}
	torn := stream.AppendFrame(nil, stream.FrameHeader{MediaType: stream.MediaVideo, FrameType: stream.FrameP}, make([]byte, 1000))[:stream.FrameHeaderSize+50]
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	if _, err := fh.WriteAt(torn, int64(hdr.NextOffset)); err != nil {
		t.Fatal(err)
	}
}

func writeEvents(t *testing.T, f layout.HourFolder, closeFile bool, recs ...meta.EventRecord) {
	t.Helper()
	if err := os.MkdirAll(f.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	mf, err := meta.OpenOrCreate(f.EventPath(), meta.EventCodec, 0o640)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	if err := mf.Append(recs...); err != nil {
		t.Fatalf("append events: %v", err)
	}
	if closeFile {
		err = mf.Close()
	} else {
		err = mf.Abandon()
	}
	if err != nil {
		t.Fatal(err)
	}
}

func readDay(t *testing.T, mount string, ch int, day time.Time) yearmap.Day {
	t.Helper()
	y, err := yearmap.Open(layout.YearMapPath(mount, ch, day.Year()), day.Year(), 0o640)
	if err != nil {
		t.Fatalf("yearmap.Open: %v", err)
	}
	defer y.Close()
	d, err := y.ReadDay(day.Month(), day.Day())
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	return d
}

func sec(t time.Time) uint32 { return uint32(t.Unix()) }

func TestRecoverSealsTornFileAndClosesEvents(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	path, last := crashedStream(t, f, 1, tenAM, 0, 1, 2)
	tearTail(t, path)
	writeEvents(t, f, false, meta.EventRecord{
		EventType: meta.EventSchedule, StartFileID: 1, StopFileID: 1,
		StartTime: sec(tenAM), StartOffset: stream.HeaderSize,
	})

	e := newEngine(t, nil)
	rep, err := e.RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatalf("RecoverFolder: %v", err)
	}
	if len(rep.Sealed) != 1 || rep.ClosedEvents != 1 || !rep.YearMapChanged {
		t.Fatalf("unexpected report %+v", rep)
	}

	want := filepath.Join(f.Dir(), "100000~100002.stm1")
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("old name still present: %v", err)
	}
	hdr, err := stream.ReadHeader(want)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Running {
		t.Error("run flag still set")
	}
	frameSize := uint32(stream.FrameHeaderSize + 100)
	if hdr.NextOffset != stream.HeaderSize+3*frameSize {
		t.Errorf("nextOffset = %d", hdr.NextOffset)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(hdr.NextOffset)+stream.TrailerSize {
		t.Errorf("size %d, want %d", info.Size(), hdr.NextOffset+stream.TrailerSize)
	}

	evs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events: %v %v", evs, err)
	}
	ev := evs[0]
	if ev.EndTime != sec(tenAM.Add(2*time.Second)) || ev.StopOffset != last || ev.StopFileID != 1 {
		t.Errorf("event not closed at last frame: %+v", ev)
	}

	d := readDay(t, mount, 0, tenAM)
	if !d.Maps[0].Has(600) || d.Maps[0].Has(601) || d.Maps[2].Any() {
		t.Error("year map does not match the event")
	}

	again, err := e.RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatalf("second RecoverFolder: %v", err)
	}
	if again.Changed() {
		t.Errorf("second run changed the folder: %+v", again)
	}
}

func TestRecoverClosesEveryOpenEvent(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	_, last := crashedStream(t, f, 1, tenAM, 0, 1, 2, 3)
	closed := meta.EventRecord{
		EventType: meta.EventSchedule, StartFileID: 1, StopFileID: 1,
		StartTime: sec(tenAM.Add(time.Second)), EndTime: sec(tenAM.Add(2 * time.Second)),
		StartOffset: stream.HeaderSize, StopOffset: stream.HeaderSize,
	}
	writeEvents(t, f, false,
		meta.EventRecord{EventType: meta.EventAlarm, StartFileID: 1, StartTime: sec(tenAM), StartOffset: stream.HeaderSize},
		closed,
		meta.EventRecord{EventType: meta.EventManual, StartFileID: 1, StartTime: sec(tenAM.Add(2 * time.Second)), StartOffset: stream.HeaderSize},
		meta.EventRecord{EventType: meta.EventSchedule, StartFileID: 1, StartTime: sec(tenAM.Add(3 * time.Second)), StartOffset: stream.HeaderSize},
	)

	rep, err := newEngine(t, nil).RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatalf("RecoverFolder: %v", err)
	}
	if rep.ClosedEvents != 3 {
		t.Errorf("closed %d events, want 3", rep.ClosedEvents)
	}
	evs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if err != nil || len(evs) != 4 {
		t.Fatalf("events: %v %v", evs, err)
	}
	for i, ev := range evs {
		if i == 1 {
			if ev != closed {
				t.Errorf("closed record changed: %+v", ev)
			}
			continue
		}
		if ev.Open() || ev.EndTime != sec(tenAM.Add(3*time.Second)) || ev.StopOffset != last {
			t.Errorf("record %d not closed at last frame: %+v", i, ev)
		}
	}
}

func TestRecoverRemovesFolderWithoutFrames(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 1, tenAM)
	sf, err := stream.Create(f, layout.NewStreamName(tenAM, tenAM, 1, false), 0, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	_ = sf.Abandon()
	writeEvents(t, f, false)
	if err := os.WriteFile(filepath.Join(f.Dir(), "metaData.evnt.tmp"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	rep, err := newEngine(t, nil).RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatalf("RecoverFolder: %v", err)
	}
	if !rep.RemovedFolder || len(rep.Deleted) != 1 || rep.TempRemoved != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
	if _, err := os.Stat(f.DayDir()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("empty day dir kept: %v", err)
	}
}

func TestRecoverSkipsLiveFolder(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	path, _ := crashedStream(t, f, 1, tenAM, 0, 1)
	live := func(dir string) (time.Time, bool) { return tenAM.Add(time.Second), dir == f.Dir() }

	rep, err := newEngine(t, live).RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Skipped || rep.Changed() {
		t.Errorf("live folder touched: %+v", rep)
	}
	if hdr, err := stream.ReadHeader(path); err != nil || !hdr.Running {
		t.Errorf("stream file modified: %+v %v", hdr, err)
	}
}

func TestValidateRepairsFolderMarkedLiveByCaller(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	path, _ := crashedStream(t, f, 1, tenAM, 0, 1)
	live := func(dir string) (time.Time, bool) { return tenAM.Add(time.Second), dir == f.Dir() }

	rep, err := newEngine(t, live).ValidateFolder(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped || len(rep.Sealed) != 1 {
		t.Errorf("validate of a live folder: %+v", rep)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("running name kept after seal: %v", err)
	}
}

func TestRecoverRecreatesCorruptMetadata(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	crashedStream(t, f, 1, tenAM, 0)
	if err := os.WriteFile(f.EventPath(), []byte("garbage!garbage!"), 0o640); err != nil {
		t.Fatal(err)
	}

	rep, err := newEngine(t, nil).RecoverFolder(context.Background(), f)
	if err != nil {
		t.Fatalf("RecoverFolder: %v", err)
	}
	if len(rep.Recreated) != 1 || rep.Recreated[0] != f.EventPath() {
		t.Errorf("Recreated = %v", rep.Recreated)
	}
	evs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if err != nil || len(evs) != 0 {
		t.Errorf("recreated file: %v %v", evs, err)
	}
}

func TestRebuildDayMatchesEvents(t *testing.T) {
	mount := t.TempDir()
	ten := layout.FolderFor(mount, 2, tenAM)
	eleven := layout.FolderFor(mount, 2, tenAM.Add(time.Hour))
	writeEvents(t, ten, true, meta.EventRecord{
		EventType: meta.EventAlarm, StartFileID: 1, StopFileID: 1,
		StartTime: sec(tenAM.Add(5 * time.Minute)), EndTime: sec(tenAM.Add(7*time.Minute + 30*time.Second)),
	})
	writeEvents(t, eleven, true, meta.EventRecord{
		EventType: meta.EventManual, StartFileID: 1, StopFileID: 1, Overlap: true,
		StartTime: sec(tenAM.Add(time.Hour)), EndTime: sec(tenAM.Add(time.Hour + 30*time.Second)),
	})

	// A stale minute must disappear.
	err := yearmap.NewLocks(4).With(2, layout.YearMapPath(mount, 2, 2024), 2024, 0o640, func(y *yearmap.File) error {
		return y.Mark(time.March, 5, meta.EventSchedule, 900, 900, false)
	})
	if err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, nil)
	changed, err := e.RebuildDay(context.Background(), mount, 2, tenAM)
	if err != nil || !changed {
		t.Fatalf("RebuildDay: changed=%v err=%v", changed, err)
	}
	d := readDay(t, mount, 2, tenAM)
	for m := range yearmap.MinutesPerDay {
		if got, want := d.Maps[2].Has(m), m >= 605 && m <= 607; got != want {
			t.Errorf("alarm minute %d = %v", m, got)
		}
		if got, want := d.Maps[1].Has(m), m == 660; got != want {
			t.Errorf("manual minute %d = %v", m, got)
		}
		if d.Maps[0].Has(m) {
			t.Errorf("schedule minute %d set", m)
		}
	}
	if !d.Overlap[1] || d.Overlap[2] {
		t.Errorf("overlap flags %v", d.Overlap)
	}

	if changed, err := e.RebuildDay(context.Background(), mount, 2, tenAM); err != nil || changed {
		t.Errorf("second RebuildDay: changed=%v err=%v", changed, err)
	}
}

func TestRebuildDayExtendsLiveOpenEvent(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	writeEvents(t, f, false, meta.EventRecord{EventType: meta.EventSchedule, StartFileID: 1, StartTime: sec(tenAM)})
	live := func(dir string) (time.Time, bool) { return tenAM.Add(3 * time.Minute), dir == f.Dir() }

	if _, err := newEngine(t, live).RebuildDay(context.Background(), mount, 0, tenAM); err != nil {
		t.Fatal(err)
	}
	d := readDay(t, mount, 0, tenAM)
	if d.Maps[0].Count() != 4 || !d.Maps[0].Has(603) {
		t.Errorf("live event marked %d minutes", d.Maps[0].Count())
	}
}

func TestRemoveIndexesForFolder(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	locks := yearmap.NewLocks(1)
	err := locks.With(0, f.YearMapPath(), 2024, 0o640, func(y *yearmap.File) error {
		if err := y.Mark(time.March, 5, meta.EventSchedule|meta.EventCosec, 600, 610, false); err != nil {
			return err
		}
		return y.Mark(time.March, 5, meta.EventSchedule, 700, 700, false)
	})
	if err != nil {
		t.Fatal(err)
	}

	e := New(Config{Location: time.UTC, Locks: locks})
	if err := e.RemoveIndexesForFolder(f); err != nil {
		t.Fatalf("RemoveIndexesForFolder: %v", err)
	}
	d := readDay(t, mount, 0, tenAM)
	if d.Maps[0].AnyInRange(600, 659) || d.Maps[3].Any() {
		t.Error("hour still marked")
	}
	if !d.Maps[0].Has(700) {
		t.Error("next hour cleared")
	}
}

func TestRebuildYearMaps(t *testing.T) {
	mount := t.TempDir()
	f := layout.FolderFor(mount, 0, tenAM)
	writeEvents(t, f, true, meta.EventRecord{
		EventType: meta.EventCosec, StartFileID: 1, StopFileID: 1,
		StartTime: sec(tenAM), EndTime: sec(tenAM.Add(time.Minute)),
	})
	stale, err := yearmap.Open(layout.YearMapPath(mount, 0, 2019), 2019, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	_ = stale.Close()

	if err := newEngine(t, nil).RebuildYearMaps(context.Background(), mount, 0); err != nil {
		t.Fatalf("RebuildYearMaps: %v", err)
	}
	years, err := layout.ListYearMaps(mount, 0)
	if err != nil || len(years) != 1 || years[0] != 2024 {
		t.Fatalf("year maps = %v %v", years, err)
	}
	d := readDay(t, mount, 0, tenAM)
	if d.Maps[3].Count() != 2 {
		t.Errorf("cosec minutes = %d", d.Maps[3].Count())
	}
}

func TestBootRecoversRecentFolders(t *testing.T) {
	mount := t.TempDir()
	var paths []string
	for h := 8; h <= 10; h++ {
		at := tenAM.Add(time.Duration(h-10) * time.Hour)
		p, _ := crashedStream(t, layout.FolderFor(mount, 0, at), 1, at, 0, 1)
		paths = append(paths, p)
	}
	vols := []volume.Volume{{ID: 1, Name: "hdd0", Path: mount}}

	reps, err := newEngine(t, nil).Boot(context.Background(), vols, 2, nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if len(reps) != 2 || reps[0].Folder.Hour.Hour() != 9 || reps[1].Folder.Hour.Hour() != 10 {
		t.Fatalf("recovered %v", reps)
	}
	if hdr, err := stream.ReadHeader(paths[0]); err != nil || !hdr.Running {
		t.Errorf("08:00 folder should be left alone: %+v %v", hdr, err)
	}
}

func TestBootFollowsAnchor(t *testing.T) {
	mount := t.TempDir()
	nine := tenAM.Add(-time.Hour)
	crashedStream(t, layout.FolderFor(mount, 0, nine), 1, nine, 0)
	crashedStream(t, layout.FolderFor(mount, 0, tenAM), 1, tenAM, 0)
	vols := []volume.Volume{{ID: 1, Name: "hdd0", Path: mount}}
	anchors := anchor.NewStore(t.TempDir())
	if err := anchors.Save(0, anchor.For("hdd0", tenAM)); err != nil {
		t.Fatal(err)
	}

	reps, err := newEngine(t, nil).Boot(context.Background(), vols, 1, anchors)
	if err != nil {
		t.Fatal(err)
	}
	if len(reps) != 1 || !reps[0].Folder.Hour.Equal(tenAM) {
		t.Fatalf("recovered %v", reps)
	}

	// A stale anchor falls back to the newest folders.
	if err := anchors.Save(0, anchor.For("hdd0", nine)); err != nil {
		t.Fatal(err)
	}
	reps, err = newEngine(t, nil).Boot(context.Background(), vols, 1, anchors)
	if err != nil {
		t.Fatal(err)
	}
	if len(reps) != 2 {
		t.Fatalf("stale anchor recovered %v", reps)
	}
}
