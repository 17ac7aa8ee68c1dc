package playback

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"nvrstore/internal/meta"
	"nvrstore/internal/status"
	"nvrstore/internal/stream"
	"nvrstore/internal/volume"
	"nvrstore/internal/writer"
)

var tenAM = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func ms(n int) time.Time { return tenAM.Add(time.Duration(n) * time.Millisecond) }

// record writes ten seconds of camera 0: four video frames a second with a
// key frame on every whole second, one audio frame 100ms after each key
// frame, and the schedule bit set from 2s to 6s. Files roll every 4s, so
// the hour folder holds three stream files.
func record(t *testing.T) *volume.Static {
	t.Helper()
	return recordFrom(t, 0)
}

// recordFrom writes the same recording with every frame moved later by
// shift.
func recordFrom(t *testing.T, shift time.Duration) *volume.Static {
	t.Helper()
	vols := volume.NewStatic([]volume.Volume{{ID: 1, Name: "hdd0", Path: t.TempDir()}}, 1)
	r, err := writer.New(writer.Config{
		Channels:     1,
		Volumes:      vols,
		Location:     time.UTC,
		FileDuration: 4 * time.Second,
	})
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
		at := ms(i * 250).Add(shift)
		var bits uint8
		if at.Sub(tenAM) >= 2*time.Second && at.Sub(tenAM) < 6*time.Second {
			bits = meta.EventSchedule
		}
		typ := stream.FrameP
		if i%4 == 0 {
			typ = stream.FrameI
		}
		write(writer.Frame{Time: at, Media: stream.MediaVideo, Type: typ, FPS: 4, Events: bits, Payload: bytes.Repeat([]byte{byte(i)}, 64)})
		if i%4 == 0 {
			write(writer.Frame{Time: at.Add(100 * time.Millisecond), Media: stream.MediaAudio, Events: bits, Payload: []byte{1, 2, 3, 4}})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.StopSession(ctx, 0); err != nil {
		t.Fatal(err)
	}
	return vols
}

func newPool(t *testing.T, vols volume.Resolver, sessions int) *Pool {
	t.Helper()
	p, err := NewPool(Config{Volumes: vols, Location: time.UTC, Sessions: sessions})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.CloseAll() })
	return p
}

func openHour(t *testing.T, p *Pool) int {
	t.Helper()
	id, err := p.OpenPlaySession(PurposePlayback, Range{Drive: "hdd0", Channel: 0, Start: tenAM})
	if err != nil {
		t.Fatalf("OpenPlaySession: %v", err)
	}
	return id
}

func position(t *testing.T, p *Pool, id int, at time.Time, dir Direction) {
	t.Helper()
	if err := p.SetPlayPosition(id, at, dir); err != nil {
		t.Fatalf("SetPlayPosition(%s, %s): %v", at.Format("15:04:05.000"), dir, err)
	}
}

// readTimes reads n frames and returns their offsets from 10:00 in ms.
func readTimes(t *testing.T, p *Pool, id, n int, opts ReadOptions) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for range n {
		f, err := p.ReadRecordFrame(id, opts)
		if err != nil {
			t.Fatalf("read %d (%s): %v", len(out), opts.Direction, err)
		}
		out = append(out, f.Time().Sub(tenAM).Milliseconds())
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestForwardSeekReturnsFramesAtOrAfterTarget(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(5300), Forward)
	got := readTimes(t, p, id, 3, ReadOptions{Direction: Forward})
	if want := []int64{5500, 5750, 6000}; !equal(got, want) {
		t.Errorf("forward from 5.3s = %v, want %v", got, want)
	}

	// An exact frame time is included.
	position(t, p, id, ms(5250), Forward)
	if got := readTimes(t, p, id, 1, ReadOptions{Direction: Forward}); got[0] != 5250 {
		t.Errorf("forward from 5.25s starts at %d", got[0])
	}
}

func TestReverseSeekCrossesFileBoundary(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(5300), Reverse)
	got := readTimes(t, p, id, 7, ReadOptions{Direction: Reverse})
	if want := []int64{5250, 5000, 4750, 4500, 4250, 4000, 3750}; !equal(got, want) {
		t.Errorf("reverse from 5.3s = %v, want %v", got, want)
	}
}

func TestSeekWithKeyFramesOffWholeSeconds(t *testing.T) {
	// Key frames at x.500 are indexed under second x, after a target at
	// x.200 in the same second.
	p := newPool(t, recordFrom(t, 500*time.Millisecond), 3)
	id := openHour(t, p)

	position(t, p, id, ms(5200), Reverse)
	if got := readTimes(t, p, id, 2, ReadOptions{Direction: Reverse}); !equal(got, []int64{5000, 4750}) {
		t.Errorf("reverse from 5.2s = %v, want [5000 4750]", got)
	}

	position(t, p, id, ms(5200), Forward)
	if got := readTimes(t, p, id, 2, ReadOptions{Direction: Forward}); !equal(got, []int64{5250, 5500}) {
		t.Errorf("forward from 5.2s = %v, want [5250 5500]", got)
	}

	// Before the first key frame the walk starts at the first frame.
	position(t, p, id, ms(600), Reverse)
	if got := readTimes(t, p, id, 1, ReadOptions{Direction: Reverse}); got[0] != 500 {
		t.Errorf("reverse from 0.6s = %v, want [500]", got)
	}
	if _, err := p.ReadRecordFrame(id, ReadOptions{Direction: Reverse}); !errors.Is(err, ErrReadOver) {
		t.Errorf("expected ErrReadOver before the first frame, got %v", err)
	}
}

func TestForwardReadCrossesFileBoundary(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(3600), Forward)
	a, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward})
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward})
	if err != nil {
		t.Fatal(err)
	}
	if a.Time().Sub(tenAM) != 3750*time.Millisecond || b.Time().Sub(tenAM) != 4*time.Second {
		t.Fatalf("read %s then %s", a.Time().Format("05.000"), b.Time().Format("05.000"))
	}
	if a.FileID != 1 || b.FileID != 2 || b.Offset != stream.HeaderSize {
		t.Errorf("file ids %d, %d, second offset %d", a.FileID, b.FileID, b.Offset)
	}
	if !b.Header.IsKeyFrame() || len(b.Payload) != 64 || b.Payload[0] != 16 {
		t.Errorf("unexpected frame at 4s: %+v payload %d bytes", b.Header, len(b.Payload))
	}
}

func TestDirectionChangeSkipsLastFrame(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(5300), Forward)
	if got := readTimes(t, p, id, 2, ReadOptions{Direction: Forward}); !equal(got, []int64{5500, 5750}) {
		t.Fatalf("forward = %v", got)
	}
	if got := readTimes(t, p, id, 2, ReadOptions{Direction: Reverse}); !equal(got, []int64{5500, 5250}) {
		t.Errorf("reverse after forward = %v, want [5500 5250]", got)
	}
	if got := readTimes(t, p, id, 1, ReadOptions{Direction: Forward}); got[0] != 5500 {
		t.Errorf("forward after reverse = %v, want [5500]", got)
	}
}

func TestHourStartResolvesToFirstFrame(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, tenAM, Forward)
	f, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Time().Equal(tenAM) || f.FileID != 1 || f.Offset != stream.HeaderSize {
		t.Errorf("first frame %s file %d offset %d", f.Time(), f.FileID, f.Offset)
	}

	position(t, p, id, tenAM, Reverse)
	f, err = p.ReadRecordFrame(id, ReadOptions{Direction: Reverse})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Time().Equal(tenAM) {
		t.Errorf("reverse from the hour start returned %s", f.Time())
	}
	if _, err := p.ReadRecordFrame(id, ReadOptions{Direction: Reverse}); !errors.Is(err, ErrReadOver) {
		t.Errorf("expected ErrReadOver before the first frame, got %v", err)
	}
}

func TestIFramesOnly(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(5300), Forward)
	if got := readTimes(t, p, id, 3, ReadOptions{Direction: Forward, IFramesOnly: true}); !equal(got, []int64{6000, 7000, 8000}) {
		t.Errorf("forward I-frames = %v", got)
	}
	position(t, p, id, ms(5300), Reverse)
	if got := readTimes(t, p, id, 3, ReadOptions{Direction: Reverse, IFramesOnly: true}); !equal(got, []int64{5000, 4000, 3000}) {
		t.Errorf("reverse I-frames = %v", got)
	}
}

func TestAudioOnlyInContinuousForwardReads(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)
	s, err := p.Session(id)
	if err != nil {
		t.Fatal(err)
	}

	position(t, p, id, tenAM, Forward)
	if got := readTimes(t, p, id, 3, ReadOptions{Direction: Forward}); !equal(got, []int64{0, 250, 500}) {
		t.Errorf("audio off = %v", got)
	}

	s.SetAudio(true)
	position(t, p, id, tenAM, Forward)
	if got := readTimes(t, p, id, 3, ReadOptions{Direction: Forward}); !equal(got, []int64{0, 100, 250}) {
		t.Errorf("audio on = %v", got)
	}
	position(t, p, id, tenAM, Forward)
	if got := readTimes(t, p, id, 2, ReadOptions{Direction: Forward, Step: true}); !equal(got, []int64{0, 250}) {
		t.Errorf("stepping with audio on = %v", got)
	}
}

func TestReadOverAtEnd(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	position(t, p, id, ms(9900), Forward)
	if _, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward}); !errors.Is(err, ErrReadOver) {
		t.Errorf("expected ErrReadOver past the last frame, got %v", err)
	}
	if got := readTimes(t, p, id, 1, ReadOptions{Direction: Reverse}); got[0] != 9750 {
		t.Errorf("reverse from the end = %v", got)
	}
}

func TestEventRangeBoundsTheSession(t *testing.T) {
	p := newPool(t, record(t), 3)
	r := Range{
		Drive:     "hdd0",
		Start:     ms(2000),
		End:       ms(6000),
		EventType: meta.EventSchedule,
		DiskID:    1,
	}
	id, err := p.OpenPlaySession(PurposePlayback, r)
	if err != nil {
		t.Fatal(err)
	}

	position(t, p, id, ms(2000), Forward)
	var got []int64
	for {
		f, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward})
		if errors.Is(err, ErrReadOver) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, f.Time().Sub(tenAM).Milliseconds())
	}
	if len(got) != 17 || got[0] != 2000 || got[len(got)-1] != 6000 {
		t.Errorf("event playback read %v", got)
	}

	position(t, p, id, ms(2100), Reverse)
	if got := readTimes(t, p, id, 1, ReadOptions{Direction: Reverse}); got[0] != 2000 {
		t.Errorf("reverse inside the event = %v", got)
	}
	if _, err := p.ReadRecordFrame(id, ReadOptions{Direction: Reverse}); !errors.Is(err, ErrReadOver) {
		t.Errorf("expected ErrReadOver before the event start, got %v", err)
	}

	r.EventType = meta.EventAlarm
	if _, err := p.OpenPlaySession(PurposePlayback, r); !errors.Is(err, ErrNoRecording) || !errors.Is(err, status.ErrNoRecord) {
		t.Errorf("alarm range: %v", err)
	}
	if _, err := p.OpenPlaySession(PurposePlayback, Range{Drive: "hdd0", Start: tenAM.Add(time.Hour)}); !errors.Is(err, ErrNoRecording) {
		t.Errorf("empty hour: %v", err)
	}
}

func TestPoolReservesBackupSlot(t *testing.T) {
	p := newPool(t, record(t), 3)

	a := openHour(t, p)
	b := openHour(t, p)
	if _, err := p.OpenPlaySession(PurposePlayback, Range{Drive: "hdd0", Start: tenAM}); !errors.Is(err, ErrPoolFull) || !errors.Is(err, status.ErrResourceLimit) {
		t.Fatalf("third playback session: %v", err)
	}
	backup, err := p.OpenPlaySession(PurposeBackup, Range{Drive: "hdd0", Start: tenAM})
	if err != nil {
		t.Fatalf("backup session: %v", err)
	}
	if backup != 2 {
		t.Errorf("backup session id %d, want 2", backup)
	}
	if _, err := p.OpenPlaySession(PurposeBackup, Range{Drive: "hdd0", Start: tenAM}); !errors.Is(err, ErrPoolFull) {
		t.Errorf("second backup session: %v", err)
	}
	if n := p.InUse(); n != 3 {
		t.Errorf("InUse = %d", n)
	}

	if _, err := p.ReadRecordFrame(a, ReadOptions{Direction: Forward}); !errors.Is(err, ErrNotPositioned) {
		t.Errorf("read before positioning: %v", err)
	}
	if err := p.ClosePlaySession(a); err != nil {
		t.Fatal(err)
	}
	if err := p.ClosePlaySession(a); !errors.Is(err, ErrNoSession) {
		t.Errorf("double close: %v", err)
	}
	if again := openHour(t, p); again != a {
		t.Errorf("reopened session id %d, want %d", again, a)
	}
	_ = b
}

func TestUnhealthyVolumeStopsReads(t *testing.T) {
	vols := record(t)
	p := newPool(t, vols, 3)
	id := openHour(t, p)
	position(t, p, id, tenAM, Forward)

	vols.SetHealthy("hdd0", false)
	if _, err := p.ReadRecordFrame(id, ReadOptions{Direction: Forward}); !errors.Is(err, ErrHDDStop) {
		t.Errorf("read: %v", err)
	}
	if err := p.SetPlayPosition(id, ms(500), Forward); !errors.Is(err, ErrHDDStop) {
		t.Errorf("position: %v", err)
	}
	if _, err := p.OpenPlaySession(PurposePlayback, Range{Drive: "hdd0", Start: tenAM}); !errors.Is(err, ErrHDDStop) {
		t.Errorf("open: %v", err)
	}
}

func TestBadPositions(t *testing.T) {
	p := newPool(t, record(t), 3)
	id := openHour(t, p)

	if err := p.SetPlayPosition(id, tenAM.Add(time.Hour), Forward); !errors.Is(err, ErrBadRange) {
		t.Errorf("next hour: %v", err)
	}
	if err := p.SetPlayPosition(id, ms(500), 0); !errors.Is(err, ErrBadRange) {
		t.Errorf("no direction: %v", err)
	}
	if _, err := p.OpenPlaySession(PurposePlayback, Range{Drive: "nope", Start: tenAM}); !errors.Is(err, ErrBadRange) {
		t.Errorf("unknown drive: %v", err)
	}
}
