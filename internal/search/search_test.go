package search

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/status"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

var (
	day0  = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	clock = func() time.Time { return time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC) }
)

func at(h, m, s int) time.Time { return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second) }

func u32(t time.Time) uint32 { return uint32(t.Unix()) }

type event struct {
	typ        uint8
	start, end time.Time // zero end = open
}

func writeEvents(t *testing.T, mount string, ch int, hour time.Time, evs ...event) {
	t.Helper()
	f := layout.FolderFor(mount, ch, hour)
	if err := os.MkdirAll(f.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	mf, err := meta.OpenOrCreate(f.EventPath(), meta.EventCodec, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range evs {
		r := meta.EventRecord{EventType: ev.typ, StartFileID: 1, StopFileID: 1, StartTime: u32(ev.start), DiskID: 1}
		if !ev.end.IsZero() {
			r.EndTime = u32(ev.end)
		}
		if err := mf.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := mf.Close(); err != nil {
		t.Fatal(err)
	}
}

func newEngine(t *testing.T, vols ...volume.Volume) *Engine {
	t.Helper()
	e, err := New(Config{
		Volumes:  volume.NewStatic(vols, 2),
		Channels: 2,
		Location: time.UTC,
		Slots:    2,
		Now:      clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func twoDrives(t *testing.T) (*Engine, string, string) {
	t.Helper()
	a, b := t.TempDir(), t.TempDir()
	e := newEngine(t, volume.Volume{ID: 1, Name: "hdd0", Path: a}, volume.Volume{ID: 2, Name: "hdd1", Path: b})
	writeEvents(t, a, 0, at(10, 0, 0),
		event{meta.EventSchedule, at(10, 1, 0), at(10, 2, 0)},
		event{meta.EventSchedule, at(10, 10, 0), at(10, 12, 0)})
	writeEvents(t, b, 1, at(10, 0, 0),
		event{meta.EventSchedule, at(10, 5, 0), at(10, 6, 0)},
		event{meta.EventAlarm, at(10, 20, 0), at(10, 21, 0)})
	writeEvents(t, a, 1, at(11, 0, 0),
		event{meta.EventSchedule, at(11, 2, 0), at(11, 3, 0)})
	return e, a, b
}

func starts(rs []Result) []time.Time {
	out := make([]time.Time, len(rs))
	for i, r := range rs {
		out[i] = r.Start
	}
	return out
}

func TestSearchCapsAndMergesAcrossDrives(t *testing.T) {
	e, _, _ := twoDrives(t)
	c := Criteria{From: at(9, 0, 0), To: at(12, 0, 0), Channel: AllChannels, Events: meta.AllEvents, MaxRecords: 3}

	res, err := e.Search(context.Background(), c)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.More || len(res.Records) != 3 {
		t.Fatalf("got %d records more=%v", len(res.Records), res.More)
	}
	want := []time.Time{at(10, 1, 0), at(10, 5, 0), at(10, 10, 0)}
	for i, s := range starts(res.Records) {
		if !s.Equal(want[i]) {
			t.Errorf("record %d starts %s, want %s", i, s, want[i])
		}
	}
	if res.Records[1].Drive != "hdd1" || res.Records[1].Channel != 1 {
		t.Errorf("record 1 from %s/%d", res.Records[1].Drive, res.Records[1].Channel)
	}

	c.MaxRecords = 0
	res, err = e.Search(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if res.More || len(res.Records) != 5 {
		t.Fatalf("uncapped: %d records more=%v", len(res.Records), res.More)
	}
	for i := 1; i < len(res.Records); i++ {
		if res.Records[i].Start.Before(res.Records[i-1].Start) {
			t.Errorf("records out of order at %d", i)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	e, _, _ := twoDrives(t)
	tests := []struct {
		name string
		c    Criteria
		want int
	}{
		{"alarm only", Criteria{From: at(0, 0, 0), To: at(23, 0, 0), Channel: AllChannels, Events: meta.EventAlarm}, 1},
		{"one channel", Criteria{From: at(0, 0, 0), To: at(23, 0, 0), Channel: 0, Events: meta.AllEvents}, 2},
		{"one drive", Criteria{From: at(0, 0, 0), To: at(23, 0, 0), Channel: AllChannels, Events: meta.AllEvents, Drive: "hdd1"}, 2},
		{"range edge", Criteria{From: at(10, 2, 0), To: at(10, 5, 0), Channel: AllChannels, Events: meta.AllEvents}, 2},
		{"empty range", Criteria{From: at(13, 0, 0), To: at(14, 0, 0), Channel: AllChannels, Events: meta.AllEvents}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Search(context.Background(), tt.c)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Records) != tt.want {
				t.Errorf("got %d records, want %d", len(res.Records), tt.want)
			}
		})
	}
}

func TestSearchRejectsBadCriteria(t *testing.T) {
	e, _, _ := twoDrives(t)
	bad := []Criteria{
		{From: at(11, 0, 0), To: at(10, 0, 0), Channel: 0, Events: meta.AllEvents},
		{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 7, Events: meta.AllEvents},
		{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0},
		{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0, Events: meta.AllEvents, Drive: "usb"},
	}
	for i, c := range bad {
		if _, err := e.Search(context.Background(), c); !errors.Is(err, ErrBadCriteria) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
	_, err := e.Search(context.Background(), Criteria{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0, Events: 1, MaxRecords: MaxRecordsLimit + 1})
	if status.Of(err) != status.BufferLimitExceeded {
		t.Errorf("oversized request: %v", err)
	}
}

func TestAllEventsCombinesAdjoiningCategories(t *testing.T) {
	mount := t.TempDir()
	e := newEngine(t, volume.Volume{ID: 1, Name: "hdd0", Path: mount})
	writeEvents(t, mount, 0, at(10, 0, 0),
		event{meta.EventManual, at(10, 0, 0), at(10, 5, 0)},
		event{meta.EventAlarm, at(10, 5, 1), at(10, 6, 0)},
		event{meta.EventManual, at(10, 30, 0), at(10, 31, 0)})

	res, err := e.Search(context.Background(), Criteria{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0, Events: meta.AllEvents})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records", len(res.Records))
	}
	r := res.Records[0]
	if r.EventType != meta.EventManual|meta.EventAlarm || !r.End.Equal(at(10, 6, 0)) {
		t.Errorf("combined record %+v", r)
	}

	res, err = e.Search(context.Background(), Criteria{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0, Events: meta.EventManual | meta.EventAlarm})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 3 {
		t.Errorf("partial mask combined records: %d", len(res.Records))
	}
}

func TestOpenEventIsClipped(t *testing.T) {
	mount := t.TempDir()
	e := newEngine(t, volume.Volume{ID: 1, Name: "hdd0", Path: mount})
	writeEvents(t, mount, 0, at(10, 0, 0), event{typ: meta.EventSchedule, start: at(10, 30, 0)})

	res, err := e.Search(context.Background(), Criteria{From: at(10, 0, 0), To: at(10, 40, 0), Channel: 0, Events: meta.AllEvents})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 || !res.Records[0].Open || !res.Records[0].End.Equal(at(10, 40, 0)) {
		t.Fatalf("open event %+v", res.Records)
	}

	// Past the hour the event cannot extend beyond its folder.
	res, err = e.Search(context.Background(), Criteria{From: at(10, 0, 0), To: at(12, 0, 0), Channel: 0, Events: meta.AllEvents})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Records[0].End.Equal(at(10, 59, 59)) {
		t.Errorf("open event end %s", res.Records[0].End)
	}
}

func TestSlotTable(t *testing.T) {
	s := NewSlotTable(1)
	ctx, release, err := s.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Acquire(context.Background(), 0); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("second acquire: %v", err)
	}
	if _, _, err := s.Acquire(context.Background(), 1); !errors.Is(err, ErrBadSlot) {
		t.Errorf("bad slot: %v", err)
	}
	s.Cancel(0)
	if ctx.Err() == nil {
		t.Error("Cancel did not cancel the search context")
	}
	release()
	release()
	if s.Busy(0) {
		t.Error("slot still busy after release")
	}
	if _, release, err := s.Acquire(context.Background(), 0); err != nil {
		t.Errorf("reacquire: %v", err)
	} else {
		release()
	}
}

func TestHandleNativeReply(t *testing.T) {
	e, _, _ := twoDrives(t)
	var buf bytes.Buffer
	req := Request{ID: "req-1", Kind: KindNormal, Criteria: Criteria{From: at(9, 0, 0), To: at(12, 0, 0), Channel: AllChannels, Events: meta.AllEvents, MaxRecords: 2}}
	if err := e.Handle(context.Background(), 0, req, NewNativeReplier(&buf)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	r, err := ReadNativeReply(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if r.RequestID != "req-1" || r.Status != status.MoreData || len(r.Records) != 2 || !r.Final {
		t.Errorf("reply %+v", r)
	}
	if !r.Records[0].Start.Equal(at(10, 1, 0)) {
		t.Errorf("first record starts %s", r.Records[0].Start)
	}

	bad := Request{Kind: KindNormal, Criteria: Criteria{From: at(9, 0, 0), To: at(12, 0, 0), Channel: 9, Events: 1}}
	if err := e.Handle(context.Background(), 1, bad, NewNativeReplier(&buf)); !errors.Is(err, ErrBadCriteria) {
		t.Fatalf("bad request: %v", err)
	}
	r, err = ReadNativeReply(&buf)
	if err != nil || r.Status != status.ProcessError || r.RequestID == "" {
		t.Errorf("error reply %+v %v", r, err)
	}
}

type relayFunc func(ctx context.Context, peer string, payload []byte) error

func (f relayFunc) Send(ctx context.Context, peer string, payload []byte) error {
	return f(ctx, peer, payload)
}

func TestAsyncAllBatchesOverP2P(t *testing.T) {
	mount := t.TempDir()
	e := newEngine(t, volume.Volume{ID: 1, Name: "hdd0", Path: mount})
	var evs []event
	for m := range 50 {
		evs = append(evs, event{meta.EventSchedule, at(10, m, 0), at(10, m, 30)})
	}
	writeEvents(t, mount, 0, at(10, 0, 0), evs...)
	writeEvents(t, mount, 1, at(10, 0, 0), evs[:30]...)

	var got []P2PEnvelope
	relay := relayFunc(func(_ context.Context, peer string, payload []byte) error {
		var env P2PEnvelope
		if err := msgpack.Unmarshal(payload, &env); err != nil {
			return err
		}
		if peer != "viewer-7" {
			t.Errorf("sent to %q", peer)
		}
		got = append(got, env)
		return nil
	})
	rep, err := ReplierFor(ClientP2P, nil, relay, "viewer-7")
	if err != nil {
		t.Fatal(err)
	}
	req := Request{Kind: KindAsyncAll, Criteria: Criteria{From: at(10, 0, 0), To: at(11, 0, 0), Channel: 0, Events: meta.EventAlarm}}
	if err := e.Handle(context.Background(), 0, req, rep); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d batches", len(got))
	}
	if len(got[0].Reply.Records) != asyncBatch || got[0].Reply.Final {
		t.Errorf("first batch: %d records final=%v", len(got[0].Reply.Records), got[0].Reply.Final)
	}
	if len(got[1].Reply.Records) != 80-asyncBatch || !got[1].Reply.Final {
		t.Errorf("last batch: %d records final=%v", len(got[1].Reply.Records), got[1].Reply.Final)
	}

	if _, err := ReplierFor(ClientNative, nil, nil, ""); !errors.Is(err, ErrBadClient) {
		t.Errorf("native without conn: %v", err)
	}
}

func markDays(t *testing.T, mount string, days ...int) {
	t.Helper()
	err := yearmap.NewLocks(2).With(0, layout.YearMapPath(mount, 0, 2024), 2024, 0o640, func(y *yearmap.File) error {
		for _, d := range days {
			if err := y.Mark(time.March, d, meta.EventSchedule, 600, 605, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCalendar(t *testing.T) {
	mount := t.TempDir()
	e := newEngine(t, volume.Volume{ID: 1, Name: "hdd0", Path: mount})
	markDays(t, mount, 5, 20)

	if err := e.GenerateLocalRecDatabase(context.Background(), "hdd0", 0, 2024, time.May); err != nil {
		t.Fatalf("GenerateLocalRecDatabase: %v", err)
	}
	days, err := e.MonthDays("hdd0", 0, 2024, time.March, meta.AllEvents)
	if err != nil {
		t.Fatal(err)
	}
	if days != 1<<4|1<<19 {
		t.Errorf("days = %b", days)
	}
	if d, _ := e.MonthDays("hdd0", 0, 2024, time.March, meta.EventAlarm); d != 0 {
		t.Errorf("alarm days = %b", d)
	}

	// Cached months do not see later disk changes until rebuilt.
	markDays(t, mount, 7)
	if d, _ := e.MonthDays("hdd0", 0, 2024, time.March, meta.AllEvents); d&(1<<6) != 0 {
		t.Error("cached month changed without rebuild")
	}
	if err := e.GenerateLocalRecDatabase(context.Background(), "hdd0", 0, 2024, time.May); err != nil {
		t.Fatal(err)
	}
	if d, _ := e.MonthDays("hdd0", 0, 2024, time.March, meta.AllEvents); d&(1<<6) == 0 {
		t.Error("rebuild missed day 7")
	}

	// Months outside the cache come from disk.
	if d, err := e.MonthDays("hdd0", 0, 2022, time.March, meta.AllEvents); err != nil || d != 0 {
		t.Errorf("uncached month: %b %v", d, err)
	}

	bm, err := e.DayMinutes("hdd0", 0, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), meta.EventSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if bm.Count() != 6 || !bm.Has(600) || bm.Has(606) {
		t.Errorf("day minutes: %d set", bm.Count())
	}
}
