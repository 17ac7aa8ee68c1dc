package search

import (
	"errors"
	"io/fs"
	"slices"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/volume"
)

// contiguousGap is the largest gap between two events that still counts
// as back-to-back.
const contiguousGap = time.Second

// scanFolder returns the folder's events matching c, ordered by start.
func (e *Engine) scanFolder(f layout.HourFolder, vol volume.Volume, c Criteria, now time.Time) ([]Result, error) {
	recs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(recs))
	for _, r := range recs {
		if r.EventType&c.Events == 0 {
			continue
		}
		start := time.Unix(int64(r.StartTime), 0).In(e.loc)
		var end time.Time
		if r.Open() {
			// Still recording: clip at the query end, now, or the end of
			// the hour, whichever comes first.
			end = minTime(c.To, now, f.End().Add(-time.Second))
		} else {
			end = time.Unix(int64(r.EndTime), 0).In(e.loc)
		}
		if end.Before(start) {
			end = start
		}
		if start.After(c.To) || end.Before(c.From) {
			continue
		}
		out = append(out, Result{
			Start:     start,
			End:       end,
			Channel:   f.Channel,
			EventType: r.EventType,
			Overlap:   r.Overlap,
			DiskID:    r.DiskID,
			Drive:     vol.Name,
			Open:      r.Open(),
		})
	}
	slices.SortStableFunc(out, func(a, b Result) int { return a.Start.Compare(b.Start) })
	if c.AllEvents() {
		out = combine(out)
	}
	return out, nil
}

// combine folds back-to-back events of different categories into one
// interval carrying the union of their types. Input is start-ordered.
func combine(rs []Result) []Result {
	if len(rs) < 2 {
		return rs
	}
	out := rs[:1]
	lastType := rs[0].EventType
	for _, r := range rs[1:] {
		prev := &out[len(out)-1]
		adjoining := !prev.Open &&
			!r.Start.Before(prev.End) && r.Start.Sub(prev.End) <= contiguousGap &&
			r.EventType&lastType == 0 &&
			r.Overlap == prev.Overlap && r.DiskID == prev.DiskID
		if adjoining {
			prev.End = r.End
			prev.EventType |= r.EventType
			prev.Open = r.Open
		} else {
			out = append(out, r)
		}
		lastType = r.EventType
	}
	return out
}

func minTime(ts ...time.Time) time.Time {
	m := ts[0]
	for _, t := range ts[1:] {
		if t.Before(m) {
			m = t
		}
	}
	return m
}
