package recovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/yearmap"
)

// closeOpenEvents ends every open event of the folder at its last frame.
func (e *Engine) closeOpenEvents(f layout.HourFolder, last lastFrame) (int, error) {
	if !last.ok {
		return 0, nil
	}
	recs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
	if err != nil {
		return 0, err
	}
	var open []uint32
	for i, r := range recs {
		if r.Open() {
			open = append(open, uint32(i)) //nolint:gosec // G115: record count fits u32
		}
	}
	if len(open) == 0 {
		return 0, nil
	}

	mf, err := meta.Open(f.EventPath(), meta.EventCodec)
	if err != nil {
		return 0, err
	}
	for _, i := range open {
		r := recs[i]
		r.EndTime = max(last.sec, r.StartTime)
		r.StopFileID = last.fileID
		r.StopOffset = last.offset
		if err := mf.Update(i, r); err != nil {
			_ = mf.Abandon()
			return 0, err
		}
	}
	return len(open), mf.Close()
}

type liveSet map[string]time.Time

func (e *Engine) liveFolders(folders []layout.HourFolder) liveSet {
	out := liveSet{}
	for _, f := range folders {
		if t, ok := e.live(f.Dir()); ok {
			out[f.Dir()] = t
		}
	}
	return out
}

// buildDay derives a day's bitmaps from the event records of its hour
// folders. Closed events cover [start, end]; open events in live folders
// run to the recorder's last frame, other open events cover their start
// minute only.
func (e *Engine) buildDay(ctx context.Context, day time.Time, folders []layout.HourFolder, live liveSet) (yearmap.Day, error) {
	var d yearmap.Day
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		recs, err := meta.ReadAll(f.EventPath(), meta.EventCodec)
		if errors.Is(err, fs.ErrNotExist) || (err != nil && corrupt(err)) {
			continue
		}
		if err != nil {
			return d, err
		}
		liveAt, isLive := live[f.Dir()]
		for _, r := range recs {
			start := time.Unix(int64(r.StartTime), 0).In(e.loc)
			end := start
			switch {
			case !r.Open():
				end = time.Unix(int64(r.EndTime), 0).In(e.loc)
			case isLive:
				end = liveAt.In(e.loc)
			}
			if end.Before(start) {
				end = start
			}
			if !start.Before(dayEnd) || end.Before(dayStart) {
				continue
			}
			from, to := 0, yearmap.MinutesPerDay-1
			if !start.Before(dayStart) {
				from = start.Hour()*60 + start.Minute()
			}
			if end.Before(dayEnd) {
				to = end.Hour()*60 + end.Minute()
			}
			for c := range meta.Categories {
				if r.EventType&(1<<c) == 0 {
					continue
				}
				d.Maps[c].SetRange(from, to)
				d.Overlap[c] = d.Overlap[c] || r.Overlap
			}
		}
	}
	return d, nil
}

// RebuildDay recomputes the year-map entry of one day from the event
// records of that day's folders and reports whether it changed.
func (e *Engine) RebuildDay(ctx context.Context, mount string, channel int, day time.Time) (bool, error) {
	day = day.In(e.loc)
	folders, err := layout.ListDayFolders(mount, channel, day)
	if err != nil {
		return false, err
	}
	path := layout.YearMapPath(mount, channel, day.Year())
	if len(folders) == 0 {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
	}
	// Live state is sampled before the year-map lock: the recorder takes
	// its own lock before the year-map lock.
	live := e.liveFolders(folders)

	var changed bool
	err = e.locks.With(channel, path, day.Year(), e.mode, func(y *yearmap.File) error {
		d, err := e.buildDay(ctx, day, folders, live)
		if err != nil {
			return err
		}
		changed, err = y.WriteDay(day.Month(), day.Day(), d)
		return err
	})
	return changed, err
}

// RemoveIndexesForFolder clears the year-map minutes of a deleted hour
// folder.
func (e *Engine) RemoveIndexesForFolder(f layout.HourFolder) error {
	path := f.YearMapPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return e.locks.With(f.Channel, path, f.Hour.Year(), e.mode, func(y *yearmap.File) error {
		return y.ClearHour(f.Hour.Month(), f.Hour.Day(), f.Hour.Hour())
	})
}

type dayKey struct {
	year  int
	month time.Month
	day   int
}

// RebuildYearMaps regenerates every year map of a camera from the stored
// event records. Year maps of years without recordings are removed.
func (e *Engine) RebuildYearMaps(ctx context.Context, mount string, channel int) error {
	folders, err := layout.ListHourFolders(mount, channel, time.Time{}, time.Time{}, e.loc)
	if err != nil {
		return err
	}
	byDay := map[dayKey][]layout.HourFolder{}
	years := map[int]bool{}
	for _, f := range folders {
		k := dayKey{f.Hour.Year(), f.Hour.Month(), f.Hour.Day()}
		byDay[k] = append(byDay[k], f)
		years[k.year] = true
	}
	live := e.liveFolders(folders)

	existing, err := layout.ListYearMaps(mount, channel)
	if err != nil {
		return err
	}
	for _, y := range existing {
		if years[y] {
			continue
		}
		unlock := e.locks.Lock(channel)
		err := os.Remove(layout.YearMapPath(mount, channel, y))
		unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	for year := range years {
		err := e.locks.With(channel, layout.YearMapPath(mount, channel, year), year, e.mode, func(y *yearmap.File) error {
			for month := time.January; month <= time.December; month++ {
				for day := 1; day <= 31; day++ {
					var d yearmap.Day
					if hf, ok := byDay[dayKey{year, month, day}]; ok {
						var err error
						if d, err = e.buildDay(ctx, hf[0].Hour, hf, live); err != nil {
							return err
						}
					}
					if _, err := y.WriteDay(month, day, d); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	e.logger.Info("year maps rebuilt", "mount", mount, "channel", channel, "years", len(years), "folders", len(folders))
	return nil
}
