package search

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"nvrstore/internal/callgroup"
	"nvrstore/internal/layout"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

// CalendarMonths is how many months one database build covers.
const CalendarMonths = 12

type calKey struct {
	drive   string
	channel int
}

type monthKey struct {
	year  int
	month time.Month
}

// calendarDB is the in-memory year-map extract of one (drive, camera):
// the CalendarMonths months ending at newest.
type calendarDB struct {
	newest monthKey
	months map[monthKey][31]yearmap.Day
}

func (db *calendarDB) covers(k monthKey) bool {
	_, ok := db.months[k]
	return ok
}

// calendar caches year-map months per (drive, camera). Concurrent builds
// of the same key share one disk read.
type calendar struct {
	locks *yearmap.Locks
	now   func() time.Time
	loc   *time.Location

	mu     sync.RWMutex
	dbs    map[calKey]*calendarDB
	builds callgroup.Group[calKey, *calendarDB]
}

func newCalendar(locks *yearmap.Locks, loc *time.Location, now func() time.Time) *calendar {
	return &calendar{locks: locks, loc: loc, now: now, dbs: map[calKey]*calendarDB{}}
}

// build reads the twelve months ending at (year, month) and replaces the
// cached database.
func (c *calendar) build(ctx context.Context, vol volume.Volume, channel, year int, month time.Month) error {
	key := calKey{vol.Name, channel}
	db, err := c.builds.Do(ctx, key, func() (*calendarDB, error) {
		db := &calendarDB{newest: monthKey{year, month}, months: map[monthKey][31]yearmap.Day{}}
		at := time.Date(year, month, 1, 0, 0, 0, 0, c.loc)
		for range CalendarMonths {
			days, err := c.readMonth(vol, channel, at.Year(), at.Month())
			if err != nil {
				return nil, err
			}
			db.months[monthKey{at.Year(), at.Month()}] = days
			at = at.AddDate(0, -1, 0)
		}
		return db, nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.dbs[key] = db
	c.mu.Unlock()
	return nil
}

// month returns the days of one month, from the cache when it holds the
// month and straight from the year map otherwise. The running month is
// always read from disk since recording keeps marking it.
func (c *calendar) month(vol volume.Volume, channel, year int, month time.Month) ([31]yearmap.Day, error) {
	k := monthKey{year, month}
	now := c.now().In(c.loc)
	if (monthKey{now.Year(), now.Month()}) != k {
		c.mu.RLock()
		db := c.dbs[calKey{vol.Name, channel}]
		c.mu.RUnlock()
		if db != nil && db.covers(k) {
			return db.months[k], nil
		}
	}
	return c.readMonth(vol, channel, year, month)
}

func (c *calendar) readMonth(vol volume.Volume, channel, year int, month time.Month) ([31]yearmap.Day, error) {
	var days [31]yearmap.Day
	path := layout.YearMapPath(vol.Path, channel, year)
	unlock := c.locks.Lock(channel)
	defer unlock()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return days, nil
	}
	y, err := yearmap.Open(path, year, 0)
	if err != nil {
		return days, err
	}
	defer func() { _ = y.Close() }()
	return y.ReadMonth(month)
}

// invalidate drops every cached database of a drive.
func (c *calendar) invalidate(drive string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.dbs {
		if k.drive == drive {
			delete(c.dbs, k)
		}
	}
}
