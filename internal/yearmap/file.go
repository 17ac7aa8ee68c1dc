package yearmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nvrstore/internal/format"
	"nvrstore/internal/meta"
)

const (
	HeaderSize = 8
	entrySize  = BitmapSize + 1
	daySize    = meta.Categories * entrySize
	monthSize  = 31 * daySize
	FileSize   = HeaderSize + 12*monthSize
)

var (
	ErrYearMismatch = errors.New("year map belongs to another year")
	ErrBadDate      = errors.New("date out of range")
)

// Day holds the four category bitmaps of one day.
type Day struct {
	Maps    [meta.Categories]Bitmap
	Overlap [meta.Categories]bool
}

// Any reports whether any category recorded that day.
func (d *Day) Any(mask uint8) bool {
	for c := range meta.Categories {
		if mask&(1<<c) != 0 && d.Maps[c].Any() {
			return true
		}
	}
	return false
}

// Merged ORs the bitmaps of the categories in mask.
func (d *Day) Merged(mask uint8) Bitmap {
	var out Bitmap
	for c := range meta.Categories {
		if mask&(1<<c) != 0 {
			out.Or(&d.Maps[c])
		}
	}
	return out
}

// File is an open year-map file. Callers serialise access per channel
// through Locks.
type File struct {
	path string
	f    *os.File
	year int
}

// Open opens the year map at path, creating a zeroed one when missing.
func Open(path string, year int, mode os.FileMode) (*File, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return create(path, year, mode)
	}
	if err != nil {
		return nil, err
	}
	var hb [HeaderSize]byte
	if _, err := f.ReadAt(hb[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	if binary.LittleEndian.Uint16(hb[0:2]) != format.SigYearMap {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, format.ErrSignatureMismatch)
	}
	if binary.LittleEndian.Uint16(hb[2:4]) != format.Version {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, format.ErrVersionMismatch)
	}
	if int(binary.LittleEndian.Uint16(hb[4:6])) != year {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrYearMismatch)
	}
	if info, err := f.Stat(); err == nil && info.Size() < FileSize {
		if err := f.Truncate(FileSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &File{path: path, f: f, year: year}, nil
}

func create(path string, year int, mode os.FileMode) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, err
	}
	var hb [HeaderSize]byte
	binary.LittleEndian.PutUint16(hb[0:2], format.SigYearMap)
	binary.LittleEndian.PutUint16(hb[2:4], format.Version)
	binary.LittleEndian.PutUint16(hb[4:6], uint16(year))
	if _, err := f.WriteAt(hb[:], 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(FileSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{path: path, f: f, year: year}, nil
}

func (y *File) Year() int { return y.year }

func (y *File) Close() error { return y.f.Close() }

func dayOffset(month time.Month, day int) (int64, error) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return 0, ErrBadDate
	}
	return HeaderSize + int64(month-1)*monthSize + int64(day-1)*daySize, nil
}

// ReadDay returns the bitmaps of one day.
func (y *File) ReadDay(month time.Month, day int) (Day, error) {
	off, err := dayOffset(month, day)
	if err != nil {
		return Day{}, err
	}
	var buf [daySize]byte
	if _, err := y.f.ReadAt(buf[:], off); err != nil {
		return Day{}, err
	}
	return decodeDay(buf[:]), nil
}

// WriteDay replaces one day and reports whether the bytes changed.
func (y *File) WriteDay(month time.Month, day int, d Day) (bool, error) {
	off, err := dayOffset(month, day)
	if err != nil {
		return false, err
	}
	var cur [daySize]byte
	if _, err := y.f.ReadAt(cur[:], off); err != nil {
		return false, err
	}
	next := encodeDay(d)
	if cur == next {
		return false, nil
	}
	if _, err := y.f.WriteAt(next[:], off); err != nil {
		return false, err
	}
	return true, nil
}

// Mark sets minutes from..to of the categories in mask.
func (y *File) Mark(month time.Month, day int, mask uint8, from, to int, overlap bool) error {
	d, err := y.ReadDay(month, day)
	if err != nil {
		return err
	}
	for c := range meta.Categories {
		if mask&(1<<c) == 0 {
			continue
		}
		d.Maps[c].SetRange(from, to)
		d.Overlap[c] = d.Overlap[c] || overlap
	}
	_, err = y.WriteDay(month, day, d)
	return err
}

// ClearHour clears the hour's minutes in every category.
func (y *File) ClearHour(month time.Month, day, hour int) error {
	d, err := y.ReadDay(month, day)
	if err != nil {
		return err
	}
	for c := range meta.Categories {
		d.Maps[c].ClearRange(hour*60, hour*60+59)
	}
	_, err = y.WriteDay(month, day, d)
	return err
}

// ReadMonth returns all 31 day slots of a month.
func (y *File) ReadMonth(month time.Month) ([31]Day, error) {
	var out [31]Day
	off, err := dayOffset(month, 1)
	if err != nil {
		return out, err
	}
	buf := make([]byte, monthSize)
	if _, err := y.f.ReadAt(buf, off); err != nil {
		return out, err
	}
	for d := range out {
		out[d] = decodeDay(buf[d*daySize : (d+1)*daySize])
	}
	return out, nil
}

func decodeDay(buf []byte) Day {
	var d Day
	for c := range meta.Categories {
		e := buf[c*entrySize : (c+1)*entrySize]
		copy(d.Maps[c][:], e[:BitmapSize])
		d.Overlap[c] = e[BitmapSize] != 0
	}
	return d
}

func encodeDay(d Day) [daySize]byte {
	var buf [daySize]byte
	for c := range meta.Categories {
		e := buf[c*entrySize : (c+1)*entrySize]
		copy(e[:BitmapSize], d.Maps[c][:])
		if d.Overlap[c] {
			e[BitmapSize] = 1
		}
	}
	return buf
}

// Locks serialises year-map access per channel. Recording, recovery,
// calendar builds and index rebuilds all take the channel's lock.
type Locks struct {
	mu []sync.Mutex
}

func NewLocks(channels int) *Locks {
	return &Locks{mu: make([]sync.Mutex, channels)}
}

// Lock acquires the channel's lock and returns its release function.
func (l *Locks) Lock(channel int) func() {
	m := &l.mu[channel]
	m.Lock()
	return m.Unlock
}

// With opens the year map at path under the channel lock and runs fn.
func (l *Locks) With(channel int, path string, year int, mode os.FileMode, fn func(*File) error) error {
	unlock := l.Lock(channel)
	defer unlock()
	y, err := Open(path, year, mode)
	if err != nil {
		return err
	}
	ferr := fn(y)
	if cerr := y.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}
