package layout

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// StreamName is the decoded form of "<HHMMSS>~<HHMMSS>.stm<id>".
// Start and End are seconds since the start of the day.
type StreamName struct {
	Start   int
	End     int
	ID      uint8
	Overlap bool
}

// NewStreamName builds a name from wall-clock times.
func NewStreamName(start, end time.Time, id uint8, overlap bool) StreamName {
	return StreamName{Start: secondOfDay(start), End: secondOfDay(end), ID: id, Overlap: overlap}
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func (n StreamName) String() string {
	ext := streamExt
	if n.Overlap {
		ext = overlapStreamExt
	}
	return fmt.Sprintf("%s~%s%s%d", clock(n.Start), clock(n.End), ext, n.ID)
}

// WithEnd returns a copy of n ending at t.
func (n StreamName) WithEnd(t time.Time) StreamName {
	n.End = secondOfDay(t)
	return n
}

// StartIn resolves the start time inside the given hour folder.
func (n StreamName) StartIn(f HourFolder) time.Time {
	return dayStart(f.Hour).Add(time.Duration(n.Start) * time.Second)
}

// EndIn resolves the end time inside the given hour folder.
func (n StreamName) EndIn(f HourFolder) time.Time {
	return dayStart(f.Hour).Add(time.Duration(n.End) * time.Second)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func clock(sec int) string {
	return fmt.Sprintf("%02d%02d%02d", sec/3600, (sec/60)%60, sec%60)
}

func parseClock(s string) (int, error) {
	if len(s) != 6 {
		return 0, ErrBadName
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrBadName
	}
	h, m, sec := v/10000, (v/100)%100, v%100
	if h > 23 || m > 59 || sec > 59 {
		return 0, ErrBadName
	}
	return h*3600 + m*60 + sec, nil
}

// ParseStreamName decodes a stream file base name.
func ParseStreamName(name string) (StreamName, error) {
	span, idPart, overlap := "", "", false
	if i := strings.LastIndex(name, overlapStreamExt); i >= 0 {
		span, idPart, overlap = name[:i], name[i+len(overlapStreamExt):], true
	} else if i := strings.LastIndex(name, streamExt); i >= 0 {
		span, idPart = name[:i], name[i+len(streamExt):]
	} else {
		return StreamName{}, fmt.Errorf("%w: %s", ErrBadName, name)
	}

	startStr, endStr, ok := strings.Cut(span, "~")
	if !ok {
		return StreamName{}, fmt.Errorf("%w: %s", ErrBadName, name)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return StreamName{}, fmt.Errorf("%w: %s", ErrBadName, name)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return StreamName{}, fmt.Errorf("%w: %s", ErrBadName, name)
	}
	id, err := strconv.ParseUint(idPart, 10, 8)
	if err != nil || id == 0 {
		return StreamName{}, fmt.Errorf("%w: %s", ErrBadName, name)
	}
	return StreamName{Start: start, End: end, ID: uint8(id), Overlap: overlap}, nil
}

// StreamEntry is a stream file discovered in an hour folder.
type StreamEntry struct {
	Path string
	Name StreamName
}

// ListStreams returns the folder's stream files ordered by file id.
// A missing folder yields no entries.
func ListStreams(f HourFolder) ([]StreamEntry, error) {
	dir := f.Dir()
	matches, err := doublestar.Glob(os.DirFS(dir), "*~*.{stm,ostm}*")
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, m := range matches {
		name, err := ParseStreamName(m)
		if err != nil {
			continue
		}
		out = append(out, StreamEntry{Path: filepath.Join(dir, m), Name: name})
	}
	slices.SortFunc(out, func(a, b StreamEntry) int { return int(a.Name.ID) - int(b.Name.ID) })
	return out, nil
}

// FindStream returns the stream file with the given id.
func FindStream(f HourFolder, id uint8) (StreamEntry, error) {
	entries, err := ListStreams(f)
	if err != nil {
		return StreamEntry{}, err
	}
	for _, e := range entries {
		if e.Name.ID == id {
			return e, nil
		}
	}
	return StreamEntry{}, fmt.Errorf("stream file %d in %s: %w", id, f.Dir(), fs.ErrNotExist)
}
