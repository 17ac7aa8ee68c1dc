// Package layout maps cameras, hours and stream files onto the recording
// volume directory tree.
//
// Layout:
//
//	<mount>/
//	  Camera<NN>/
//	    <YYYY>.yrid                     (year map)
//	    <DD>_<Mon>_<YYYY>/
//	      <HH>/
//	        metaData.ifrm               (I-frame index)
//	        metaData.evnt               (event index)
//	        metaData.tmid               (time index)
//	        <HHMMSS>~<HHMMSS>.stm<id>   (stream files, .ostm<id> under overlap)
//
// Channels are 0-based in code; directory names carry channel+1.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	IFrameFile    = "metaData.ifrm"
	EventFile     = "metaData.evnt"
	TimeIndexFile = "metaData.tmid"

	streamExt        = ".stm"
	overlapStreamExt = ".ostm"
	dayFormat        = "02_Jan_2006"
)

var ErrBadName = errors.New("malformed recording name")

// CameraDir returns <mount>/Camera<NN> for a 0-based channel.
func CameraDir(mount string, channel int) string {
	return filepath.Join(mount, fmt.Sprintf("Camera%02d", channel+1))
}

// YearMapPath returns the year-map file of a camera.
func YearMapPath(mount string, channel, year int) string {
	return filepath.Join(CameraDir(mount, channel), fmt.Sprintf("%04d.yrid", year))
}

// HourFolder identifies one camera hour on one volume.
type HourFolder struct {
	Mount   string
	Channel int
	// Hour is the local wall-clock start of the hour.
	Hour time.Time
}

// FolderFor returns the hour folder containing t.
func FolderFor(mount string, channel int, t time.Time) HourFolder {
	return HourFolder{Mount: mount, Channel: channel, Hour: TruncateHour(t)}
}

// TruncateHour drops minutes and below in t's own location.
func TruncateHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// DayDir returns the day directory holding the folder.
func (f HourFolder) DayDir() string {
	return filepath.Join(CameraDir(f.Mount, f.Channel), f.Hour.Format(dayFormat))
}

// Dir returns the hour directory.
func (f HourFolder) Dir() string {
	return filepath.Join(f.DayDir(), fmt.Sprintf("%02d", f.Hour.Hour()))
}

// End returns the first instant after the hour.
func (f HourFolder) End() time.Time {
	return f.Hour.Add(time.Hour)
}

func (f HourFolder) IFramePath() string    { return filepath.Join(f.Dir(), IFrameFile) }
func (f HourFolder) EventPath() string     { return filepath.Join(f.Dir(), EventFile) }
func (f HourFolder) TimeIndexPath() string { return filepath.Join(f.Dir(), TimeIndexFile) }

// YearMapPath returns the year map covering this folder.
func (f HourFolder) YearMapPath() string {
	return YearMapPath(f.Mount, f.Channel, f.Hour.Year())
}

// StreamPath returns the path of a stream file in the folder.
func (f HourFolder) StreamPath(name StreamName) string {
	return filepath.Join(f.Dir(), name.String())
}

func (f HourFolder) String() string { return f.Dir() }

// ParseHourDir recovers an HourFolder from an hour directory path.
func ParseHourDir(dir string, loc *time.Location) (HourFolder, error) {
	dir = filepath.Clean(dir)
	hourPart := filepath.Base(dir)
	dayPart := filepath.Base(filepath.Dir(dir))
	camPart := filepath.Base(filepath.Dir(filepath.Dir(dir)))
	mount := filepath.Dir(filepath.Dir(filepath.Dir(dir)))

	num, ok := strings.CutPrefix(camPart, "Camera")
	if !ok {
		return HourFolder{}, fmt.Errorf("%w: %s", ErrBadName, dir)
	}
	cam, err := strconv.Atoi(num)
	if err != nil || cam < 1 {
		return HourFolder{}, fmt.Errorf("%w: %s", ErrBadName, dir)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 || len(hourPart) != 2 {
		return HourFolder{}, fmt.Errorf("%w: %s", ErrBadName, dir)
	}
	day, err := time.ParseInLocation(dayFormat, dayPart, loc)
	if err != nil {
		return HourFolder{}, fmt.Errorf("%w: %s", ErrBadName, dir)
	}
	return HourFolder{
		Mount:   mount,
		Channel: cam - 1,
		Hour:    time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc),
	}, nil
}

// ListHourFolders returns the channel's hour folders whose hour overlaps
// [from, to), oldest first. A zero from or to leaves that side open.
func ListHourFolders(mount string, channel int, from, to time.Time, loc *time.Location) ([]HourFolder, error) {
	camDir := CameraDir(mount, channel)
	matches, err := doublestar.Glob(os.DirFS(camDir), "*_*_*/[0-2][0-9]")
	if err != nil {
		return nil, err
	}

	var folders []HourFolder
	for _, m := range matches {
		f, err := ParseHourDir(filepath.Join(camDir, m), loc)
		if err != nil {
			continue
		}
		if !to.IsZero() && !f.Hour.Before(to) {
			continue
		}
		if !from.IsZero() && !f.End().After(from) {
			continue
		}
		folders = append(folders, f)
	}
	slices.SortFunc(folders, func(a, b HourFolder) int { return a.Hour.Compare(b.Hour) })
	return folders, nil
}

// ListDayFolders returns the hour folders of a single calendar day.
func ListDayFolders(mount string, channel int, day time.Time) ([]HourFolder, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return ListHourFolders(mount, channel, start, start.AddDate(0, 0, 1), day.Location())
}

// ListYearMaps returns the years that have a year-map file for the camera.
func ListYearMaps(mount string, channel int) ([]int, error) {
	matches, err := doublestar.Glob(os.DirFS(CameraDir(mount, channel)), "[0-9][0-9][0-9][0-9].yrid")
	if err != nil {
		return nil, err
	}
	years := make([]int, 0, len(matches))
	for _, m := range matches {
		y, err := strconv.Atoi(strings.TrimSuffix(m, ".yrid"))
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	slices.Sort(years)
	return years, nil
}
