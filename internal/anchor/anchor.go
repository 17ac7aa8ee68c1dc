// Package anchor persists the recovery anchor of every camera: the hour
// folder that was last being written. Boot recovery starts there.
package anchor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Anchor names an hour folder on a volume.
type Anchor struct {
	Volume string `msgpack:"volume"`
	Year   int    `msgpack:"year"`
	Month  int    `msgpack:"month"`
	Day    int    `msgpack:"day"`
	Hour   int    `msgpack:"hour"`
}

// For returns the anchor of the hour containing t.
func For(volume string, t time.Time) Anchor {
	return Anchor{Volume: volume, Year: t.Year(), Month: int(t.Month()), Day: t.Day(), Hour: t.Hour()}
}

// Time returns the start of the anchored hour in loc.
func (a Anchor) Time(loc *time.Location) time.Time {
	return time.Date(a.Year, time.Month(a.Month), a.Day, a.Hour, 0, 0, 0, loc)
}

// Store keeps one anchor file per camera in a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(channel int) string {
	return filepath.Join(s.dir, fmt.Sprintf("cam%02d.anchor", channel+1))
}

// Save overwrites the camera's anchor. The write goes through a temp file
// and a rename so a crash leaves either the old or the new anchor.
func (s *Store) Save(channel int, a Anchor) error {
	data, err := msgpack.Marshal(&a)
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	p := s.path(channel)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil { //nolint:gosec // G306: anchors are not secret
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Load returns the camera's anchor. ok is false when none was saved.
func (s *Store) Load(channel int) (a Anchor, ok bool, err error) {
	data, err := os.ReadFile(filepath.Clean(s.path(channel)))
	if errors.Is(err, fs.ErrNotExist) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, err
	}
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return Anchor{}, false, fmt.Errorf("decode anchor %s: %w", s.path(channel), err)
	}
	return a, true, nil
}
