package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/metrics"
	"nvrstore/internal/volume"
)

// Indexes clears the year-map minutes of a folder about to be deleted.
type Indexes interface {
	RemoveIndexesForFolder(f layout.HourFolder) error
}

// Config wires a Sweeper.
type Config struct {
	Volumes  volume.Resolver
	Channels int
	Location *time.Location
	Policy   Policy
	Indexes  Indexes
	// Live reports whether a recorder is writing dir. Live folders are
	// never deleted.
	Live      func(dir string) (time.Time, bool)
	FreeSpace func(path string) (volume.Space, error)
	// OnRemoved is called once per volume that lost folders in a sweep.
	OnRemoved func(drive string)
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Sweeper applies a retention policy to every healthy volume.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Volumes == nil || cfg.Indexes == nil {
		return nil, errors.New("retention: volumes and indexes required")
	}
	if cfg.Policy == nil {
		cfg.Policy = NewComposite()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Live == nil {
		cfg.Live = func(string) (time.Time, bool) { return time.Time{}, false }
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = volume.FreeSpace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{cfg: cfg, logger: logging.Default(cfg.Logger).With("component", "retention")}, nil
}

// Report lists what a sweep deleted.
type Report struct {
	Removed []layout.HourFolder
	Bytes   int64
}

// Sweep evaluates the policy per healthy volume and deletes what it picks.
// A failing volume does not stop the others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	for _, v := range s.cfg.Volumes.ReadHddConfig() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !s.cfg.Volumes.Healthy(v.Name) {
			continue
		}
		n := len(rep.Removed)
		if err := s.sweepVolume(ctx, v, &rep); err != nil {
			errs = append(errs, fmt.Errorf("volume %s: %w", v.Name, err))
		}
		if len(rep.Removed) > n && s.cfg.OnRemoved != nil {
			s.cfg.OnRemoved(v.Name)
		}
	}
	if len(rep.Removed) > 0 {
		s.logger.Info("retention sweep", "folders", len(rep.Removed), "bytes", rep.Bytes)
	}
	return rep, errors.Join(errs...)
}

func (s *Sweeper) sweepVolume(ctx context.Context, v volume.Volume, rep *Report) error {
	state, err := s.snapshot(v)
	if err != nil {
		return err
	}
	if len(state.Folders) == 0 {
		return nil
	}
	for _, f := range s.cfg.Policy.Apply(state) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The recorder may have reopened the hour since the snapshot.
		if _, live := s.cfg.Live(f.Dir()); live {
			continue
		}
		if err := s.remove(f.HourFolder); err != nil {
			return err
		}
		rep.Removed = append(rep.Removed, f.HourFolder)
		rep.Bytes += f.Bytes
		s.cfg.Metrics.FolderRemoved()
		s.logger.Debug("folder expired", "folder", f.Dir(), "bytes", f.Bytes)
	}
	return nil
}

func (s *Sweeper) snapshot(v volume.Volume) (VolumeState, error) {
	sp, err := s.cfg.FreeSpace(v.Path)
	if err != nil {
		return VolumeState{}, err
	}
	state := VolumeState{Free: sp.Free, Total: sp.Total, Now: s.cfg.Now()}
	for ch := range s.cfg.Channels {
		folders, err := layout.ListHourFolders(v.Path, ch, time.Time{}, time.Time{}, s.cfg.Location)
		if err != nil {
			return VolumeState{}, err
		}
		for _, f := range folders {
			if _, live := s.cfg.Live(f.Dir()); live {
				continue
			}
			n, err := dirSize(f.Dir())
			if err != nil {
				return VolumeState{}, err
			}
			state.Folders = append(state.Folders, Folder{HourFolder: f, Bytes: n})
		}
	}
	slices.SortStableFunc(state.Folders, func(a, b Folder) int { return a.Hour.Compare(b.Hour) })
	return state, nil
}

// remove clears the folder's minutes from the year map, then deletes it.
// An emptied day directory goes too.
func (s *Sweeper) remove(f layout.HourFolder) error {
	if err := s.cfg.Indexes.RemoveIndexesForFolder(f); err != nil {
		return fmt.Errorf("clear indexes of %s: %w", f, err)
	}
	if err := os.RemoveAll(f.Dir()); err != nil {
		return err
	}
	if entries, err := os.ReadDir(f.DayDir()); err == nil && len(entries) == 0 {
		_ = os.Remove(f.DayDir())
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			n += info.Size()
		}
	}
	return n, nil
}
