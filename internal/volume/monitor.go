package volume

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"nvrstore/internal/logging"
)

// Monitor watches the parents of the volume mount points and flips a
// volume's health when its mount directory disappears or comes back.
type Monitor struct {
	res      *Static
	onChange func(v Volume, healthy bool)
	logger   *slog.Logger
}

// NewMonitor reports health changes of res's volumes to onChange.
func NewMonitor(res *Static, onChange func(Volume, bool), logger *slog.Logger) *Monitor {
	return &Monitor{
		res:      res,
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "volume-monitor"),
	}
}

// Check stats every mount and applies any health change. It is also run
// on a schedule to catch unmounts that produce no inotify event.
func (m *Monitor) Check() {
	for _, v := range m.res.ReadHddConfig() {
		info, err := os.Stat(v.Path)
		m.apply(v, err == nil && info.IsDir())
	}
}

func (m *Monitor) apply(v Volume, healthy bool) {
	if m.res.Healthy(v.Name) == healthy {
		return
	}
	m.res.SetHealthy(v.Name, healthy)
	m.logger.Warn("volume health changed", "volume", v.Name, "path", v.Path, "healthy", healthy)
	if m.onChange != nil {
		m.onChange(v, healthy)
	}
}

// Run watches until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	byPath := make(map[string]Volume)
	for _, v := range m.res.ReadHddConfig() {
		p := filepath.Clean(v.Path)
		byPath[p] = v
		if err := watcher.Add(filepath.Dir(p)); err != nil {
			m.logger.Warn("watch mount parent", "volume", v.Name, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			v, watched := byPath[filepath.Clean(ev.Name)]
			if !watched {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				m.apply(v, false)
			case ev.Op&fsnotify.Create != 0:
				m.apply(v, true)
			}
		}
	}
}
