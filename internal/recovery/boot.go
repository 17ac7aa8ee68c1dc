package recovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nvrstore/internal/anchor"
	"nvrstore/internal/layout"
	"nvrstore/internal/volume"
)

// bootFallback is how many recent folders per volume are recovered when a
// camera's anchor cannot be trusted.
const bootFallback = 2

// Boot recovers what an unclean shutdown may have left open. For each
// channel that is the folder named by its anchor; when the anchor is
// missing, names no existing folder, or a newer folder exists, the two
// most recent folders of every volume are recovered instead. Failures of
// single folders are logged and do not stop the others.
func (e *Engine) Boot(ctx context.Context, vols []volume.Volume, channels int, anchors *anchor.Store) ([]Report, error) {
	var (
		mu      sync.Mutex
		reports []Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for ch := range channels {
		g.Go(func() error {
			targets, err := e.bootTargets(ch, vols, anchors)
			if err != nil {
				e.logger.Warn("boot recovery: list folders", "channel", ch, "error", err)
				return nil
			}
			for _, f := range targets {
				rep, err := e.RecoverFolder(gctx, f)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					e.logger.Warn("boot recovery failed", "folder", f.Dir(), "error", err)
					continue
				}
				mu.Lock()
				reports = append(reports, rep)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	slices.SortFunc(reports, func(a, b Report) int { return strings.Compare(a.Folder.Dir(), b.Folder.Dir()) })
	return reports, err
}

func (e *Engine) bootTargets(ch int, vols []volume.Volume, anchors *anchor.Store) ([]layout.HourFolder, error) {
	recent := map[string][]layout.HourFolder{}
	for _, v := range vols {
		folders, err := layout.ListHourFolders(v.Path, ch, time.Time{}, time.Time{}, e.loc)
		if err != nil {
			return nil, err
		}
		recent[v.Name] = folders[max(0, len(folders)-bootFallback):]
	}

	if anchors != nil {
		a, ok, err := anchors.Load(ch)
		if err != nil {
			e.logger.Warn("boot recovery: bad anchor", "channel", ch, "error", err)
		}
		if ok {
			if f, fresh := e.anchoredFolder(ch, a, vols, recent); fresh {
				return []layout.HourFolder{f}, nil
			}
		}
	}

	var out []layout.HourFolder
	for _, v := range vols {
		out = append(out, recent[v.Name]...)
	}
	return out, nil
}

// anchoredFolder resolves an anchor. fresh is false when the folder is
// gone or a newer folder exists on its volume.
func (e *Engine) anchoredFolder(ch int, a anchor.Anchor, vols []volume.Volume, recent map[string][]layout.HourFolder) (layout.HourFolder, bool) {
	i := slices.IndexFunc(vols, func(v volume.Volume) bool { return v.Name == a.Volume })
	if i < 0 {
		return layout.HourFolder{}, false
	}
	f := layout.FolderFor(vols[i].Path, ch, a.Time(e.loc))
	if _, err := os.Stat(f.Dir()); errors.Is(err, fs.ErrNotExist) {
		return f, false
	}
	if r := recent[a.Volume]; len(r) > 0 && r[len(r)-1].Hour.After(f.Hour) {
		return f, false
	}
	return f, true
}
