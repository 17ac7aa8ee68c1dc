// Package retention decides which recorded hour folders to delete and
// sweeps them off the volumes.
package retention

import (
	"time"

	"nvrstore/internal/layout"
)

// Folder is one sealed hour folder with its size on disk.
type Folder struct {
	layout.HourFolder
	Bytes int64
}

// VolumeState is a snapshot of one volume taken before a sweep. Policies
// decide from it without touching the disk.
type VolumeState struct {
	// Folders holds every hour folder not being recorded, oldest first.
	Folders []Folder
	Free    uint64
	Total   uint64
	Now     time.Time
}

// Policy picks the folders to delete. Implementations are pure.
type Policy interface {
	Apply(state VolumeState) []Folder
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(state VolumeState) []Folder

func (f PolicyFunc) Apply(state VolumeState) []Folder { return f(state) }

// Composite deletes a folder when any of its policies selects it. The
// result stays in oldest-first order.
type Composite struct {
	policies []Policy
}

func NewComposite(policies ...Policy) *Composite {
	return &Composite{policies: policies}
}

func (c *Composite) Apply(state VolumeState) []Folder {
	picked := make(map[string]bool)
	for _, p := range c.policies {
		for _, f := range p.Apply(state) {
			picked[f.Dir()] = true
		}
	}
	var out []Folder
	for _, f := range state.Folders {
		if picked[f.Dir()] {
			out = append(out, f)
		}
	}
	return out
}

// TTL deletes folders whose hour ended more than maxAge ago.
type TTL struct {
	maxAge time.Duration
}

func NewTTL(maxAge time.Duration) *TTL { return &TTL{maxAge: maxAge} }

func (p *TTL) Apply(state VolumeState) []Folder {
	if p.maxAge <= 0 {
		return nil
	}
	cutoff := state.Now.Add(-p.maxAge)
	var out []Folder
	for _, f := range state.Folders {
		if f.End().Before(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// FreeSpace deletes the oldest folders until the volume would have at
// least minFree bytes available.
type FreeSpace struct {
	minFree uint64
}

func NewFreeSpace(minFree uint64) *FreeSpace { return &FreeSpace{minFree: minFree} }

func (p *FreeSpace) Apply(state VolumeState) []Folder {
	if p.minFree == 0 {
		return nil
	}
	free := state.Free
	var out []Folder
	for _, f := range state.Folders {
		if free >= p.minFree {
			break
		}
		out = append(out, f)
		free += uint64(f.Bytes) //nolint:gosec // G115: sizes are non-negative
	}
	return out
}
