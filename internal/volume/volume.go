// Package volume resolves where each camera records and tracks the health
// of the recording volumes.
package volume

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"nvrstore/internal/config"
)

var (
	ErrNoVolume   = errors.New("no healthy recording volume")
	ErrBadChannel = errors.New("channel out of range")
	ErrUnknown    = errors.New("unknown volume")
)

// Volume is one mounted recording volume.
type Volume struct {
	ID       uint8
	Name     string
	Path     string
	NAS      bool
	Failover string
}

// Resolver answers volume questions for the engine.
type Resolver interface {
	// GetRecordingPath returns the volume the channel records to.
	GetRecordingPath(channel int) (Volume, error)
	// ReadHddConfig lists every configured volume.
	ReadHddConfig() []Volume
	Healthy(name string) bool
	// DiskName resolves a disk id to its volume.
	DiskName(id uint8) (Volume, bool)
}

// Static is a config-driven Resolver. Every channel starts on the first
// volume; Failover moves the channels of a faulted volume to its
// configured target.
type Static struct {
	mu        sync.RWMutex
	vols      []Volume
	active    []string
	unhealthy map[string]bool
}

var _ Resolver = (*Static)(nil)

// FromConfig builds Volumes from configuration entries.
func FromConfig(cfgs []config.VolumeConfig) []Volume {
	out := make([]Volume, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Volume{ID: c.ID, Name: c.Name, Path: c.Path, NAS: c.Type == config.VolumeNAS, Failover: c.Failover})
	}
	return out
}

func NewStatic(vols []Volume, channels int) *Static {
	s := &Static{
		vols:      slices.Clone(vols),
		active:    make([]string, channels),
		unhealthy: make(map[string]bool),
	}
	if len(vols) > 0 {
		for i := range s.active {
			s.active[i] = vols[0].Name
		}
	}
	return s
}

func (s *Static) GetRecordingPath(channel int) (Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if channel < 0 || channel >= len(s.active) {
		return Volume{}, fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}
	name := s.active[channel]
	if name == "" || s.unhealthy[name] {
		return Volume{}, ErrNoVolume
	}
	v, _ := s.lookup(name)
	return v, nil
}

func (s *Static) ReadHddConfig() []Volume {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.vols)
}

func (s *Static) Healthy(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, known := s.lookup(name)
	return known && !s.unhealthy[name]
}

func (s *Static) DiskName(id uint8) (Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vols {
		if v.ID == id {
			return v, true
		}
	}
	return Volume{}, false
}

// Lookup returns the volume with the given name.
func (s *Static) Lookup(name string) (Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(name)
}

func (s *Static) lookup(name string) (Volume, bool) {
	for _, v := range s.vols {
		if v.Name == name {
			return v, true
		}
	}
	return Volume{}, false
}

// SetHealthy records the health of a volume.
func (s *Static) SetHealthy(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		delete(s.unhealthy, name)
	} else {
		s.unhealthy[name] = true
	}
}

// Failover marks name unhealthy and moves its channels to the configured
// failover volume. It returns the target and the moved channels; ok is
// false when no healthy target exists and the channels stay halted.
func (s *Static) Failover(name string) (target Volume, moved []int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy[name] = true
	v, known := s.lookup(name)
	if !known || v.Failover == "" || s.unhealthy[v.Failover] {
		return Volume{}, nil, false
	}
	target, _ = s.lookup(v.Failover)
	for ch, cur := range s.active {
		if cur == name {
			s.active[ch] = target.Name
			moved = append(moved, ch)
		}
	}
	return target, moved, true
}

// ChannelsOn lists the channels recording to a volume.
func (s *Static) ChannelsOn(name string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for ch, cur := range s.active {
		if cur == name {
			out = append(out, ch)
		}
	}
	return out
}
