package diskmanager

import (
	"context"
	"errors"
	"time"

	"nvrstore/internal/fault"
	"nvrstore/internal/notify"
	"nvrstore/internal/volume"
	"nvrstore/internal/writer"
)

// ErrVolumeRemoved is reported when a mount point disappears.
var ErrVolumeRemoved = errors.New("volume removed")

// stopTimeout bounds how long a faulted channel may take to stop.
const stopTimeout = 10 * time.Second

// HandleDiskError is the escalation point for I/O errors raised while
// recording to vol. A disk fault (or any fault on a NAS volume) stops
// every channel on the volume, then moves them to the volume's failover
// target or leaves them halted. Any other error restarts only the
// channel that hit it. The writer calls this for every failed write;
// other call sites may too.
func (m *Manager) HandleDiskError(ch int, vol volume.Volume, err error) {
	class := fault.Classify(err, vol.NAS)
	if class == fault.None {
		return
	}
	m.metrics.DiskError(class.String())

	switch class {
	case fault.Disk, fault.Network:
		m.volumeFault(vol, class, err)
	default:
		if fault.IsNoSpace(err) {
			m.logger.Warn("volume full", "channel", ch, "volume", vol.Name, "error", err)
			m.background(func(context.Context) { m.runRetention() })
		}
		m.restartChannel(ch, err)
	}
}

// volumeFault stops the channels of a faulted volume and fails them over.
// A volume is handled once until it is seen healthy again.
func (m *Manager) volumeFault(vol volume.Volume, class fault.Class, cause error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	if m.faulted[vol.Name] {
		return
	}
	m.faulted[vol.Name] = true

	kind := notify.KindDiskFault
	if class == fault.Network {
		kind = notify.KindNASFault
	}
	m.logger.Error("volume fault", "volume", vol.Name, "class", class, "error", cause)

	channels := m.vols.ChannelsOn(vol.Name)
	var recording []int
	ctx, cancel := context.WithTimeout(m.bg, stopTimeout)
	defer cancel()
	for _, ch := range channels {
		if m.recorder.State(ch) == writer.StateOff {
			continue
		}
		recording = append(recording, ch)
		// The volume can no longer be written: leave the open files to
		// recovery instead of sealing them.
		if err := m.recorder.Abort(ctx, ch); err != nil {
			m.logger.Warn("abort channel", "channel", ch, "error", err)
		}
	}
	m.search.InvalidateDrive(vol.Name)
	m.publish(notify.Event{Kind: kind, Volume: vol.Name, Channel: -1, Path: vol.Path, Message: cause.Error()})

	target, moved, ok := m.vols.Failover(vol.Name)
	if !ok {
		m.logger.Error("no failover volume, recording halted", "volume", vol.Name, "channels", channels)
		return
	}
	m.logger.Warn("recording failed over", "from", vol.Name, "to", target.Name, "channels", moved)
	for _, ch := range recording {
		if err := m.recorder.StartSession(ch); err != nil {
			m.logger.Error("restart channel on failover volume", "channel", ch, "volume", target.Name, "error", err)
		}
	}
	m.publish(notify.Event{Kind: notify.KindFailover, Volume: target.Name, Channel: -1, Message: "from " + vol.Name})
}

// restartChannel stops a channel after a write error and starts it again.
// Files the stop cannot seal are left to recovery.
func (m *Manager) restartChannel(ch int, cause error) {
	if !m.running() || m.recorder.State(ch) == writer.StateOff {
		m.logger.Warn("channel error", "channel", ch, "error", cause)
		return
	}
	ctx, cancel := context.WithTimeout(m.bg, stopTimeout)
	defer cancel()
	if err := m.recorder.StopSession(ctx, ch); err != nil && !errors.Is(err, writer.ErrNotRecording) {
		m.logger.Warn("stop failed channel", "channel", ch, "error", err)
		if m.recorder.State(ch) != writer.StateOff {
			_ = m.recorder.Abort(ctx, ch)
		}
	}
	if err := m.recorder.StartSession(ch); err != nil {
		m.logger.Error("restart channel", "channel", ch, "error", err)
		return
	}
	m.logger.Warn("channel restarted", "channel", ch, "error", cause)
	m.publish(notify.Event{Kind: notify.KindChannelRestart, Channel: ch, Message: cause.Error()})
}

// volumeHealthChanged is called by the volume monitor.
func (m *Manager) volumeHealthChanged(v volume.Volume, healthy bool) {
	if healthy {
		m.faultMu.Lock()
		delete(m.faulted, v.Name)
		m.faultMu.Unlock()
		m.search.InvalidateDrive(v.Name)
		m.logger.Info("volume back", "volume", v.Name)
		return
	}
	m.publish(notify.Event{Kind: notify.KindVolumeRemoved, Volume: v.Name, Channel: -1, Path: v.Path})
	m.volumeFault(v, classOf(v), ErrVolumeRemoved)
}

func classOf(v volume.Volume) fault.Class {
	if v.NAS {
		return fault.Network
	}
	return fault.Disk
}
