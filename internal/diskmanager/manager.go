// Package diskmanager is the storage engine facade. A Manager owns every
// registry of the engine (volumes, recording sessions, recovery, search
// slots, playback pool, backup tasks, retention) and exposes the
// operations the rest of the recorder calls.
//
// A Manager is used once: New, Init, then DeInit.
package diskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"nvrstore/internal/anchor"
	"nvrstore/internal/backup"
	"nvrstore/internal/config"
	"nvrstore/internal/home"
	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/metrics"
	"nvrstore/internal/notify"
	"nvrstore/internal/playback"
	"nvrstore/internal/recovery"
	"nvrstore/internal/retention"
	"nvrstore/internal/search"
	"nvrstore/internal/volume"
	"nvrstore/internal/writer"
	"nvrstore/internal/yearmap"
)

var (
	ErrInitialized    = errors.New("disk manager already initialized")
	ErrNotInitialized = errors.New("disk manager not initialized")
	ErrUnknownDrive   = errors.New("unknown drive")
)

// Config wires a Manager. Settings is required; the collaborators are
// optional and disable their feature when nil.
type Config struct {
	Settings *config.Settings
	Home     home.Dir

	Converter writer.AVIConverter
	AVI       backup.AVIWriter
	Uploader  backup.Uploader
	Publisher notify.Publisher

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager is the storage engine.
type Manager struct {
	settings  *config.Settings
	home      home.Dir
	vols      *volume.Static
	yearMaps  *yearmap.Locks
	anchors   *anchor.Store
	recorder  *writer.Recorder
	recovery  *recovery.Engine
	search    *search.Engine
	playback  *playback.Pool
	backup    *backup.Engine
	retention *retention.Sweeper
	monitor   *volume.Monitor
	sched     *scheduler
	publisher notify.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// bg is cancelled by DeInit; background work hangs off it.
	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   lifecycle
	locks   []*volume.Lock
	faultMu sync.Mutex
	faulted map[string]bool
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateClosed
)

// New builds every registry. Nothing touches the volumes until Init.
func New(cfg Config) (*Manager, error) {
	s := cfg.Settings
	if s == nil {
		return nil, errors.New("diskmanager: settings required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Discard{}
	}
	logger := logging.Default(cfg.Logger)
	bg, stop := context.WithCancel(context.Background())
	m := &Manager{
		settings:  s,
		home:      cfg.Home,
		vols:      volume.NewStatic(volume.FromConfig(s.Volumes), s.Channels),
		yearMaps:  yearmap.NewLocks(s.Channels),
		anchors:   anchor.NewStore(cfg.Home.AnchorDir()),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "diskmanager"),
		bg:        bg,
		stopBg:    stop,
		faulted:   make(map[string]bool),
	}

	m.recovery = recovery.New(recovery.Config{
		Timeout:  s.RecoveryTimeout,
		Location: s.Location,
		Locks:    m.yearMaps,
		Live:     m.live,
		Metrics:  cfg.Metrics,
		Logger:   logger,
	})

	var err error
	if m.recorder, err = writer.New(writer.Config{
		Channels:       s.Channels,
		Volumes:        m.vols,
		Location:       s.Location,
		FileDuration:   s.FileDuration,
		BufferSize:     s.BufferSize,
		MaxStreamFiles: s.MaxStreamFiles,
		YearMaps:       m.yearMaps,
		Anchors:        m.anchors,
		Converter:      cfg.Converter,
		AVIQueueSize:   s.AVIQueueSize,
		Validate:       m.validateFolder,
		OnError:        m.HandleDiskError,
		OnFolderClosed: m.folderClosed,
		Metrics:        cfg.Metrics,
		Logger:         logger,
	}); err != nil {
		return nil, err
	}
	if m.search, err = search.New(search.Config{
		Volumes:  m.vols,
		Channels: s.Channels,
		Location: s.Location,
		Locks:    m.yearMaps,
		Slots:    s.SearchSlots,
		Metrics:  cfg.Metrics,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}
	if m.playback, err = playback.NewPool(playback.Config{
		Volumes:  m.vols,
		Location: s.Location,
		Sessions: s.PlaybackSessions,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}
	if m.backup, err = backup.New(backup.Config{
		Volumes:  m.vols,
		Channels: s.Channels,
		Location: s.Location,
		Playback: m.playback,
		AVI:      cfg.AVI,
		Uploader: cfg.Uploader,
		Workers:  s.BackupWorkers,
		Rate:     s.BackupRate,
		Staging:  cfg.Home.Root(),
		Metrics:  cfg.Metrics,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}

	var policies []retention.Policy
	if s.RetentionMaxAge > 0 {
		policies = append(policies, retention.NewTTL(s.RetentionMaxAge))
	}
	if s.MinFreeSpace > 0 {
		policies = append(policies, retention.NewFreeSpace(s.MinFreeSpace))
	}
	if m.retention, err = retention.New(retention.Config{
		Volumes:   m.vols,
		Channels:  s.Channels,
		Location:  s.Location,
		Policy:    retention.NewComposite(policies...),
		Indexes:   m.recovery,
		Live:      m.live,
		OnRemoved: m.foldersRemoved,
		Metrics:   cfg.Metrics,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}

	m.monitor = volume.NewMonitor(m.vols, m.volumeHealthChanged, logger)
	if m.sched, err = newScheduler(s.Location, m.logger); err != nil {
		return nil, err
	}
	if err := m.sched.add(jobVolumeCheck, volumeCheckCron, m.monitor.Check); err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		if err := m.sched.add(jobRetention, s.RetentionCron, m.runRetention); err != nil {
			return nil, err
		}
	}
	if s.ScheduledBackup != nil {
		if err := m.sched.add(jobScheduledBackup, s.ScheduledBackup.Cron, m.runScheduledBackup); err != nil {
			return nil, err
		}
	}

	m.metrics.GaugeFunc("playback_sessions_active", "Open playback sessions.", func() float64 {
		return float64(m.playback.InUse())
	})
	m.metrics.GaugeFunc("recording_channels", "Channels with an active recording session.", func() float64 {
		n := 0
		for ch := range s.Channels {
			if m.recorder.State(ch) == writer.StateOn {
				n++
			}
		}
		return float64(n)
	})
	return m, nil
}

// Init locks the volumes, recovers what an unclean shutdown left behind
// and starts the writer, the volume monitor and the scheduler. Volumes
// whose mount point is missing start unhealthy.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateNew {
		return ErrInitialized
	}
	if err := m.home.EnsureExists(); err != nil {
		return err
	}

	var healthy []volume.Volume
	for _, v := range m.vols.ReadHddConfig() {
		if info, err := os.Stat(v.Path); err != nil || !info.IsDir() {
			m.logger.Warn("volume not mounted", "volume", v.Name, "path", v.Path)
			m.vols.SetHealthy(v.Name, false)
			continue
		}
		lk, err := volume.AcquireLock(v.Path)
		if err != nil {
			m.releaseLocks()
			return fmt.Errorf("lock volume %s: %w", v.Name, err)
		}
		m.locks = append(m.locks, lk)
		healthy = append(healthy, v)
	}

	start := time.Now()
	reports, err := m.recovery.Boot(ctx, healthy, m.settings.Channels, m.anchors)
	if err != nil {
		m.releaseLocks()
		return fmt.Errorf("boot recovery: %w", err)
	}
	changed := 0
	for _, r := range reports {
		if r.Changed() {
			changed++
		}
	}
	m.logger.Info("boot recovery done", "folders", len(reports), "changed", changed, "elapsed", time.Since(start))

	m.recorder.Start()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.monitor.Run(m.bg); err != nil {
			m.logger.Warn("volume monitor stopped", "error", err)
		}
	}()
	m.sched.start()
	m.state = stateRunning
	m.logger.Info("disk manager initialized", "channels", m.settings.Channels, "volumes", len(healthy))
	return nil
}

// DeInit stops recording, the background jobs and every backup and
// playback session, then releases the volume locks. ctx bounds how long
// recording sessions may take to drain.
func (m *Manager) DeInit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRunning {
		return ErrNotInitialized
	}
	m.state = stateClosed

	var errs []error
	if err := m.sched.stop(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	m.backup.Close()
	if err := m.recorder.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if err := m.playback.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("playback: %w", err))
	}
	m.stopBg()
	m.wg.Wait()
	m.releaseLocks()
	m.logger.Info("disk manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) releaseLocks() {
	for _, lk := range m.locks {
		if err := lk.Release(); err != nil {
			m.logger.Warn("release volume lock", "error", err)
		}
	}
	m.locks = nil
}

// running reports whether Init has completed and DeInit has not started.
func (m *Manager) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}

// Jobs lists the scheduled maintenance jobs.
func (m *Manager) Jobs() []JobInfo { return m.sched.list() }

// Volumes exposes the volume resolver.
func (m *Manager) Volumes() *volume.Static { return m.vols }

// background runs fn on its own goroutine until DeInit.
func (m *Manager) background(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.bg)
	}()
}

func (m *Manager) live(dir string) (time.Time, bool) {
	if m.recorder == nil {
		return time.Time{}, false
	}
	return m.recorder.Live(dir)
}

func (m *Manager) validateFolder(ctx context.Context, f layout.HourFolder) error {
	_, err := m.recovery.ValidateFolder(ctx, f)
	return err
}

// folderClosed runs recovery over an hour folder the writer just left.
func (m *Manager) folderClosed(f layout.HourFolder) {
	m.background(func(ctx context.Context) {
		if _, err := m.recovery.RecoverFolder(ctx, f); err != nil {
			m.logger.Warn("recovery of closed folder failed", "folder", f.Dir(), "error", err)
		}
	})
}

func (m *Manager) publish(ev notify.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ctx, cancel := context.WithTimeout(m.bg, 10*time.Second)
	defer cancel()
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish event", "kind", ev.Kind, "error", err)
	}
}

func (m *Manager) lookupDrive(name string) (volume.Volume, error) {
	v, ok := m.vols.Lookup(name)
	if !ok {
		return volume.Volume{}, fmt.Errorf("%w: %q", ErrUnknownDrive, name)
	}
	return v, nil
}
