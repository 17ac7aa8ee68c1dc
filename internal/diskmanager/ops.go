package diskmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nvrstore/internal/backup"
	"nvrstore/internal/layout"
	"nvrstore/internal/notify"
	"nvrstore/internal/playback"
	"nvrstore/internal/recovery"
	"nvrstore/internal/search"
	"nvrstore/internal/writer"
	"nvrstore/internal/yearmap"
)

// Recording.

func (m *Manager) StartRecordSession(ch int) error {
	if !m.running() {
		return ErrNotInitialized
	}
	return m.recorder.StartSession(ch)
}

// StopRecordSession seals the channel's open files. ctx bounds the wait
// for the writer.
func (m *Manager) StopRecordSession(ctx context.Context, ch int) error {
	return m.recorder.StopSession(ctx, ch)
}

func (m *Manager) WriteMediaFrame(ch int, f writer.Frame) error {
	return m.recorder.WriteMediaFrame(ch, f)
}

// RecordState returns the lifecycle state of a channel's session.
func (m *Manager) RecordState(ch int) writer.State { return m.recorder.State(ch) }

// Search.

func (m *Manager) SearchRecord(ctx context.Context, c search.Criteria) (search.Results, error) {
	return m.search.Search(ctx, c)
}

// HandleSearch serves a client request on its search slot.
func (m *Manager) HandleSearch(ctx context.Context, slot int, req search.Request, rep search.Replier) error {
	return m.search.Handle(ctx, slot, req, rep)
}

func (m *Manager) GenerateLocalRecDatabase(ctx context.Context, drive string, ch, year int, month time.Month) error {
	return m.search.GenerateLocalRecDatabase(ctx, drive, ch, year, month)
}

func (m *Manager) MonthDays(drive string, ch, year int, month time.Month, events uint8) (uint32, error) {
	return m.search.MonthDays(drive, ch, year, month, events)
}

func (m *Manager) DayMinutes(drive string, ch int, day time.Time, events uint8) (yearmap.Bitmap, error) {
	return m.search.DayMinutes(drive, ch, day, events)
}

// Playback.

func (m *Manager) OpenPlaySession(r playback.Range) (int, error) {
	return m.playback.OpenPlaySession(playback.PurposePlayback, r)
}

func (m *Manager) SetPlayPosition(id int, t time.Time, dir playback.Direction) error {
	return m.playback.SetPlayPosition(id, t, dir)
}

// SetPlayAudio turns audio delivery on or off for a session.
func (m *Manager) SetPlayAudio(id int, on bool) error {
	s, err := m.playback.Session(id)
	if err != nil {
		return err
	}
	s.SetAudio(on)
	return nil
}

func (m *Manager) ReadRecordFrame(id int, opts playback.ReadOptions) (playback.Frame, error) {
	return m.playback.ReadRecordFrame(id, opts)
}

func (m *Manager) ClosePlaySession(id int) error {
	return m.playback.ClosePlaySession(id)
}

// Backup.

func (m *Manager) BackupToMedia(ctx context.Context, req backup.Request) (backup.Result, error) {
	return m.backup.BackupToMedia(ctx, req)
}

func (m *Manager) BackupToFtp(ctx context.Context, req backup.Request) (backup.Result, error) {
	return m.backup.BackupToFtp(ctx, req)
}

// BackUpRecordToManualDrive starts a background copy and returns its task
// id.
func (m *Manager) BackUpRecordToManualDrive(req backup.Request) (string, error) {
	return m.backup.BackUpRecordToManualDrive(req)
}

func (m *Manager) BackUpSyncRecordToManualDrive(ctx context.Context, req backup.Request) (backup.Result, error) {
	return m.backup.BackUpSyncRecordToManualDrive(ctx, req)
}

func (m *Manager) BackupTask(id string) (*backup.Task, error) { return m.backup.Task(id) }

func (m *Manager) CancelBackup(id string) error { return m.backup.Cancel(id) }

// Maintenance.

// StartRecovery recovers one hour folder, given as its directory.
func (m *Manager) StartRecovery(ctx context.Context, dir string) (recovery.Report, error) {
	f, err := layout.ParseHourDir(dir, m.settings.Location)
	if err != nil {
		return recovery.Report{}, err
	}
	rep, err := m.recovery.RecoverFolder(ctx, f)
	if err == nil && rep.Changed() {
		m.search.InvalidateDrive(m.driveOf(f))
	}
	return rep, err
}

// RemoveIndexesForFolder clears the year-map minutes of an hour folder,
// given as its directory.
func (m *Manager) RemoveIndexesForFolder(dir string) error {
	f, err := layout.ParseHourDir(dir, m.settings.Location)
	if err != nil {
		return err
	}
	if err := m.recovery.RemoveIndexesForFolder(f); err != nil {
		return err
	}
	m.search.InvalidateDrive(m.driveOf(f))
	return nil
}

// BuildRecIndexFromPrevStoredData regenerates every year map of a camera
// on a drive from its stored event records.
func (m *Manager) BuildRecIndexFromPrevStoredData(ctx context.Context, drive string, ch int) error {
	v, err := m.lookupDrive(drive)
	if err != nil {
		return err
	}
	if ch < 0 || ch >= m.settings.Channels {
		return fmt.Errorf("%w: channel %d", search.ErrBadCriteria, ch)
	}
	if err := m.recovery.RebuildYearMaps(ctx, v.Path, ch); err != nil {
		return err
	}
	m.search.InvalidateDrive(v.Name)
	m.logger.Info("year maps rebuilt", "drive", v.Name, "channel", ch)
	return nil
}

func (m *Manager) driveOf(f layout.HourFolder) string {
	for _, v := range m.vols.ReadHddConfig() {
		if v.Path == f.Mount {
			return v.Name
		}
	}
	return ""
}

// Scheduled jobs.

// runRetention sweeps expired recordings off every healthy volume.
func (m *Manager) runRetention() {
	rep, err := m.retention.Sweep(m.bg)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("retention sweep", "removed", len(rep.Removed), "error", err)
	}
}

// foldersRemoved is called once per volume that lost folders to
// retention.
func (m *Manager) foldersRemoved(drive string) {
	m.search.InvalidateDrive(drive)
	m.publish(notify.Event{Kind: notify.KindFolderRemoved, Volume: drive, Channel: -1})
}

// runScheduledBackup copies the configured window incrementally.
func (m *Manager) runScheduledBackup() {
	sb := m.settings.ScheduledBackup
	now := time.Now().In(m.settings.Location)
	req := backup.Request{
		Channels:    sb.Channels,
		From:        now.Add(-m.settings.BackupWindow),
		To:          now,
		Destination: sb.Destination,
	}
	if len(req.Channels) == 0 {
		for ch := range m.settings.Channels {
			req.Channels = append(req.Channels, ch)
		}
	}
	res, err := m.backup.Scheduled(m.bg, req)
	switch {
	case errors.Is(err, backup.ErrNothingToCopy):
		m.logger.Debug("scheduled backup: nothing new")
	case err != nil:
		m.logger.Warn("scheduled backup failed", "error", err)
		m.publish(notify.Event{Kind: notify.KindBackupFailed, Channel: -1, Path: sb.Destination, Message: err.Error()})
	default:
		m.publish(notify.Event{Kind: notify.KindBackupDone, Channel: -1, Path: sb.Destination,
			Message: fmt.Sprintf("%d files, %d bytes", res.Files, res.Bytes)})
	}
}
