// Package config describes and validates the engine configuration.
//
// Config is the declarative, on-disk shape: sizes and durations are kept as
// strings ("2MB", "15m") so the JSON stays human-editable. Resolve turns it
// into the typed Settings the engine is built from. Store implementations
// only persist; semantic checks live in Resolve.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Store persists and loads the configuration.
type Store interface {
	// Load returns nil when nothing has been saved yet.
	Load(ctx context.Context) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
}

// Volume types.
const (
	VolumeLocal = "local"
	VolumeNAS   = "nas"
)

// Config is the persisted configuration.
type Config struct {
	// Channels is the number of cameras.
	Channels int `json:"channels"`

	// Timezone names the zone used for folder and calendar math
	// ("Local", "UTC", "Europe/Oslo").
	Timezone string `json:"timezone,omitempty"`

	Volumes []VolumeConfig `json:"volumes"`

	// FileDuration closes a stream file after this much recording
	// (Go duration syntax). Hour boundaries always close files.
	FileDuration string `json:"fileDuration,omitempty"`

	// BufferSize is the per-channel write buffer ("2MB").
	BufferSize string `json:"bufferSize,omitempty"`

	// MaxStreamFiles caps the stream files of one hour folder.
	MaxStreamFiles int `json:"maxStreamFiles,omitempty"`

	RecoveryTimeout  string `json:"recoveryTimeout,omitempty"`
	PlaybackSessions int    `json:"playbackSessions,omitempty"`
	SearchSlots      int    `json:"searchSlots,omitempty"`
	BackupWorkers    int    `json:"backupWorkers,omitempty"`

	// BackupRate throttles backup copies in bytes per second. Empty means
	// unlimited.
	BackupRate   string `json:"backupRate,omitempty"`
	AVIQueueSize int    `json:"aviQueueSize,omitempty"`

	Retention       RetentionConfig        `json:"retention"`
	ScheduledBackup *ScheduledBackupConfig `json:"scheduledBackup,omitempty"`
	MQTT            *MQTTConfig            `json:"mqtt,omitempty"`
	ObjectStore     *ObjectStoreConfig     `json:"objectStore,omitempty"`

	MetricsAddr string `json:"metricsAddr,omitempty"`

	// LogLevels overrides the log level per component
	// ({"writer": "debug"}).
	LogLevels map[string]string `json:"logLevels,omitempty"`
}

// VolumeConfig describes one recording volume.
type VolumeConfig struct {
	// ID is the disk id stamped into frame headers and records.
	ID   uint8  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	// Type is "local" or "nas".
	Type string `json:"type"`
	// Failover names the volume recording moves to when this one faults.
	Failover string `json:"failover,omitempty"`
}

// RetentionConfig bounds how much recording is kept. Hour folders are
// deleted oldest first when either limit is exceeded.
type RetentionConfig struct {
	MaxAge       string `json:"maxAge,omitempty"`
	MinFreeSpace string `json:"minFreeSpace,omitempty"`
	// Cron is the sweep schedule; 5- or 6-field syntax.
	Cron string `json:"cron,omitempty"`
}

// ScheduledBackupConfig describes the incremental native backup job.
type ScheduledBackupConfig struct {
	Cron        string `json:"cron"`
	Destination string `json:"destination"`
	Channels    []int  `json:"channels,omitempty"`
	// Window is how far back each run looks.
	Window string `json:"window,omitempty"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"clientId,omitempty"`
}

// ObjectStoreConfig points remote backups at an S3-compatible bucket.
type ObjectStoreConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

// Default returns the configuration used when none has been saved.
func Default() *Config {
	return &Config{
		Channels:         4,
		Timezone:         "Local",
		FileDuration:     "15m",
		BufferSize:       "2MB",
		MaxStreamFiles:   255,
		RecoveryTimeout:  "100s",
		PlaybackSessions: 8,
		SearchSlots:      8,
		BackupWorkers:    2,
		AVIQueueSize:     32,
		Retention:        RetentionConfig{Cron: "0 * * * *"},
	}
}

// Settings is the validated, typed form of Config.
type Settings struct {
	Channels         int
	Location         *time.Location
	Volumes          []VolumeConfig
	FileDuration     time.Duration
	BufferSize       int
	MaxStreamFiles   int
	RecoveryTimeout  time.Duration
	PlaybackSessions int
	SearchSlots      int
	BackupWorkers    int
	BackupRate       uint64
	AVIQueueSize     int
	RetentionMaxAge  time.Duration
	MinFreeSpace     uint64
	RetentionCron    string
	ScheduledBackup  *ScheduledBackupConfig
	BackupWindow     time.Duration
	MQTT             *MQTTConfig
	ObjectStore      *ObjectStoreConfig
	MetricsAddr      string
	LogLevels        map[string]slog.Level
}

var ErrInvalid = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Resolve validates c and fills unset fields from Default.
func (c *Config) Resolve() (*Settings, error) {
	def := Default()
	s := &Settings{
		Channels:         orInt(c.Channels, def.Channels),
		MaxStreamFiles:   orInt(c.MaxStreamFiles, def.MaxStreamFiles),
		PlaybackSessions: orInt(c.PlaybackSessions, def.PlaybackSessions),
		SearchSlots:      orInt(c.SearchSlots, def.SearchSlots),
		BackupWorkers:    orInt(c.BackupWorkers, def.BackupWorkers),
		AVIQueueSize:     orInt(c.AVIQueueSize, def.AVIQueueSize),
		RetentionCron:    orString(c.Retention.Cron, def.Retention.Cron),
		ScheduledBackup:  c.ScheduledBackup,
		MQTT:             c.MQTT,
		ObjectStore:      c.ObjectStore,
		MetricsAddr:      c.MetricsAddr,
		LogLevels:        make(map[string]slog.Level),
	}
	if s.Channels < 1 || s.Channels > 64 {
		return nil, invalid("channels must be 1..64, got %d", s.Channels)
	}
	if s.MaxStreamFiles < 1 || s.MaxStreamFiles > 255 {
		return nil, invalid("maxStreamFiles must be 1..255, got %d", s.MaxStreamFiles)
	}
	if s.PlaybackSessions < 2 {
		return nil, invalid("playbackSessions must be at least 2 (one is reserved for backup)")
	}
	if s.BackupWorkers < 1 || s.BackupWorkers > 2 {
		return nil, invalid("backupWorkers must be 1 or 2, got %d", s.BackupWorkers)
	}

	loc, err := loadLocation(orString(c.Timezone, def.Timezone))
	if err != nil {
		return nil, invalid("timezone: %v", err)
	}
	s.Location = loc

	if err := resolveVolumes(c.Volumes); err != nil {
		return nil, err
	}
	s.Volumes = c.Volumes

	if s.FileDuration, err = positiveDuration("fileDuration", orString(c.FileDuration, def.FileDuration)); err != nil {
		return nil, err
	}
	if s.RecoveryTimeout, err = positiveDuration("recoveryTimeout", orString(c.RecoveryTimeout, def.RecoveryTimeout)); err != nil {
		return nil, err
	}
	buf, err := ParseBytes(orString(c.BufferSize, def.BufferSize))
	if err != nil || buf < 64*1024 {
		return nil, invalid("bufferSize must be at least 64KB")
	}
	s.BufferSize = int(buf)

	if c.BackupRate != "" {
		if s.BackupRate, err = ParseBytes(c.BackupRate); err != nil {
			return nil, invalid("backupRate: %v", err)
		}
	}
	if c.Retention.MaxAge != "" {
		if s.RetentionMaxAge, err = positiveDuration("retention.maxAge", c.Retention.MaxAge); err != nil {
			return nil, err
		}
	}
	if c.Retention.MinFreeSpace != "" {
		if s.MinFreeSpace, err = ParseBytes(c.Retention.MinFreeSpace); err != nil {
			return nil, invalid("retention.minFreeSpace: %v", err)
		}
	}
	if err := ValidateCron(s.RetentionCron); err != nil {
		return nil, invalid("retention.cron: %v", err)
	}
	if sb := c.ScheduledBackup; sb != nil {
		if err := ValidateCron(sb.Cron); err != nil || sb.Cron == "" {
			return nil, invalid("scheduledBackup.cron: %v", err)
		}
		if sb.Destination == "" {
			return nil, invalid("scheduledBackup.destination is required")
		}
		s.BackupWindow = 24 * time.Hour
		if sb.Window != "" {
			if s.BackupWindow, err = positiveDuration("scheduledBackup.window", sb.Window); err != nil {
				return nil, err
			}
		}
	}
	if c.MQTT != nil && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		return nil, invalid("mqtt needs broker and topic")
	}
	if c.ObjectStore != nil && c.ObjectStore.Bucket == "" {
		return nil, invalid("objectStore.bucket is required")
	}
	for comp, lvl := range c.LogLevels {
		var l slog.Level
		if err := l.UnmarshalText([]byte(lvl)); err != nil {
			return nil, invalid("logLevels[%s]: %v", comp, err)
		}
		s.LogLevels[comp] = l
	}
	return s, nil
}

func resolveVolumes(vols []VolumeConfig) error {
	if len(vols) == 0 {
		return invalid("at least one volume is required")
	}
	names := make(map[string]bool, len(vols))
	ids := make(map[uint8]bool, len(vols))
	for _, v := range vols {
		if v.Name == "" || v.Path == "" {
			return invalid("volume needs name and path")
		}
		if names[v.Name] || ids[v.ID] {
			return invalid("duplicate volume %q (id %d)", v.Name, v.ID)
		}
		names[v.Name], ids[v.ID] = true, true
		switch v.Type {
		case VolumeLocal, VolumeNAS:
		default:
			return invalid("volume %q: unknown type %q", v.Name, v.Type)
		}
	}
	for _, v := range vols {
		if v.Failover != "" && (!names[v.Failover] || v.Failover == v.Name) {
			return invalid("volume %q: bad failover %q", v.Name, v.Failover)
		}
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func positiveDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalid("%s: %v", field, err)
	}
	if d <= 0 {
		return 0, invalid("%s must be positive", field)
	}
	return d, nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ValidateCron checks a 5-field (minute) or 6-field (second) cron
// expression. An empty expression is valid and means "not scheduled".
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	s = strings.ToUpper(s)

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
