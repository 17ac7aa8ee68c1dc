package diskmanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job names.
const (
	jobRetention       = "retention"
	jobScheduledBackup = "scheduled-backup"
	jobVolumeCheck     = "volume-check"
)

// volumeCheckCron catches unmounts that raise no inotify event.
const volumeCheckCron = "* * * * *"

// JobInfo describes a registered maintenance job.
type JobInfo struct {
	Name     string
	Schedule string
	LastRun  time.Time // zero if never run
	NextRun  time.Time
}

// scheduler runs the periodic maintenance jobs on one gocron scheduler.
// Jobs never overlap themselves.
type scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	schedules map[string]string
	logger    *slog.Logger
}

func newScheduler(loc *time.Location, logger *slog.Logger) (*scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logger,
	}, nil
}

// add registers a named cron job. An empty expression leaves the job
// unscheduled.
func (s *scheduler) add(name, cronExpr string, fn func()) error {
	if cronExpr == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	s.jobs[name] = j
	s.schedules[name] = cronExpr
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

func (s *scheduler) list() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{Name: name, Schedule: s.schedules[name]}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *scheduler) start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// stop shuts the scheduler down and waits for running jobs.
func (s *scheduler) stop() error {
	return s.scheduler.Shutdown()
}
