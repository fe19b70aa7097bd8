package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Scheduler triggers pipeline executions from the schedules declared in
// project pipeline files. A schedule never has two executions in flight.
type Scheduler struct {
	projectsConfig *ProjectsConfig
	orchestrator   *Orchestrator
	baseDir        string
	logger         *slog.Logger
	tickInterval   time.Duration
	now            func() time.Time

	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	lastRuns map[string]time.Time // track last execution per schedule
	mu       sync.RWMutex         // protect lastRuns and runningJobs
	running  map[string]bool      // track currently running schedules
}

// NewScheduler creates a new scheduler instance
func NewScheduler(projectsConfig *ProjectsConfig, orchestrator *Orchestrator, baseDir string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		projectsConfig: projectsConfig,
		orchestrator:   orchestrator,
		baseDir:        baseDir,
		logger:         logger,
		tickInterval:   time.Minute,
		now:            time.Now,
		ctx:            ctx,
		stop:           cancel,
		lastRuns:       make(map[string]time.Time),
		running:        make(map[string]bool),
	}
}

// Start runs the scheduler loop until Stop is called
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", slog.Int("projects", len(s.projectsConfig.Projects)))
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// Stop ends the loop and waits for triggered executions to finish
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

// tick checks all schedules and triggers runs if needed
func (s *Scheduler) tick() {
	for _, project := range s.projectsConfig.Projects {
		cfg, err := project.Load(s.baseDir)
		if err != nil {
			// Projects without a valid pipeline have nothing to schedule
			continue
		}

		for i, schedule := range cfg.Schedules {
			key := fmt.Sprintf("%s-schedule-%d", project.Name, i)

			s.mu.RLock()
			lastRun := s.lastRuns[key]
			isRunning := s.running[key]
			s.mu.RUnlock()

			if isRunning || !s.shouldRun(schedule, lastRun) {
				continue
			}

			s.mu.Lock()
			s.running[key] = true
			s.lastRuns[key] = s.now()
			s.mu.Unlock()

			s.wg.Add(1)
			go func(name string, cfg *PipelineConfig, sched Schedule, key string) {
				defer s.wg.Done()
				s.executeSchedule(name, cfg, sched)

				s.mu.Lock()
				delete(s.running, key)
				s.mu.Unlock()
			}(project.Name, cfg, schedule, key)
		}
	}
}

// shouldRun determines if a schedule should be triggered now
func (s *Scheduler) shouldRun(schedule Schedule, lastRun time.Time) bool {
	now := s.now()

	if schedule.At != "" {
		hour, minute, err := parseAtTime(schedule.At)
		if err != nil {
			s.logger.Warn("invalid schedule time", slog.String("at", schedule.At), slog.Any("error", err))
			return false
		}
		if now.Hour() == hour && now.Minute() == minute {
			// Once per day at this time
			return lastRun.IsZero() || now.Sub(lastRun) >= 23*time.Hour
		}
		return false
	}

	if schedule.Every != "" {
		interval, err := parseInterval(schedule.Every)
		if err != nil {
			s.logger.Warn("invalid schedule interval", slog.String("every", schedule.Every), slog.Any("error", err))
			return false
		}
		return lastRun.IsZero() || now.Sub(lastRun) >= interval
	}

	return false
}

// executeSchedule starts the pipeline and waits for it to finish
func (s *Scheduler) executeSchedule(projectName string, cfg *PipelineConfig, schedule Schedule) {
	trigger := schedule.At
	if trigger == "" {
		trigger = schedule.Every
	}

	id, err := s.orchestrator.Execute(cfg.ID, cfg.Stages, cfg.WorkingDirectory)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("project", projectName),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Info("schedule triggered",
		slog.String("project", projectName),
		slog.String("trigger", trigger),
		slog.String("execution_id", id),
	)

	exec, err := s.orchestrator.Wait(s.ctx, id)
	if err != nil {
		s.logger.Warn("stopped waiting for scheduled run", slog.String("execution_id", id), slog.Any("error", err))
		return
	}
	s.logger.Info("scheduled run finished",
		slog.String("project", projectName),
		slog.String("execution_id", id),
		slog.String("status", string(exec.Status)),
	)
}

// parseAtTime parses "HH:MM" format
func parseAtTime(at string) (hour, minute int, err error) {
	parts := strings.Split(at, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time format, expected HH:MM")
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour")
	}

	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute")
	}

	return hour, minute, nil
}

var combinedInterval = regexp.MustCompile(`^(\d+)h(\d+)m$`)

// parseInterval parses duration strings like "1h", "30m", "1h30m"
func parseInterval(every string) (time.Duration, error) {
	if matches := combinedInterval.FindStringSubmatch(every); len(matches) == 3 {
		hours, _ := strconv.Atoi(matches[1])
		minutes, _ := strconv.Atoi(matches[2])
		return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
	}

	duration, err := time.ParseDuration(every)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("invalid duration format")
	}

	return duration, nil
}
