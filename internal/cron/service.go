package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	cronparser "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// RunFunc executes a task job through the agent and returns its reply.
type RunFunc func(ctx context.Context, job *Job) (string, error)

// DeliverFunc publishes a message to a chat channel.
type DeliverFunc func(channel, chatID, content string)

// Service owns the persistent job store and fires jobs on schedule. One
// sleeper goroutine waits for the earliest next run; mutations wake it.
type Service struct {
	path    string
	onJob   RunFunc
	deliver DeliverFunc
	log     *zap.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	wake chan struct{}
}

// NewService creates a service persisting to path (e.g. <data>/cron/jobs.json).
func NewService(path string, onJob RunFunc, deliver DeliverFunc, log *zap.Logger) *Service {
	return &Service{
		path:    path,
		onJob:   onJob,
		deliver: deliver,
		log:     log,
		jobs:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
	}
}

// Load reads the job store. A file that fails to parse is renamed aside and
// the service starts empty rather than losing the user's jobs silently.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return nberr.Wrap(nberr.Resource, "read job store", err)
	}

	var f jobFile
	if err := json.Unmarshal(data, &f); err != nil {
		aside := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr == nil {
			s.log.Warn("job store is corrupt, moved aside",
				zap.String("path", s.path), zap.String("moved_to", aside), zap.Error(err))
		} else {
			s.log.Warn("job store is corrupt and could not be moved aside",
				zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}

	for _, job := range f.Jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// saveLocked writes the store atomically under an advisory file lock.
func (s *Service) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nberr.Wrap(nberr.Resource, "create cron dir", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nberr.Wrap(nberr.Resource, "lock job store", err)
	}
	defer lock.Unlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMS < jobs[j].CreatedAtMS })

	data, err := json.MarshalIndent(jobFile{Version: 1, Jobs: jobs}, "", "  ")
	if err != nil {
		return nberr.Wrap(nberr.Fatal, "marshal job store", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nberr.Wrap(nberr.Resource, "write job store", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return nberr.Wrap(nberr.Resource, "write job store", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nberr.Wrap(nberr.Resource, "sync job store", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nberr.Wrap(nberr.Resource, "close job store", err)
	}
	return os.Rename(tmp, s.path)
}

// computeNextRun returns the next fire time in Unix milliseconds, or 0 when
// the schedule has no future run.
func computeNextRun(sched Schedule, nowMS int64) (int64, error) {
	switch sched.Kind {
	case "every":
		if sched.EveryMS <= 0 {
			return 0, nberr.New(nberr.Validation, "every_ms must be positive")
		}
		return nowMS + sched.EveryMS, nil
	case "cron":
		spec := sched.Expr
		if sched.TZ != "" {
			spec = "CRON_TZ=" + sched.TZ + " " + spec
		}
		parsed, err := cronparser.ParseStandard(spec)
		if err != nil {
			return 0, nberr.Wrap(nberr.Validation, "parse cron expression", err)
		}
		next := parsed.Next(time.UnixMilli(nowMS).UTC())
		if next.IsZero() {
			return 0, nil
		}
		return next.UnixMilli(), nil
	case "at":
		if sched.AtMS > nowMS {
			return sched.AtMS, nil
		}
		return 0, nil
	}
	return 0, nberr.Newf(nberr.Validation, "unknown schedule kind %q", sched.Kind)
}

// Add inserts a job, computes its first run, and persists the store.
func (s *Service) Add(job *Job) (*Job, error) {
	now := time.Now().UnixMilli()
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	if job.Kind == "" {
		job.Kind = KindReminder
	}
	job.CreatedAtMS = now
	job.UpdatedAtMS = now
	job.Enabled = true

	next, err := computeNextRun(job.Schedule, now)
	if err != nil {
		// A job with an invalid schedule is kept visible, never dropped.
		job.State.ScheduleError = err.Error()
	} else {
		job.State.NextRunAtMS = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	s.wakeUp()
	return job, nil
}

// Remove deletes a job and persists.
func (s *Service) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	delete(s.jobs, id)
	if err := s.saveLocked(); err != nil {
		s.jobs[id] = job
		return false, err
	}
	s.wakeUp()
	return true, nil
}

// Enable toggles a job and recomputes its next run.
func (s *Service) Enable(id string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	job.Enabled = enabled
	job.UpdatedAtMS = time.Now().UnixMilli()
	if enabled {
		if next, err := computeNextRun(job.Schedule, job.UpdatedAtMS); err == nil {
			job.State.NextRunAtMS = next
			job.State.ScheduleError = ""
		} else {
			job.State.ScheduleError = err.Error()
		}
	}
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	s.wakeUp()
	return true, nil
}

// Jobs returns a snapshot sorted by creation time.
func (s *Service) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMS < jobs[j].CreatedAtMS })
	return jobs
}

// Get returns a snapshot of one job.
func (s *Service) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

// RunJob fires a job immediately when forced, or when it is due. Returns
// whether it ran.
func (s *Service) RunJob(ctx context.Context, id string, force bool) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, nberr.Newf(nberr.Validation, "no such job %q", id)
	}
	now := time.Now().UnixMilli()
	due := job.Enabled && job.State.NextRunAtMS > 0 && job.State.NextRunAtMS <= now
	if !force && !due {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	s.fire(ctx, job)
	return true, nil
}

// fire runs one job and updates its state. The job lock is not held across
// the run so long tasks do not block Add/Remove.
func (s *Service) fire(ctx context.Context, job *Job) {
	s.log.Info("cron job firing", zap.String("id", job.ID), zap.String("name", job.Name))

	var runErr error
	switch job.Kind {
	case KindReminder:
		if s.deliver != nil && job.TargetChannel != "" {
			s.deliver(job.TargetChannel, job.TargetChatID, job.Message)
		}
	default:
		if s.onJob != nil {
			var reply string
			reply, runErr = s.onJob(ctx, job)
			if runErr == nil && job.Deliver && reply != "" && s.deliver != nil && job.TargetChannel != "" {
				s.deliver(job.TargetChannel, job.TargetChatID, reply)
			}
		}
	}

	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	job.State.LastRunAtMS = now
	if runErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = runErr.Error()
		s.log.Warn("cron job failed", zap.String("id", job.ID), zap.Error(runErr))
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}

	next, err := computeNextRun(job.Schedule, now)
	if err != nil {
		job.State.ScheduleError = err.Error()
		next = 0
	}
	job.State.NextRunAtMS = next
	if next == 0 && job.Schedule.Kind == "at" {
		// One-shot jobs stay in the store for history but never refire.
		job.Enabled = false
	}
	if err := s.saveLocked(); err != nil {
		s.log.Warn("failed to persist job state", zap.String("id", job.ID), zap.Error(err))
	}
}

// Run sleeps until the earliest next run, fires due jobs, and repeats until
// ctx is cancelled. Mutations through Add/Remove/Enable wake it early.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("cron service started", zap.String("path", s.path))
	for {
		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("cron service stopped")
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.runDue(ctx)
	}
}

func (s *Service) untilNext() time.Duration {
	const idleWait = time.Hour

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	earliest := int64(0)
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMS <= 0 {
			continue
		}
		if earliest == 0 || job.State.NextRunAtMS < earliest {
			earliest = job.State.NextRunAtMS
		}
	}
	if earliest == 0 {
		return idleWait
	}
	wait := time.Duration(earliest-now) * time.Millisecond
	if wait < 0 {
		return 0
	}
	if wait > idleWait {
		return idleWait
	}
	return wait
}

func (s *Service) runDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && job.State.NextRunAtMS > 0 && job.State.NextRunAtMS <= now {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].State.NextRunAtMS < due[j].State.NextRunAtMS })
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, job)
	}
}

func (s *Service) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AddJob, ListJobs, and RemoveJob adapt the service to the agent's cron tool.
// They return human-readable strings the LLM can relay.

// AddJob creates a reminder job from tool arguments.
func (s *Service) AddJob(name, message, channel, chatID string, everySeconds int, cronExpr, at string) (string, error) {
	sched, err := scheduleFromArgs(everySeconds, cronExpr, at)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	job, err := s.Add(&Job{
		Name:          name,
		Kind:          KindReminder,
		Schedule:      sched,
		Message:       message,
		Deliver:       true,
		TargetChannel: channel,
		TargetChatID:  chatID,
	})
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if job.State.ScheduleError != "" {
		return fmt.Sprintf("Job '%s' created (id: %s) but its schedule is invalid: %s",
			job.Name, job.ID, job.State.ScheduleError), nil
	}
	return fmt.Sprintf("Scheduled job '%s' (id: %s), next run at %s",
		job.Name, job.ID, time.UnixMilli(job.State.NextRunAtMS).Format(time.RFC3339)), nil
}

// ListJobs renders the job set for the LLM.
func (s *Service) ListJobs() (string, error) {
	jobs := s.Jobs()
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	var b strings.Builder
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "- %s (id: %s, %s, %s)", job.Name, job.ID, describeSchedule(job.Schedule), state)
		if job.State.ScheduleError != "" {
			fmt.Fprintf(&b, " [schedule error: %s]", job.State.ScheduleError)
		} else if job.State.NextRunAtMS > 0 {
			fmt.Fprintf(&b, " next: %s", time.UnixMilli(job.State.NextRunAtMS).Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// RemoveJob deletes a job by id.
func (s *Service) RemoveJob(jobID string) (string, error) {
	ok, err := s.Remove(jobID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if !ok {
		return fmt.Sprintf("No job with id %s", jobID), nil
	}
	return fmt.Sprintf("Removed job %s", jobID), nil
}

func scheduleFromArgs(everySeconds int, cronExpr, at string) (Schedule, error) {
	switch {
	case everySeconds > 0:
		return Schedule{Kind: "every", EveryMS: int64(everySeconds) * 1000}, nil
	case cronExpr != "":
		return Schedule{Kind: "cron", Expr: cronExpr}, nil
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return Schedule{}, nberr.Wrap(nberr.Validation, "parse 'at' time (RFC3339)", err)
		}
		return Schedule{Kind: "at", AtMS: t.UnixMilli()}, nil
	}
	return Schedule{}, nberr.New(nberr.Validation, "one of every_seconds, cron_expr, or at is required")
}

func describeSchedule(s Schedule) string {
	switch s.Kind {
	case "every":
		return fmt.Sprintf("every %ds", s.EveryMS/1000)
	case "cron":
		return "cron " + s.Expr
	case "at":
		return "once at " + time.UnixMilli(s.AtMS).Format(time.RFC3339)
	}
	return s.Kind
}
