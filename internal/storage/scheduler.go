package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives CatalogJob execution on CRON, INTERVAL, or ONCE schedules.
// Jobs are plain SQL text executed through a JobExecutor, decoupling the
// storage package from the engine package that actually runs queries.
type Scheduler struct {
	db       *DB
	catalog  *CatalogManager
	cron     *cron.Cron
	mu       sync.RWMutex
	running  map[string]*jobExecution
	stopCh   chan struct{}
	executor JobExecutor
}

// JobExecutor runs a job's SQL text against the engine. Kept as an interface
// so storage never imports the engine package.
type JobExecutor interface {
	ExecuteSQL(ctx context.Context, sql string) (any, error)
}

type jobExecution struct {
	startTime time.Time
	cancelFn  context.CancelFunc
}

// NewScheduler builds a Scheduler bound to db's catalog. executor may be nil,
// in which case due jobs are logged but not run.
func NewScheduler(db *DB, executor JobExecutor) *Scheduler {
	loc, _ := time.LoadLocation("UTC")
	return &Scheduler{
		db:       db,
		catalog:  db.Catalog(),
		cron:     cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		running:  make(map[string]*jobExecution),
		stopCh:   make(chan struct{}),
		executor: executor,
	}
}

// Start registers every enabled job and begins dispatching them.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.catalog.ListEnabledJobs()
	for _, job := range jobs {
		if err := s.scheduleJob(job); err != nil {
			log.Printf("scheduler: failed to schedule job %q: %v", job.Name, err)
		}
	}

	s.cron.Start()
	go s.runIntervalLoop()

	log.Printf("scheduler: started with %d job(s)", len(jobs))
	return nil
}

// Stop halts dispatch and cancels any jobs currently executing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	close(s.stopCh)

	for name, exec := range s.running {
		log.Printf("scheduler: canceling running job %q", name)
		exec.cancelFn()
	}
}

func (s *Scheduler) scheduleJob(job *CatalogJob) error {
	switch job.ScheduleType {
	case "CRON":
		return s.scheduleCronJob(job)
	case "INTERVAL":
		s.calculateNextRun(job)
		return nil
	case "ONCE":
		if job.RunAt != nil {
			job.NextRunAt = job.RunAt
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type: %s", job.ScheduleType)
	}
}

func (s *Scheduler) scheduleCronJob(job *CatalogJob) error {
	if job.CronExpr == "" {
		return fmt.Errorf("empty CRON expression for job %q", job.Name)
	}

	loc := time.UTC
	if job.Timezone != "" {
		if l, err := time.LoadLocation(job.Timezone); err == nil {
			loc = l
		} else {
			log.Printf("scheduler: invalid timezone %q for job %q, using UTC", job.Timezone, job.Name)
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid CRON expression %q: %w", job.CronExpr, err)
	}

	nextRun := schedule.Next(time.Now().In(loc))
	job.NextRunAt = &nextRun

	_, err = s.cron.AddFunc(job.CronExpr, func() {
		s.executeJob(job)
	})
	return err
}

// runIntervalLoop polls once a second for due INTERVAL/ONCE jobs; CRON jobs
// are dispatched directly by the cron library.
func (s *Scheduler) runIntervalLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkIntervalJobs(now)
		}
	}
}

func (s *Scheduler) checkIntervalJobs(now time.Time) {
	jobs := s.catalog.ListEnabledJobs()
	for _, job := range jobs {
		if job.ScheduleType != "INTERVAL" && job.ScheduleType != "ONCE" {
			continue
		}
		if job.NextRunAt == nil || now.Before(*job.NextRunAt) {
			continue
		}

		s.executeJob(job)

		if job.ScheduleType == "ONCE" {
			job.Enabled = false
			if err := s.catalog.RegisterJob(job); err != nil {
				log.Printf("scheduler: failed to disable ONCE job %q: %v", job.Name, err)
			}
		}
	}
}

func (s *Scheduler) executeJob(job *CatalogJob) {
	s.mu.Lock()
	if job.NoOverlap {
		if _, running := s.running[job.Name]; running {
			s.mu.Unlock()
			log.Printf("scheduler: job %q already running, skipping (no_overlap)", job.Name)
			return
		}
	}

	timeout := time.Duration(job.MaxRuntimeMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	exec := &jobExecution{startTime: time.Now(), cancelFn: cancel}
	s.running[job.Name] = exec
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, job.Name)
			s.mu.Unlock()

			lastRun := exec.startTime
			s.calculateNextRun(job)
			next := time.Time{}
			if job.NextRunAt != nil {
				next = *job.NextRunAt
			}
			if err := s.catalog.UpdateJobRuntime(job.Name, lastRun, next); err != nil {
				log.Printf("scheduler: failed to update runtime for %q: %v", job.Name, err)
			}
		}()

		if s.executor == nil {
			log.Printf("scheduler: job %q skipped, no executor configured", job.Name)
			return
		}
		if _, err := s.executor.ExecuteSQL(ctx, job.SQLText); err != nil {
			log.Printf("scheduler: job %q failed: %v", job.Name, err)
		}
	}()
}

func (s *Scheduler) calculateNextRun(job *CatalogJob) {
	now := time.Now()

	switch job.ScheduleType {
	case "INTERVAL":
		if job.IntervalMs <= 0 {
			log.Printf("scheduler: invalid interval for job %q", job.Name)
			return
		}
		interval := time.Duration(job.IntervalMs) * time.Millisecond

		switch {
		case job.LastRunAt == nil:
			next := now.Add(interval)
			job.NextRunAt = &next
		case job.CatchUp:
			next := job.LastRunAt.Add(interval)
			for next.Before(now) {
				next = next.Add(interval)
			}
			job.NextRunAt = &next
		default:
			next := now.Add(interval)
			job.NextRunAt = &next
		}

	case "CRON":
		if job.CronExpr == "" {
			return
		}
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		schedule, err := parser.Parse(job.CronExpr)
		if err != nil {
			return
		}
		loc := time.UTC
		if job.Timezone != "" {
			if l, err := time.LoadLocation(job.Timezone); err == nil {
				loc = l
			}
		}
		next := schedule.Next(now.In(loc))
		job.NextRunAt = &next
	}
}

// AddJob registers job in the catalog and, if enabled, schedules it immediately.
func (s *Scheduler) AddJob(job *CatalogJob) error {
	if err := s.catalog.RegisterJob(job); err != nil {
		return err
	}
	if !job.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleJob(job)
}

// RemoveJob cancels job if running and deletes it from the catalog.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec, ok := s.running[name]; ok {
		exec.cancelFn()
		delete(s.running, name)
	}
	return s.catalog.DeleteJob(name)
}
