// Package scheduler runs the periodic maintenance jobs: decay, reinforce
// sweep, reflection, compaction, key rotation and webhook retries.
//
// At most one instance of each job runs at a time; an overdue tick is
// skipped, not queued. Job start and stop are written to the audit log so
// the dashboard can report active jobs.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// shutdownGrace bounds how long Stop waits for running jobs.
const shutdownGrace = 30 * time.Second

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openmemory_scheduler_job_runs_total",
	Help: "Maintenance job executions by job and outcome.",
}, []string{"job", "outcome"})

// JobFunc is one unit of maintenance work. It must honor ctx cancellation
// between batches.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
	running  atomic.Bool
}

// Scheduler owns the registry and the job goroutines.
type Scheduler struct {
	store storage.Store
	jobs  []*job

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an empty scheduler; register jobs before Start.
func New(store storage.Store) *Scheduler {
	return &Scheduler{store: store}
}

// Register adds a named job. Registration after Start is a programming
// error and is ignored with a log line.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.Error("job registered after scheduler start, ignoring", "job", name)
		return
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: fn})
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels every job and waits up to the shutdown grace period.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("scheduler stopped")
	case <-time.After(shutdownGrace):
		log.Warn("scheduler shutdown grace expired with jobs still running")
	}
}

// Running reports which jobs are currently executing.
func (s *Scheduler) Running() []string {
	var out []string
	for _, j := range s.jobs {
		if j.running.Load() {
			out = append(out, j.name)
		}
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		log.Warn("job still running, skipping tick", "job", j.name)
		return
	}
	defer j.running.Store(false)

	// Each run gets a deadline of one interval so a stuck job cannot
	// overlap the next tick.
	jctx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()

	s.auditEvent(jctx, j.name, "job.start", nil)
	start := time.Now()
	err := j.run(jctx)
	elapsed := time.Since(start)

	md := map[string]interface{}{"elapsed_ms": elapsed.Milliseconds()}
	if err != nil {
		md["error"] = err.Error()
		jobRuns.WithLabelValues(j.name, "error").Inc()
		log.Error("maintenance job failed", "job", j.name, "elapsed", elapsed, "err", err)
	} else {
		jobRuns.WithLabelValues(j.name, "ok").Inc()
		log.Debug("maintenance job finished", "job", j.name, "elapsed", elapsed)
	}
	s.auditEvent(context.WithoutCancel(jctx), j.name, "job.stop", md)
}

func (s *Scheduler) auditEvent(ctx context.Context, jobName, action string, md map[string]interface{}) {
	row := &storage.AuditRow{
		ID:           uuid.NewString(),
		Action:       action,
		ResourceType: "job",
		ResourceID:   jobName,
		Metadata:     md,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.store.InsertAudit(ctx, row); err != nil {
		log.Error("job audit insert failed", "job", jobName, "err", err)
	}
}
