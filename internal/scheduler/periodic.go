package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a background task run on a fixed interval
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context)
}

// Periodic runs discovery refresh, eviction sweeps and retention jobs. A job still
// running when its next tick fires is skipped for that tick.
type Periodic struct {
	logger  *zap.Logger
	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	running sync.WaitGroup
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(kvFields(keysAndValues), zap.Error(err))...)
}

func kvFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

// NewPeriodic creates a new job runner
func NewPeriodic(logger *zap.Logger) *Periodic {
	logger = logger.Named("periodic")
	cl := &cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Periodic{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (p *Periodic) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInterval, job.Name, job.Interval)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no body", job.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}

	ctx := p.ctx
	p.jobs[job.Name] = job
	p.entries[job.Name] = p.cron.Schedule(cron.Every(job.Interval), cron.FuncJob(func() {
		job.Run(ctx)
	}))

	p.logger.Info("Added periodic job",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval))

	if p.started && job.RunOnStart {
		p.runNow(job)
	}
	return nil
}

// Remove unschedules a job
func (p *Periodic) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entryID, ok := p.entries[name]
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	p.cron.Remove(entryID)
	delete(p.entries, name)
	delete(p.jobs, name)

	p.logger.Info("Removed periodic job", zap.String("job", name))
	return nil
}

// Jobs returns the registered job names in sorted order
func (p *Periodic) Jobs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.jobs))
	for name := range p.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins ticking and runs every RunOnStart job once. Cancelling ctx stops the runner.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	p.started = true

	for _, job := range p.jobs {
		if job.RunOnStart {
			p.runNow(job)
		}
	}
	p.cron.Start()

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.ctx.Done():
		}
	}()

	p.logger.Info("Periodic jobs started", zap.Int("jobs", len(p.jobs)))
	return nil
}

// Stop cancels job contexts and waits for running jobs to return
func (p *Periodic) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	p.running.Wait()
}

// runNow must be called with p.mu held
func (p *Periodic) runNow(job Job) {
	ctx := p.ctx
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Periodic job panicked",
					zap.String("job", job.Name),
					zap.Any("panic", r))
			}
		}()
		job.Run(ctx)
	}()
}
