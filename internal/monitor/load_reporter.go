package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

// Sampler returns the current CPU utilisation as a fraction in [0, 1]
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// CPUSampler measures system-wide CPU usage over Window
type CPUSampler struct {
	Window time.Duration
}

// Sample implements Sampler
func (s CPUSampler) Sample(ctx context.Context) (float64, error) {
	window := s.Window
	if window <= 0 {
		window = time.Second
	}

	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("failed to get CPU usage: empty sample")
	}
	return clampLoad(percents[0] / 100), nil
}

// LoadReporter samples local load on a fixed interval and fans each sample out to subscribers
type LoadReporter struct {
	logger    *zap.Logger
	nodeID    string
	sampler   Sampler
	interval  time.Duration
	metrics   *Metrics
	mu        sync.RWMutex
	latest    model.LoadSample
	listeners []func(model.LoadSample)
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewLoadReporter creates a new load reporter
func NewLoadReporter(nodeID string, sampler Sampler, interval time.Duration, metrics *Metrics, logger *zap.Logger) *LoadReporter {
	return &LoadReporter{
		logger:   logger.Named("load-reporter"),
		nodeID:   nodeID,
		sampler:  sampler,
		interval: interval,
		metrics:  metrics,
		latest:   model.LoadSample{NodeID: nodeID},
		stop:     make(chan struct{}),
	}
}

// Start takes a first sample and starts the sampling loop
func (r *LoadReporter) Start(ctx context.Context) error {
	r.logger.Info("Starting load reporter", zap.Duration("interval", r.interval))

	if _, err := r.Sample(ctx); err != nil {
		r.logger.Warn("Initial load sample failed", zap.Error(err))
	}

	go r.sampleLoop(ctx)
	return nil
}

// Stop stops the sampling loop
func (r *LoadReporter) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping load reporter")
		close(r.stop)
	})
}

// Subscribe registers fn to be called after every successful sample
func (r *LoadReporter) Subscribe(fn func(model.LoadSample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Current returns the most recent load fraction
func (r *LoadReporter) Current() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest.Load
}

// Latest returns the most recent sample
func (r *LoadReporter) Latest() model.LoadSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Sample takes one reading, bounded by the sampling interval
func (r *LoadReporter) Sample(ctx context.Context) (model.LoadSample, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, r.interval+time.Second)
	defer cancel()

	load, err := r.sampler.Sample(sampleCtx)
	if err != nil {
		return model.LoadSample{}, err
	}

	sample := model.LoadSample{
		NodeID:    r.nodeID,
		Load:      clampLoad(load),
		SampledAt: time.Now(),
	}

	r.mu.Lock()
	r.latest = sample
	listeners := make([]func(model.LoadSample), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.metrics.SetLocalLoad(sample.Load)
	for _, fn := range listeners {
		fn(sample)
	}

	r.logger.Debug("Load sampled", zap.Float64("load", sample.Load))
	return sample, nil
}

func (r *LoadReporter) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.Sample(ctx); err != nil {
				r.logger.Error("Failed to sample load", zap.Error(err))
			}
		}
	}
}

func clampLoad(load float64) float64 {
	switch {
	case load < 0:
		return 0
	case load > 1:
		return 1
	default:
		return load
	}
}
