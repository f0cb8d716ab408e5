// Package pool is the bounded Worker Pool (spec.md §4.5 C5): a fixed
// number of slots dispatching documents to the Stage Engine, with a
// memory-reactive resource governor adjusting max_parallel between a
// floor and a hard cap.
//
// Grounded on golang.org/x/sync/semaphore (already an indirect teacher
// dependency, promoted to direct here for the pool's admission control)
// and shirou/gopsutil/v3 (new direct dependency: the ecosystem-standard
// cross-platform memory/CPU sampler — no pack example ships one, and
// hand-rolling /proc/meminfo parsing would be the stdlib-only path the
// task steers away from; see DESIGN.md).
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"
)

// Sample is the ResourceSampler abstraction of spec.md §6.
type Sample struct {
	MemoryPercent float64
	MemoryUsedGB  float64
	MemoryTotalGB float64
	CPUPercent    float64
}

// Sampler produces resource samples. GopsutilSampler is the real
// implementation; tests substitute a synthetic one.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type GopsutilSampler struct{}

func (GopsutilSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	return Sample{
		MemoryPercent: vm.UsedPercent / 100.0,
		MemoryUsedGB:  float64(vm.Used) / (1 << 30),
		MemoryTotalGB: float64(vm.Total) / (1 << 30),
		CPUPercent:    cpuPct,
	}, nil
}

// Task is one unit of work dispatched to a slot.
type Task func(ctx context.Context) error

// Stats is the accounting the pool publishes for the progress snapshot
// (spec.md §4.5, §4.6).
type Stats struct {
	CurrentWorkers  int
	QueueDepth      int
	ThrottleDelay   time.Duration
	AdjustmentCount int
	MaxParallel     int
	MemoryPercent   float64
	MemoryUsedGB    float64
	MemoryTotalGB   float64
	CPUPercent      float64
}

// Pool is the bounded worker pool with a reactive governor.
type Pool struct {
	sem     *semaphore.Weighted
	sampler Sampler

	floor    int64
	cap      int64
	highPct  float64
	lowPct   float64
	interval time.Duration

	maxParallel   atomic.Int64
	active        atomic.Int64
	throttleDelay atomic.Int64 // nanoseconds
	adjustments   atomic.Int64

	mu         sync.Mutex
	lastSample Sample
	log        *slog.Logger
}

// Config carries the governor's tunables (spec.md §6).
type Config struct {
	InitialMaxParallel int
	HardCap            int
	Floor              int
	HighPercent        float64
	LowPercent         float64
	SampleInterval     time.Duration
}

func New(cfg Config, sampler Sampler, log *slog.Logger) *Pool {
	if cfg.Floor <= 0 {
		cfg.Floor = 1
	}
	p := &Pool{
		sem:      semaphore.NewWeighted(int64(cfg.HardCap)),
		sampler:  sampler,
		floor:    int64(cfg.Floor),
		cap:      int64(cfg.HardCap),
		highPct:  cfg.HighPercent,
		lowPct:   cfg.LowPercent,
		interval: cfg.SampleInterval,
		log:      log,
	}
	p.maxParallel.Store(int64(cfg.InitialMaxParallel))
	return p
}

// Dispatch blocks until a slot is free (respecting the current
// max_parallel, never the hard cap directly) then runs task in its own
// goroutine. It waits out any throttle delay, acquires a weighted
// semaphore permit, then polls until fewer than max_parallel tasks are
// in flight; it returns once the task is started, never waiting for the
// task itself to finish.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	if d := time.Duration(p.throttleDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	// The semaphore is sized to the hard cap so a governor step-down
	// never has to forcibly evict an in-flight task; max_parallel is
	// the softer, reactive ceiling enforced here. CAS admission keeps
	// two waiters from both slipping past the same free slot.
	for {
		cur := p.active.Load()
		if cur < p.maxParallel.Load() {
			if p.active.CompareAndSwap(cur, cur+1) {
				break
			}
			continue
		}
		select {
		case <-ctx.Done():
			p.sem.Release(1)
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	go func() {
		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
			if r := recover(); r != nil {
				p.log.Error("pool: task panicked", "recover", r)
			}
		}()
		if err := task(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("pool: task returned error", "error", err)
		}
	}()
	return nil
}

// CurrentWorkers is the number of in-flight tasks.
func (p *Pool) CurrentWorkers() int { return int(p.active.Load()) }

// MaxParallel is the current reactive ceiling (<= hard cap).
func (p *Pool) MaxParallel() int { return int(p.maxParallel.Load()) }

// Stats returns the pool's current accounting for the progress snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := p.lastSample
	p.mu.Unlock()
	return Stats{
		CurrentWorkers:  p.CurrentWorkers(),
		ThrottleDelay:   time.Duration(p.throttleDelay.Load()),
		AdjustmentCount: int(p.adjustments.Load()),
		MaxParallel:     p.MaxParallel(),
		MemoryPercent:   s.MemoryPercent,
		MemoryUsedGB:    s.MemoryUsedGB,
		MemoryTotalGB:   s.MemoryTotalGB,
		CPUPercent:      s.CPUPercent,
	}
}

// RunGovernor samples resources every interval and reactively adjusts
// max_parallel and throttle_delay per §4.5: decrement toward the floor
// while above HIGH, increment toward the cap once back at/below LOW,
// at most one step per interval (monotonic, no thrashing).
func (p *Pool) RunGovernor(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	throttling := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := p.sampler.Sample(ctx)
			if err != nil {
				p.log.Warn("pool: sample failed", "error", err)
				continue
			}
			p.mu.Lock()
			p.lastSample = sample
			p.mu.Unlock()

			current := p.maxParallel.Load()
			switch {
			case sample.MemoryPercent >= p.highPct:
				throttling = true
				p.throttleDelay.Store(int64(100 * time.Millisecond))
				if current > p.floor {
					p.maxParallel.Store(current - 1)
					p.adjustments.Add(1)
				}
			case sample.MemoryPercent <= p.lowPct && throttling:
				if current < p.cap {
					p.maxParallel.Store(current + 1)
					p.adjustments.Add(1)
				}
				if current+1 >= p.cap {
					throttling = false
					p.throttleDelay.Store(0)
				}
			}
		}
	}
}
