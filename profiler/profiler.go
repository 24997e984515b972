// Package profiler - Runtime sampling for detection pipelines.
package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Options configures the runtime profiler.
type Options struct {
	// ReportInterval specifies how often to emit status reports (default: 10s)
	ReportInterval time.Duration
	// SampleInterval specifies how often to collect samples (default: 100ms)
	SampleInterval time.Duration
	// MaxSamples specifies maximum number of samples to keep (default: 600)
	MaxSamples int
}

// Profiler tracks system resources and operation timings while a detection
// pipeline runs. It is safe for concurrent use.
type Profiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	memStats   runtime.MemStats
	samples    []sample
	operations map[string]*timeTracker
}

// sample is one point-in-time system snapshot.
type sample struct {
	timestamp  time.Time
	goroutines int
	heapAlloc  uint64
}

// timeTracker accumulates timing statistics for one named operation.
type timeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// New creates a runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *Profiler: A configured profiler instance.
func New(opts Options) *Profiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Profiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		samples:        make([]sample, 0, opts.MaxSamples),
		operations:     make(map[string]*timeTracker),
	}
}

// Start begins sampling and periodic reporting. Calling Start on a running
// profiler is a no-op.
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.startTime = time.Now()

	p.wg.Add(1)
	go p.sampleLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop gracefully stops the profiler and waits for its goroutines.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.recordOperation(name, time.Since(start))
	}
}

// recordOperation folds one completed duration into the named tracker.
func (p *Profiler) recordOperation(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &timeTracker{
			minTime: duration,
			maxTime: duration,
		}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// sampleLoop collects goroutine and heap snapshots until the profiler stops.
func (p *Profiler) sampleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			runtime.ReadMemStats(&p.memStats)
			p.samples = append(p.samples, sample{
				timestamp:  time.Now(),
				goroutines: runtime.NumGoroutine(),
				heapAlloc:  p.memStats.HeapAlloc,
			})
			if len(p.samples) > p.maxSamples {
				p.samples = p.samples[1:]
			}
			p.mu.Unlock()
		}
	}
}

// Report prints a status report with memory usage and operation timings.
func (p *Profiler) Report() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	uptime := time.Since(p.startTime)

	fmt.Printf("PROFILER STATUS - %s\n", time.Now().Format("15:04:05.000"))
	fmt.Printf("Uptime: %v | Goroutines: %d\n", uptime.Truncate(time.Millisecond), runtime.NumGoroutine())

	fmt.Printf("Memory: alloc=%s heap=%s sys=%s gc=%d\n",
		formatBytes(p.memStats.Alloc),
		formatBytes(p.memStats.HeapAlloc),
		formatBytes(p.memStats.Sys),
		p.memStats.NumGC)

	if len(p.operations) > 0 {
		fmt.Printf("Operations:\n")
		for name, tracker := range p.operations {
			if len(tracker.durations) == 0 {
				continue
			}
			avg := tracker.totalTime / time.Duration(len(tracker.durations))
			fmt.Printf("  %s: avg=%v min=%v max=%v count=%d\n",
				name, avg.Truncate(time.Microsecond),
				tracker.minTime.Truncate(time.Microsecond),
				tracker.maxTime.Truncate(time.Microsecond),
				tracker.count)
		}
	}
}

// Stats returns a snapshot of the current profiling statistics.
//
// Returns:
//   - map[string]interface{}: Current system and operation statistics.
func (p *Profiler) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	runtime.ReadMemStats(&p.memStats)

	stats := map[string]interface{}{
		"uptime":     time.Since(p.startTime),
		"goroutines": runtime.NumGoroutine(),
		"heap_alloc": p.memStats.HeapAlloc,
		"gc_cycles":  p.memStats.NumGC,
	}

	for name, tracker := range p.operations {
		if len(tracker.durations) == 0 {
			continue
		}
		avg := tracker.totalTime / time.Duration(len(tracker.durations))
		stats["op_"+name+"_avg_ms"] = float64(avg.Nanoseconds()) / 1e6
		stats["op_"+name+"_count"] = tracker.count
	}
	return stats
}

// formatBytes formats byte counts in human-readable form.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
