package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is used when a Sampler is created with interval <= 0.
const DefaultSampleInterval = 5 * time.Second

// Target is the set of servers a Sampler measures.
type Target interface {
	// PIDs maps server name to the root PID of its live process.
	PIDs() map[string]int
	SetResourceUsage(name string, cpuPercent float64, memoryBytes uint64) bool
}

// Sampler periodically measures CPU and resident memory of each server's
// process tree. The launch script is usually a shell that forks the JVM, so
// the root process alone would report almost nothing.
type Sampler struct {
	target   Target
	interval time.Duration

	mu    sync.Mutex
	procs map[int32]*process.Process // kept across ticks so Percent(0) has a baseline

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSampler(t Target, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		target:   t,
		interval: interval,
		procs:    make(map[int32]*process.Process),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce()
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce measures every live server once and pushes the result to the
// target and to the Prometheus gauges.
func (s *Sampler) SampleOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int32]bool)
	for name, pid := range s.target.PIDs() {
		if pid <= 0 {
			continue
		}
		cpu, mem := s.measureTree(int32(pid), seen)
		if s.target.SetResourceUsage(name, cpu, mem) {
			SetResourceUsage(name, cpu, float64(mem))
		}
	}
	for pid := range s.procs {
		if !seen[pid] {
			delete(s.procs, pid)
		}
	}
}

func (s *Sampler) measureTree(root int32, seen map[int32]bool) (float64, uint64) {
	var cpu float64
	var mem uint64
	queue := []int32{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		p, err := s.handle(pid)
		if err != nil {
			slog.Debug("resource sample skipped", "pid", pid, "error", err)
			continue
		}
		if pct, err := p.Percent(0); err == nil {
			cpu += pct
		}
		if mi, err := p.MemoryInfo(); err == nil {
			mem += mi.RSS
		}
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				queue = append(queue, c.Pid)
			}
		}
	}
	return cpu, mem
}

func (s *Sampler) handle(pid int32) (*process.Process, error) {
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}
