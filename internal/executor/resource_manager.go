package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

var (
	// ErrAtCapacity is returned when the worker already runs MaxTasks tasks
	ErrAtCapacity = errors.New("worker at task capacity")
	// ErrOverloaded is returned when host usage is above the configured limits
	ErrOverloaded = errors.New("host resources above limit")
)

// ResourceLimits bounds what a worker accepts. Percent limits of zero are
// not enforced.
type ResourceLimits struct {
	MaxCPU    float64
	MaxMemory float64
	MaxTasks  int
}

// ResourceStats is the last host sample plus the number of running tasks
type ResourceStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	TaskCount   int       `json:"task_count"`
	CollectedAt time.Time `json:"collected_at"`
}

// Sampler reads host CPU and memory usage in percent
type Sampler func() (cpuPercent, memPercent float64, err error)

// HostSampler samples the host through gopsutil
func HostSampler() (float64, float64, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get CPU usage")
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory usage")
	}

	var c float64
	if len(cpuPercent) > 0 {
		c = cpuPercent[0]
	}
	return c, vm.UsedPercent, nil
}

// ResourceManager decides whether a worker may take another task
type ResourceManager struct {
	logger *zap.Logger
	limits ResourceLimits
	sample Sampler

	mu     sync.Mutex
	active int
	stats  ResourceStats
}

// NewResourceManager creates a resource manager. A nil sampler uses the host.
func NewResourceManager(limits ResourceLimits, sample Sampler, logger *zap.Logger) *ResourceManager {
	if limits.MaxTasks <= 0 {
		limits.MaxTasks = 1
	}
	if sample == nil {
		sample = HostSampler
	}
	return &ResourceManager{
		logger: logger.Named("resource-manager"),
		limits: limits,
		sample: sample,
	}
}

// Admit reserves a task slot. The returned release func frees it and is
// safe to call more than once.
func (rm *ResourceManager) Admit() (func(), error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.active >= rm.limits.MaxTasks {
		return nil, ErrAtCapacity
	}
	if rm.limits.MaxCPU > 0 && rm.stats.CPUUsage > rm.limits.MaxCPU {
		return nil, errors.Wrapf(ErrOverloaded, "cpu %.1f%% > %.1f%%", rm.stats.CPUUsage, rm.limits.MaxCPU)
	}
	if rm.limits.MaxMemory > 0 && rm.stats.MemoryUsage > rm.limits.MaxMemory {
		return nil, errors.Wrapf(ErrOverloaded, "memory %.1f%% > %.1f%%", rm.stats.MemoryUsage, rm.limits.MaxMemory)
	}

	rm.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			rm.mu.Lock()
			rm.active--
			rm.mu.Unlock()
		})
	}, nil
}

// Refresh takes a new host sample
func (rm *ResourceManager) Refresh() error {
	c, m, err := rm.sample()
	if err != nil {
		return err
	}

	rm.mu.Lock()
	rm.stats.CPUUsage = c
	rm.stats.MemoryUsage = m
	rm.stats.CollectedAt = time.Now().UTC()
	rm.mu.Unlock()
	return nil
}

// Stats returns the last sample and the running task count
func (rm *ResourceManager) Stats() ResourceStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	s := rm.stats
	s.TaskCount = rm.active
	return s
}

// Run samples the host every interval until ctx is done
func (rm *ResourceManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rm.Refresh(); err != nil {
				rm.logger.Error("Failed to sample host resources", zap.Error(err))
			}
		}
	}
}
