package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name           string       `json:"name"`
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	LastChecked    time.Time    `json:"last_checked"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}

// HealthCheck represents the overall system health
type HealthCheck struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     time.Duration     `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	Goroutines int               `json:"goroutines"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// HealthMonitor runs the registered checkers periodically and keeps the
// latest result.
type HealthMonitor struct {
	startTime     time.Time
	logger        *utils.Logger
	checkInterval time.Duration

	mu         sync.RWMutex
	components []HealthChecker
	lastCheck  *HealthCheck
}

func NewHealthMonitor(logger *utils.Logger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		startTime:     time.Now(),
		logger:        logger,
		checkInterval: interval,
	}
}

func (hm *HealthMonitor) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.components = append(hm.components, checker)
	hm.mu.Unlock()
	hm.logger.WithField("component", checker.Name()).Info("Health checker registered")
}

// Start checks once, then every interval until ctx is done.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.logger.Info("Starting health monitor")
	hm.Check(ctx)

	ticker := time.NewTicker(hm.checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hm.logger.Info("Health monitor stopped")
				return
			case <-ticker.C:
				hm.Check(ctx)
			}
		}
	}()
}

func (hm *HealthMonitor) GetUptime() time.Duration {
	return time.Since(hm.startTime)
}

func (hm *HealthMonitor) GetLastHealthCheck() *HealthCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.lastCheck
}

// Check runs every checker now. The worst component status wins.
func (hm *HealthMonitor) Check(ctx context.Context) *HealthCheck {
	hm.mu.RLock()
	checkers := append([]HealthChecker(nil), hm.components...)
	hm.mu.RUnlock()

	start := time.Now()
	hc := &HealthCheck{
		Status:     HealthStatusHealthy,
		Timestamp:  start,
		Uptime:     hm.GetUptime(),
		Components: make([]ComponentHealth, 0, len(checkers)),
		Goroutines: runtime.NumGoroutine(),
	}
	for _, checker := range checkers {
		checkStart := time.Now()
		ch := checker.Check(ctx)
		ch.Name = checker.Name()
		ch.ResponseTimeMs = time.Since(checkStart).Milliseconds()
		ch.LastChecked = time.Now()
		hc.Components = append(hc.Components, ch)
		hc.Status = worse(hc.Status, ch.Status)

		if ch.Status != HealthStatusHealthy {
			hm.logger.WithField("component", ch.Name).
				WithField("status", string(ch.Status)).
				WithField("message", ch.Message).
				Warn("Component health issue detected")
		}
	}
	sort.Slice(hc.Components, func(i, j int) bool { return hc.Components[i].Name < hc.Components[j].Name })

	hm.mu.Lock()
	hm.lastCheck = hc
	hm.mu.Unlock()

	hm.logger.WithField("status", string(hc.Status)).
		WithField("components", len(hc.Components)).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Health check completed")
	return hc
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// StatsSource is the task store query the database check runs.
type StatsSource interface {
	Stats() (map[string]int, error)
}

// DatabaseHealthChecker checks that the task store answers queries.
type DatabaseHealthChecker struct {
	Store StatsSource
}

func (d *DatabaseHealthChecker) Name() string {
	return "database"
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) ComponentHealth {
	if d.Store == nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "Task store not initialized"}
	}
	stats, err := d.Store.Stats()
	if err != nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Database query failed: %v", err)}
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d tasks stored", total)}
}

// StorageHealthChecker checks that the download and install directories are
// writable and have room for more games.
type StorageHealthChecker struct {
	Dirs []string
	// MinFreeBytes below which the check reports degraded.
	MinFreeBytes uint64
}

func (s *StorageHealthChecker) Name() string {
	return "storage"
}

func (s *StorageHealthChecker) Check(ctx context.Context) ComponentHealth {
	for _, dir := range s.Dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		if err := os.WriteFile(probe, []byte("health check"), 0644); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Cannot write to %s: %v", dir, err)}
		}
		os.Remove(probe)

		free, err := freeBytes(dir)
		if err != nil {
			return ComponentHealth{Status: HealthStatusDegraded, Message: err.Error()}
		}
		if free < s.MinFreeBytes {
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("Low disk space in %s: %s free", dir, models.FormatBytes(int64(free))),
			}
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "All directories writable"}
}

func freeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// MemoryHealthChecker monitors heap usage.
type MemoryHealthChecker struct {
	DegradedMB  float64
	UnhealthyMB float64
}

func (m *MemoryHealthChecker) Name() string {
	return "memory"
}

func (m *MemoryHealthChecker) Check(ctx context.Context) ComponentHealth {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryMB := float64(mem.Alloc) / 1024 / 1024

	degraded, unhealthy := m.DegradedMB, m.UnhealthyMB
	if degraded == 0 {
		degraded = 500
	}
	if unhealthy == 0 {
		unhealthy = 1000
	}
	switch {
	case memoryMB > unhealthy:
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("High memory usage: %.2fMB", memoryMB)}
	case memoryMB > degraded:
		return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("Elevated memory usage: %.2fMB", memoryMB)}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("Memory usage normal: %.2fMB", memoryMB)}
}
