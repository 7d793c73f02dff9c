package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples CPU and resident memory on a ticker and exports
// them as gauges. Purely observational; it takes no action on the numbers.
type SystemMonitor struct {
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("process handle unavailable, memory gauge disabled")
	}
	return &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		proc:     proc,
	}
}

// Run samples until the context is cancelled. Intended as a goroutine.
func (m *SystemMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		setCPUPercent(percents[0])
	}
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			setMemoryUsedBytes(mi.RSS)
			m.logger.Debug().
				Uint64("rss_bytes", mi.RSS).
				Msg("resource sample")
		}
	}
}
