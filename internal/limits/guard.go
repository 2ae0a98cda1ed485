package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// GuardConfig sets the watermarks above which new connections are refused.
type GuardConfig struct {
	CPUWatermark    float64       // percent, 0 disables the CPU check
	MemoryWatermark float64       // percent of MemoryLimit
	MemoryLimit     int64         // bytes, 0 disables the memory check
	MaxConnections  int64         // hard connection cap
	SampleInterval  time.Duration // default 5s
}

// ResourceGuard samples process CPU and heap usage on a ticker and answers
// admission questions from cached values, so the accept path never blocks
// on a measurement.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	conns  *int64 // server's live connection counter, read atomically
	cpuPct atomic.Value
	memPct atomic.Value
}

// NewResourceGuard builds the guard. conns points at the server's live
// connection counter.
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger, conns *int64) *ResourceGuard {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	g := &ResourceGuard{
		cfg:    cfg,
		logger: logger.With().Str("component", "resource_guard").Logger(),
		conns:  conns,
	}
	g.cpuPct.Store(0.0)
	g.memPct.Store(0.0)
	return g
}

// Run samples until ctx is done.
func (g *ResourceGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *ResourceGuard) sample(ctx context.Context) {
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		g.cpuPct.Store(pcts[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if g.cfg.MemoryLimit > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		g.memPct.Store(float64(ms.HeapAlloc) / float64(g.cfg.MemoryLimit) * 100)
	}
}

// ShouldAccept reports whether a new connection may be admitted, and the
// refusal reason when not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if g.cfg.MaxConnections > 0 && atomic.LoadInt64(g.conns) >= g.cfg.MaxConnections {
		return false, "max_connections"
	}
	if g.cfg.CPUWatermark > 0 {
		if pct := g.cpuPct.Load().(float64); pct > g.cfg.CPUWatermark {
			return false, fmt.Sprintf("cpu_%.0f_above_%.0f", pct, g.cfg.CPUWatermark)
		}
	}
	if g.cfg.MemoryLimit > 0 && g.cfg.MemoryWatermark > 0 {
		if pct := g.memPct.Load().(float64); pct > g.cfg.MemoryWatermark {
			return false, fmt.Sprintf("memory_%.0f_above_%.0f", pct, g.cfg.MemoryWatermark)
		}
	}
	return true, ""
}

// CPUPercent returns the last sampled CPU usage.
func (g *ResourceGuard) CPUPercent() float64 {
	return g.cpuPct.Load().(float64)
}
