// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

const defaultDiagnosticsInterval = 5 * time.Minute

// processSnapshot captures one live process's resource usage for the
// periodic diagnostics log line.
type processSnapshot struct {
	ID        byte    `json:"id"`
	Pid       int     `json:"pid"`
	CPUPct    float64 `json:"cpu_pct,omitempty"`
	RSSBytes  uint64  `json:"rss_bytes,omitempty"`
	CtrlFill  int     `json:"ctrl_ring_bytes"`
	StdinFill int     `json:"stdin_ring_bytes"`
}

// Diagnostics periodically logs per-process resource usage (CPU%, RSS)
// and ring fill levels; no host-wide figures are collected. It is purely
// observational: nothing it reads ever feeds back into protocol dispatch.
// Its own report line is rate-limited (golang.org/x/time/rate, reusing the
// teacher's ThrottledWriter rationale); the per-command log lines emitted
// by dispatch are not limited.
type Diagnostics struct {
	table    *ProcessTable
	logger   *slog.Logger
	interval time.Duration
	limiter  *rate.Limiter
}

// NewDiagnostics builds a Diagnostics reporter. interval <= 0 selects
// defaultDiagnosticsInterval.
func NewDiagnostics(table *ProcessTable, logger *slog.Logger, interval time.Duration) *Diagnostics {
	if interval <= 0 {
		interval = defaultDiagnosticsInterval
	}
	return &Diagnostics{
		table:    table,
		logger:   logger,
		interval: interval,
		// One log line per interval is the expected rate; the limiter
		// exists purely to cap pathological bursts if report() is ever
		// invoked out of band (e.g. future SIGUSR1 hook), not to throttle
		// the steady-state ticker.
		limiter: rate.NewLimiter(rate.Every(interval/2), 2),
	}
}

// Run blocks, emitting a diagnostics snapshot every interval until ctx is
// cancelled.
func (d *Diagnostics) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.report(ctx)
		}
	}
}

func (d *Diagnostics) report(ctx context.Context) {
	if !d.limiter.Allow() {
		return
	}

	procs := d.table.All()
	snapshots := make([]processSnapshot, 0, len(procs))
	for _, p := range procs {
		snap := processSnapshot{
			ID:        p.ID,
			Pid:       p.Pid,
			CtrlFill:  p.Ctrl.ring.Len(),
			StdinFill: p.Stdin.ring.Len(),
		}
		if p.Pid != 0 {
			if gp, err := gopsprocess.NewProcess(int32(p.Pid)); err == nil {
				if cpu, err := gp.CPUPercentWithContext(ctx); err == nil {
					snap.CPUPct = cpu
				}
				if mem, err := gp.MemoryInfoWithContext(ctx); err == nil && mem != nil {
					snap.RSSBytes = mem.RSS
				}
			}
		}
		snapshots = append(snapshots, snap)
	}

	snapshotJSON, _ := json.Marshal(snapshots)
	d.logger.Info("daemon diagnostics",
		"processes_total", len(procs),
		"processes", json.RawMessage(snapshotJSON),
	)
}
