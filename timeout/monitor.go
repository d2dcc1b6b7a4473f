// Package timeout turns historical execution data and live system load
// into concrete deadlines. The estimate is advisory: it bounds the
// combined drain-and-wait operation but enforces nothing by itself.
package timeout

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// Load is a point-in-time sample of system utilization. GPUPct is only
// meaningful when HasGPU is set.
type Load struct {
	CPUPct float64
	GPUPct float64
	HasGPU bool
}

// Monitor samples system load on demand.
type Monitor interface {
	SampleLoad(ctx context.Context) (Load, error)
}

// SystemMonitor reads CPU utilization from the host and GPU utilization
// from nvidia-smi when present.
type SystemMonitor struct {
	log *zap.SugaredLogger
}

func NewSystemMonitor(log *zap.SugaredLogger) *SystemMonitor {
	return &SystemMonitor{log: log.Named("resource_monitor")}
}

func (m *SystemMonitor) SampleLoad(ctx context.Context) (Load, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, err
	}
	load := Load{}
	if len(pcts) > 0 {
		load.CPUPct = pcts[0]
	}
	if gpu, ok := m.sampleGPU(ctx); ok {
		load.GPUPct = gpu
		load.HasGPU = true
	}
	return load, nil
}

// sampleGPU shells out to nvidia-smi. Hosts without it report no GPU.
func (m *SystemMonitor) sampleGPU(ctx context.Context) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		m.log.Debugf("could not sample GPU usage: %s", err)
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		m.log.Debugf("unparseable nvidia-smi output: %s", err)
		return 0, false
	}
	return v, true
}
