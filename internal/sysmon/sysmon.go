// Package sysmon probes host load and memory so the daemon can defer work
// when the machine is already busy.
package sysmon

import (
	"runtime"
	"time"
)

// Sample is one observation of host pressure.
type Sample struct {
	// Load1PerCore is the 1-minute load average divided by CPU count.
	Load1PerCore float64 `json:"load1_per_core"`
	// FreeMemoryPct is available memory as a percentage of total.
	FreeMemoryPct float64   `json:"free_memory_pct"`
	At            time.Time `json:"at"`
}

// Thresholds gate admission. Zero values disable the corresponding check.
type Thresholds struct {
	// MaxLoadPerCore rejects when Load1PerCore exceeds it (e.g. 0.9).
	MaxLoadPerCore float64
	// MinFreeMemoryPct rejects when FreeMemoryPct drops below it (e.g. 10).
	MinFreeMemoryPct float64
}

// Probe reads host metrics. The default implementation reads /proc on linux
// and reports no pressure elsewhere.
type Probe interface {
	Sample() (Sample, error)
}

// Check reports whether s passes t, and a short reason when it does not.
func Check(s Sample, t Thresholds) (ok bool, reason string) {
	if t.MaxLoadPerCore > 0 && s.Load1PerCore > t.MaxLoadPerCore {
		return false, "cpu_load"
	}
	if t.MinFreeMemoryPct > 0 && s.FreeMemoryPct < t.MinFreeMemoryPct {
		return false, "low_memory"
	}
	return true, ""
}

func cpuCount() float64 {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return float64(n)
}
