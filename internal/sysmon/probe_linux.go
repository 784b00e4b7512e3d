//go:build linux

package sysmon

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// New returns the /proc-backed probe.
func New() Probe { return &procProbe{} }

type procProbe struct{}

func (p *procProbe) Sample() (Sample, error) {
	load, err := readLoad1("/proc/loadavg")
	if err != nil {
		return Sample{}, err
	}
	freePct, err := readFreeMemoryPct("/proc/meminfo")
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Load1PerCore:  load / cpuCount(),
		FreeMemoryPct: freePct,
		At:            time.Now(),
	}, nil
}

func readLoad1(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, fmt.Errorf("sysmon: malformed %s", path)
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readFreeMemoryPct(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availKB float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoKB(line)
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if totalKB <= 0 {
		return 0, fmt.Errorf("sysmon: MemTotal missing in %s", path)
	}
	return availKB / totalKB * 100, nil
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}
