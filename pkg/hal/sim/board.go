package sim

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// BoardInfo describes the host the simulated board runs on
type BoardInfo struct {
	CPUModel     string `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads" yaml:"cpu_threads"`
	RAMTotal     uint64 `json:"ram_total_bytes" yaml:"ram_total_bytes"`
	OS           string `json:"os" yaml:"os"`
	Architecture string `json:"architecture" yaml:"architecture"`
}

// probeHost fills BoardInfo best-effort; unknown values stay zero
func probeHost() BoardInfo {
	info := BoardInfo{
		CPUModel:     "Unknown",
		CPUThreads:   runtime.NumCPU(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUThreads = n
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		info.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.RAMTotal = vm.Total
	}
	return info
}

// FormatRAM renders a byte count as GB
func FormatRAM(bytes uint64) string {
	gb := float64(bytes) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%.1f GB", gb)
}
