// Package health samples host-level metrics for the reducer's periodic
// self-check.
package health

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

type Status struct {
	Load1  float64
	Load5  float64
	Load15 float64
	NCPU   int

	RAMTotal uint64
	RAMUsed  uint64
	RAMFree  uint64

	DiskTotal uint64
	DiskFree  uint64
}

// GiB converts a byte count to gibibytes for compact log lines.
func GiB(b uint64) float64 {
	return float64(b) / (1 << 30)
}

func Collect() (*Status, error) {
	avg, err := load.Avg()
	if err != nil {
		return nil, fmt.Errorf("load avg: %w", err)
	}
	ncpu, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("cpu count: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	du, err := disk.Usage("/")
	if err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}

	return &Status{
		Load1:  avg.Load1,
		Load5:  avg.Load5,
		Load15: avg.Load15,
		NCPU:   ncpu,

		RAMTotal: vm.Total,
		RAMUsed:  vm.Used,
		RAMFree:  vm.Available,

		DiskTotal: du.Total,
		DiskFree:  du.Free,
	}, nil
}
