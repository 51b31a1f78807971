package status

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// ReadHost samples load average and memory use.
func ReadHost() (*HostInfo, error) {
	avg, err := load.Avg()
	if err != nil {
		return nil, fmt.Errorf("read load average: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	return &HostInfo{
		Load1:          avg.Load1,
		Load5:          avg.Load5,
		Load15:         avg.Load15,
		MemUsedPercent: vm.UsedPercent,
	}, nil
}
