package telemetry

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/convoy-sh/convoy/pkg/api"
)

// CollectHostStats samples host-level usage. Probes that fail leave their
// fields zero rather than failing the snapshot.
func CollectHostStats() api.HostStats {
	var out api.HostStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		out.DiskPercent = du.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		out.Hostname = info.Hostname
		out.OS = info.OS
		out.UptimeSeconds = info.Uptime
	}
	return out
}
