package gpu

import (
	"context"
	"fmt"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlBackend is the primary strategy: a direct binding to the NVML library.
type nvmlBackend struct{}

func newNVMLBackend() (*nvmlBackend, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml.Init: %v", nvml.ErrorString(ret))
	}
	return &nvmlBackend{}, nil
}

func (b *nvmlBackend) Close() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml.Shutdown: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (b *nvmlBackend) Poll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Timestamp: time.Now()}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, &PollTransientError{Cause: fmt.Errorf("DeviceGetCount: %v", nvml.ErrorString(ret))}
	}

	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		snap.Devices = append(snap.Devices, b.collectDevice(i, device))
	}

	if len(snap.Devices) == 0 {
		return nil, &PollTransientError{Cause: fmt.Errorf("no GPU devices returned a valid handle")}
	}

	return snap, nil
}

func (b *nvmlBackend) collectDevice(index int, device nvml.Device) DeviceSnapshot {
	di := DeviceSnapshot{Index: index}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		di.Name = name
	}
	if memInfo, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		di.MemoryUsed = memInfo.Used
		di.MemoryTotal = memInfo.Total
	}
	if utilRates, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		di.UtilizationGPU = utilRates.Gpu
		di.UtilizationMem = utilRates.Memory
	}
	// GetPowerUsage returns milliwatts.
	if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		di.PowerWatts = float64(power) / 1000.0
	}
	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		di.TemperatureC = temp
	}

	di.Processes = b.collectProcesses(index, device)
	return di
}

func (b *nvmlBackend) collectProcesses(gpuIndex int, device nvml.Device) []ProcessMemoryEntry {
	procs, ret := device.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		procs = nil
	}
	if gfx, ret := device.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
		procs = append(procs, gfx...)
	}
	if len(procs) == 0 {
		return nil
	}

	// A process with both a compute and a graphics context is listed
	// twice; keep its first entry only.
	seen := make(map[uint32]bool, len(procs))
	entries := make([]ProcessMemoryEntry, 0, len(procs))
	for _, p := range procs {
		if seen[p.Pid] {
			continue
		}
		seen[p.Pid] = true
		entries = append(entries, ProcessMemoryEntry{PID: p.Pid, Bytes: p.UsedGpuMemory})
	}
	return entries
}
