// Package gpu implements the C1 GPU Backend: a poll() operation producing a
// snapshot of every device's telemetry plus per-process memory use, backed
// by either the NVML library binding or a CLI-parsing fallback.
package gpu

import "time"

// ProcessMemoryEntry is one process's GPU memory footprint on one device.
type ProcessMemoryEntry struct {
	PID   uint32
	Bytes uint64
}

// DeviceSnapshot is one physical GPU's counters at one instant.
type DeviceSnapshot struct {
	Index           int
	Name            string
	UtilizationGPU  uint32 // percent 0-100
	UtilizationMem  uint32 // percent 0-100
	MemoryUsed      uint64 // bytes
	MemoryTotal     uint64 // bytes
	TemperatureC    uint32
	PowerWatts      float64
	Processes       []ProcessMemoryEntry
}

// Snapshot is the result of one poll() call across all devices.
type Snapshot struct {
	Timestamp time.Time
	Devices   []DeviceSnapshot
	// Stale is true when this snapshot is a repeat of the previous one,
	// returned because the backend hit a transient failure this tick and
	// the previous snapshot is being reported again with this flag set.
	Stale bool
}

// AllPIDs returns the union of pids holding memory across all devices in
// the snapshot, deduplicated — this is the classifier's per-tick worklist.
func (s *Snapshot) AllPIDs() []uint32 {
	seen := make(map[uint32]bool)
	var pids []uint32
	for _, d := range s.Devices {
		for _, p := range d.Processes {
			if !seen[p.PID] {
				seen[p.PID] = true
				pids = append(pids, p.PID)
			}
		}
	}
	return pids
}
