package gpu

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// cliTimeout bounds every nvidia-smi invocation. A hung driver must not
// wedge more than one tick.
const cliTimeout = 5 * time.Second

// smiQueryFields is the pinned, compile-time-constant column order for the
// device query. Pinning the field list (rather than parsing the CSV header)
// means a driver upgrade that reorders --help-query-gpu output can't
// silently scramble our columns.
var smiQueryFields = []string{
	"index", "name", "utilization.gpu", "utilization.memory",
	"memory.used", "memory.total", "temperature.gpu", "power.draw",
}

// smiProcessFields is the pinned column order for the per-process query.
var smiProcessFields = []string{"pid", "used_memory"}

// cliBackend is the fallback strategy: shells out to nvidia-smi once per
// poll with a pinned --query-gpu format, plus a second pinned
// --query-compute-apps invocation for the per-process memory list.
type cliBackend struct {
	binPath string
	last    *Snapshot
}

func newCLIBackend(ctx context.Context) (*cliBackend, error) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi not found in PATH: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()
	if _, err := runSMI(probeCtx, path, deviceQueryArgs()); err != nil {
		return nil, fmt.Errorf("nvidia-smi probe failed: %w", err)
	}

	return &cliBackend{binPath: path}, nil
}

func (b *cliBackend) Close() error { return nil }

func deviceQueryArgs() []string {
	return []string{
		"--query-gpu=" + strings.Join(smiQueryFields, ","),
		"--format=csv,noheader,nounits",
	}
}

func processQueryArgs() []string {
	return []string{
		"--query-compute-apps=" + strings.Join(smiProcessFields, ","),
		"--format=csv,noheader,nounits",
	}
}

func runSMI(ctx context.Context, binPath string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// bounded stderr noise is tolerated; only the error itself matters.
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, fmt.Errorf("nvidia-smi %v: %w (%s)", args, err, msg)
	}
	return stdout.Bytes(), nil
}

func (b *cliBackend) Poll(ctx context.Context) (*Snapshot, error) {
	pollCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	out, err := runSMI(pollCtx, b.binPath, deviceQueryArgs())
	if err != nil {
		// Transient nonzero exit: report the previous snapshot, flagged stale.
		if b.last != nil {
			stale := *b.last
			stale.Stale = true
			return &stale, nil
		}
		return nil, &PollTransientError{Cause: err}
	}

	devices, err := parseDeviceCSV(out)
	if err != nil {
		return nil, &PollTransientError{Cause: err}
	}

	procCtx, procCancel := context.WithTimeout(ctx, cliTimeout)
	defer procCancel()
	procOut, err := runSMI(procCtx, b.binPath, processQueryArgs())
	var byGPU map[int][]ProcessMemoryEntry
	if err == nil {
		// The compute-apps query carries no device column, so every
		// reported process is attributed to the first listed device, on
		// single- and multi-GPU hosts alike.
		byGPU = parseProcessCSV(procOut, devices)
	}

	snap := &Snapshot{Timestamp: time.Now(), Devices: devices}
	for i := range snap.Devices {
		snap.Devices[i].Processes = byGPU[snap.Devices[i].Index]
	}

	b.last = snap
	return snap, nil
}

func parseDeviceCSV(out []byte) ([]DeviceSnapshot, error) {
	lines := splitNonEmptyLines(out)
	if len(lines) == 0 {
		return nil, fmt.Errorf("nvidia-smi returned no device rows")
	}

	devices := make([]DeviceSnapshot, 0, len(lines))
	for _, line := range lines {
		fields := splitCSVFields(line)
		if len(fields) != len(smiQueryFields) {
			return nil, fmt.Errorf("unexpected field count %d (want %d) in line %q", len(fields), len(smiQueryFields), line)
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parsing index: %w", err)
		}
		d := DeviceSnapshot{
			Index:          idx,
			Name:           fields[1],
			UtilizationGPU: parseUintField(fields[2]),
			UtilizationMem: parseUintField(fields[3]),
			MemoryUsed:     parseUintField64(fields[4]) * 1024 * 1024, // MiB -> bytes
			MemoryTotal:    parseUintField64(fields[5]) * 1024 * 1024,
			TemperatureC:   parseUintField(fields[6]),
			PowerWatts:     parseFloatField(fields[7]),
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func parseProcessCSV(out []byte, devices []DeviceSnapshot) map[int][]ProcessMemoryEntry {
	result := make(map[int][]ProcessMemoryEntry)
	if len(devices) == 0 {
		return result
	}

	for _, line := range splitNonEmptyLines(out) {
		fields := splitCSVFields(line)
		if len(fields) != len(smiProcessFields) {
			continue
		}
		pid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		memMiB := parseUintField64(fields[1])

		// The fallback's compute-apps query is not device-scoped on most
		// driver versions; attribute every process to device 0, the
		// documented limitation of the CLI strategy versus the NVML
		// strategy's per-device GetComputeRunningProcesses.
		gpu := devices[0].Index
		result[gpu] = append(result[gpu], ProcessMemoryEntry{
			PID:   uint32(pid),
			Bytes: memMiB * 1024 * 1024,
		})
	}
	return result
}

func splitNonEmptyLines(out []byte) []string {
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitCSVFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseUintField(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

func parseUintField64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseFloatField(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
