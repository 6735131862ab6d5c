package gpu

import "testing"

func TestParseDeviceCSV(t *testing.T) {
	out := []byte("0, NVIDIA GeForce RTX 4090, 42, 30, 2048, 8192, 55, 120.50\n" +
		"1, NVIDIA GeForce RTX 4090, 0, 0, 100, 8192, 40, 20.00\n")

	devices, err := parseDeviceCSV(out)
	if err != nil {
		t.Fatalf("parseDeviceCSV: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	d0 := devices[0]
	if d0.Index != 0 || d0.Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("unexpected device 0: %+v", d0)
	}
	if d0.UtilizationGPU != 42 {
		t.Errorf("expected UtilizationGPU=42, got %d", d0.UtilizationGPU)
	}
	if d0.MemoryUsed != 2048*1024*1024 {
		t.Errorf("expected MemoryUsed=2048 MiB in bytes, got %d", d0.MemoryUsed)
	}
	if d0.PowerWatts != 120.50 {
		t.Errorf("expected PowerWatts=120.50, got %f", d0.PowerWatts)
	}
}

func TestParseDeviceCSVRejectsBadFieldCount(t *testing.T) {
	_, err := parseDeviceCSV([]byte("0, NVIDIA, 42\n"))
	if err == nil {
		t.Fatal("expected error for malformed row")
	}
}

func TestParseProcessCSVAssignsToFirstDevice(t *testing.T) {
	devices := []DeviceSnapshot{{Index: 0}, {Index: 1}}
	out := []byte("1234, 512\n5678, 1024\n")

	byGPU := parseProcessCSV(out, devices)
	procs := byGPU[0]
	if len(procs) != 2 {
		t.Fatalf("expected 2 processes assigned to device 0, got %d", len(procs))
	}
	if procs[0].PID != 1234 || procs[0].Bytes != 512*1024*1024 {
		t.Errorf("unexpected process entry: %+v", procs[0])
	}
}

func TestAllPIDsDeduplicates(t *testing.T) {
	snap := &Snapshot{
		Devices: []DeviceSnapshot{
			{Index: 0, Processes: []ProcessMemoryEntry{{PID: 1}, {PID: 2}}},
			{Index: 1, Processes: []ProcessMemoryEntry{{PID: 2}, {PID: 3}}},
		},
	}
	pids := snap.AllPIDs()
	if len(pids) != 3 {
		t.Fatalf("expected 3 unique pids, got %d (%v)", len(pids), pids)
	}
}
