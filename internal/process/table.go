// Package process implements C2, the process table: a pid-keyed view of
// (name, command line, executable path) refreshed from the OS immediately
// before each classification pass.
package process

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Lookuper is the read side of Table that classification depends on,
// letting callers substitute a deterministic fake in tests.
type Lookuper interface {
	Lookup(pid uint32) (Info, bool)
}

// Info is a mutable, OS-derived view of one process.
type Info struct {
	PID         uint32
	Name        string
	CommandLine string
	ExePath     string
}

// Table caches process info across ticks, keyed by pid. Entries are
// invalidated implicitly: Refresh rebuilds the cache wholesale from a
// single OS-level enumeration every call, so a pid that has exited never
// survives past the refresh in which it disappeared.
type Table struct {
	byPID map[uint32]Info
}

// New creates an empty process table.
func New() *Table {
	return &Table{byPID: make(map[uint32]Info)}
}

// NewFromMap builds a Table directly from a pid->Info map, bypassing OS
// enumeration. Used by callers (classifier tests) that need a deterministic
// table without a real process tree to enumerate.
func NewFromMap(infos map[uint32]Info) *Table {
	byPID := make(map[uint32]Info, len(infos))
	for pid, info := range infos {
		byPID[pid] = info
	}
	return &Table{byPID: byPID}
}

// Refresh performs the single OS-level enumeration required before a
// classification pass.
func (t *Table) Refresh(ctx context.Context) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[uint32]Info, len(procs))
	for _, p := range procs {
		pid := uint32(p.Pid)

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process vanished between enumeration and field read
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue // process vanished between enumeration and field read
		}
		exe, err := p.ExeWithContext(ctx)
		if err != nil {
			continue // process vanished between enumeration and field read
		}

		fresh[pid] = Info{
			PID:         pid,
			Name:        name,
			CommandLine: cmdline,
			ExePath:     exe,
		}
	}

	t.byPID = fresh
	return nil
}

// Lookup returns the cached info for pid, and whether it is present — a
// missing entry means the pid vanished before (or during) the last refresh
// and the classifier must skip it for this tick.
func (t *Table) Lookup(pid uint32) (Info, bool) {
	info, ok := t.byPID[pid]
	return info, ok
}

// CommandLineLower is a convenience accessor used by classification rules
// that do case-insensitive substring matching against the command line.
func (i Info) CommandLineLower() string {
	return strings.ToLower(i.CommandLine)
}
