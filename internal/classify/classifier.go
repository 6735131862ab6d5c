// Package classify implements C3: assigning each GPU-resident process one
// of {Gaming, LLM, MLTraining, GeneralCompute} from process-table
// enrichment plus GPU utilization, in strict rule priority order.
package classify

import (
	"sort"
	"time"

	"github.com/affinode/gpumonitord/internal/gpu"
	"github.com/affinode/gpumonitord/internal/process"
)

type residencyKey struct {
	pid      uint32
	category Category
}

// absenceEvictThreshold is the number of consecutive ticks a pid may be
// absent from GPU-resident process lists before its tracked state (first
// seen, category residency) is evicted.
const absenceEvictThreshold = 2

// Classifier assigns categories and tracks per-(pid,category) residency
// durations across ticks.
type Classifier struct {
	rules Rules

	// residency holds first_seen per (pid, category); duration_secs is
	// `now - residency[key]` and resets whenever the key changes (pid
	// disappears or category changes), since a changed category gets a
	// fresh key with first_seen = now.
	residency map[residencyKey]time.Time

	// firstSeenProcess is the process-level residency clock (independent
	// of category) used by the heavy-memory ML-training heuristic, which
	// cares how long the *process* has held memory, not how long it has
	// held a particular category.
	firstSeenProcess map[uint32]time.Time

	// lastCategory is the category each pid was assigned on its previous
	// tick. When a pid's category changes, the residency entry for its old
	// category is dropped so a later revert back to that category starts
	// a fresh clock instead of resuming the stale one.
	lastCategory map[uint32]Category

	// absences counts consecutive ticks a pid was not GPU-resident.
	absences map[uint32]int
}

// New creates a Classifier with the given rule set.
func New(rules Rules) *Classifier {
	return &Classifier{
		rules:            rules,
		residency:        make(map[residencyKey]time.Time),
		firstSeenProcess: make(map[uint32]time.Time),
		lastCategory:     make(map[uint32]Category),
		absences:         make(map[uint32]int),
	}
}

type pidAggregate struct {
	bytes   uint64
	maxUtil uint32
}

// Classify runs one classification pass: it looks up each GPU-resident pid
// in the process table, applies the rules, and returns one Record per pid
// whose process info was still resolvable. Pids that vanished between the
// snapshot and the table refresh are skipped for this tick.
func (c *Classifier) Classify(now time.Time, snap *gpu.Snapshot, table process.Lookuper) []Record {
	agg := aggregateByPID(snap)

	seen := make(map[uint32]bool, len(agg))
	records := make([]Record, 0, len(agg))

	pids := make([]uint32, 0, len(agg))
	for pid := range agg {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		a := agg[pid]
		info, ok := table.Lookup(pid)
		if !ok {
			continue
		}
		seen[pid] = true
		c.absences[pid] = 0

		firstSeen, ok := c.firstSeenProcess[pid]
		if !ok {
			firstSeen = now
			c.firstSeenProcess[pid] = firstSeen
		}
		residentSecs := now.Sub(firstSeen).Seconds()

		cat := c.rules.classify(candidate{
			name:         info.Name,
			cmdline:      info.CommandLine,
			exePath:      info.ExePath,
			gpuMemBytes:  a.bytes,
			gpuUtil:      a.maxUtil,
			residentSecs: residentSecs,
		})

		if prevCat, ok := c.lastCategory[pid]; ok && prevCat != cat {
			delete(c.residency, residencyKey{pid: pid, category: prevCat})
		}
		c.lastCategory[pid] = cat

		key := residencyKey{pid: pid, category: cat}
		catFirstSeen, ok := c.residency[key]
		if !ok {
			catFirstSeen = now
			c.residency[key] = catFirstSeen
		}

		records = append(records, Record{
			Timestamp:       now.UnixNano(),
			PID:             pid,
			Name:            info.Name,
			Category:        cat,
			GPUMemoryBytes:  a.bytes,
			GPUUtilization:  a.maxUtil,
			CommandLine:     info.CommandLine,
			ExePath:         info.ExePath,
			DurationSeconds: now.Sub(catFirstSeen).Seconds(),
		})
	}

	c.evictAbsent(seen)
	return records
}

func (c *Classifier) evictAbsent(seen map[uint32]bool) {
	for pid := range c.firstSeenProcess {
		if seen[pid] {
			continue
		}
		c.absences[pid]++
		if c.absences[pid] >= absenceEvictThreshold {
			delete(c.firstSeenProcess, pid)
			delete(c.absences, pid)
			delete(c.lastCategory, pid)
			for key := range c.residency {
				if key.pid == pid {
					delete(c.residency, key)
				}
			}
		}
	}
}

func aggregateByPID(snap *gpu.Snapshot) map[uint32]pidAggregate {
	agg := make(map[uint32]pidAggregate)
	for _, d := range snap.Devices {
		for _, p := range d.Processes {
			a := agg[p.PID]
			a.bytes += p.Bytes
			if d.UtilizationGPU > a.maxUtil {
				a.maxUtil = d.UtilizationGPU
			}
			agg[p.PID] = a
		}
	}
	return agg
}
