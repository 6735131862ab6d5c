package classify

import (
	"path/filepath"
	"strings"
)

// Rules holds the configurable thresholds and patterns the classification
// rules match against. Defaults are wired in DefaultRules; callers that need
// site-specific game libraries or model-server names can override the
// slices before the first Classify call.
type Rules struct {
	// ModelServerGlobs matches the LLM-inference rule's process-name check
	// (e.g. "ollama*").
	ModelServerGlobs []string
	// FrameworkKeywords are substrings identifying an ML framework process
	// (torch, tensorflow, jax).
	FrameworkKeywords []string
	// InferenceKeywords distinguish inference from training command lines.
	InferenceKeywords []string
	// GameLibraryRoots are path prefixes of known game-store install
	// layouts (Steam, Epic, GOG).
	GameLibraryRoots []string
	// GameBinaryGlobs match game executable basenames.
	GameBinaryGlobs []string
	// HeavyMemoryBytes is the per-process GPU memory threshold for the
	// ML-training heavy-memory heuristic (2 GiB).
	HeavyMemoryBytes uint64
	// HeavyMemoryResidencySecs is the minimum process residency for the
	// heavy-memory heuristic (60s).
	HeavyMemoryResidencySecs float64
	// GamingUtilThreshold is the device GPU utilization floor for the
	// gaming rule (60% — undocumented and uncalibrated upstream; preserved
	// as-is here).
	GamingUtilThreshold uint32
}

// DefaultRules returns the rule set with its literal thresholds.
func DefaultRules() Rules {
	return Rules{
		ModelServerGlobs:         []string{"ollama*", "ollama"},
		FrameworkKeywords:        []string{"torch", "tensorflow", "jax"},
		InferenceKeywords:        []string{"generate", "inference", "predict", "serve"},
		GameLibraryRoots: []string{
			"/steamapps/common/",
			"Steam/steamapps/common/",
			"Epic Games/",
			"GOG Games/",
		},
		GameBinaryGlobs:          []string{"*-dx12.exe", "*-Vulkan.exe", "*-vulkan.exe", "*.x86_64"},
		HeavyMemoryBytes:         2 << 30, // 2 GiB
		HeavyMemoryResidencySecs: 60,
		GamingUtilThreshold:      60,
	}
}

// candidate is the per-process input the rules evaluate; it bundles process
// info with this tick's aggregated GPU figures so rule functions don't need
// a wider dependency on the classifier's internal state.
type candidate struct {
	name        string
	cmdline     string
	exePath     string
	gpuMemBytes uint64
	gpuUtil     uint32
	residentSecs float64
}

func (r Rules) classify(c candidate) Category {
	if r.isLLM(c) {
		return CategoryLLM
	}
	if r.isMLTraining(c) {
		return CategoryMLTraining
	}
	if r.isGaming(c) {
		return CategoryGaming
	}
	return CategoryGeneralCompute
}

func (r Rules) isLLM(c candidate) bool {
	if matchesAnyGlob(c.name, r.ModelServerGlobs) {
		return true
	}
	cmd := strings.ToLower(c.cmdline)
	if !strings.Contains(cmd, "python") {
		return false
	}
	if !containsAny(cmd, r.FrameworkKeywords) {
		return false
	}
	return containsAny(cmd, r.InferenceKeywords)
}

func (r Rules) isMLTraining(c candidate) bool {
	cmd := strings.ToLower(c.cmdline)
	if strings.Contains(cmd, "python") && containsAny(cmd, r.FrameworkKeywords) && !containsAny(cmd, r.InferenceKeywords) {
		return true
	}
	return c.gpuMemBytes >= r.HeavyMemoryBytes && c.residentSecs >= r.HeavyMemoryResidencySecs
}

func (r Rules) isGaming(c candidate) bool {
	if c.gpuUtil < r.GamingUtilThreshold {
		return false
	}
	for _, root := range r.GameLibraryRoots {
		if strings.Contains(c.exePath, root) {
			return true
		}
	}
	base := filepath.Base(c.exePath)
	return matchesAnyGlob(base, r.GameBinaryGlobs)
}

func matchesAnyGlob(name string, globs []string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
