package classify

// Category is one of the four workload categories a GPU-resident process is
// assigned to. Categories partition the set of resident processes (I7):
// every process gets exactly one per tick.
type Category string

const (
	CategoryLLM             Category = "llm"
	CategoryMLTraining      Category = "ml_training"
	CategoryGaming          Category = "gaming"
	CategoryGeneralCompute  Category = "general_compute"
)

// Record is the classifier's per-process, per-tick output.
type Record struct {
	Timestamp       int64 // unix nanos, matches the sampling tick's timestamp
	PID             uint32
	Name            string
	Category        Category
	GPUMemoryBytes  uint64
	GPUUtilization  uint32
	CommandLine     string
	ExePath         string
	DurationSeconds float64
}
