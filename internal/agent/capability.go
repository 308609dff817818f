package agent

import "time"

// Capability is static metadata an agent advertises for one kind of work.
// Declared at construction and never mutated; used only for routing and
// admission decisions.
type Capability struct {
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	InputKinds        []string      `json:"input_kinds,omitempty"`
	OutputKinds       []string      `json:"output_kinds,omitempty"`
	ComplexityScore   int           `json:"complexity_score"` // 1-10 scale
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	MemoryEstimateMB  int           `json:"memory_estimate_mb,omitempty"`
	CPUIntensive      bool          `json:"cpu_intensive,omitempty"`
	RequiresGPU       bool          `json:"requires_gpu,omitempty"`
}
