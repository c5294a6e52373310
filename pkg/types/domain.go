package types

import "time"

// GPUStatus is a point-in-time reading of one physical device. Readings are
// produced fresh on every monitor query and never cached.
type GPUStatus struct {
	// Stable device ordinal as reported by the driver.
	Index int `json:"index"`
	// Device product name, or "Unknown" when the per-device query failed.
	Name string `json:"name"`
	// Memory figures in bytes.
	TotalMemory uint64 `json:"total_memory"`
	UsedMemory  uint64 `json:"used_memory"`
	FreeMemory  uint64 `json:"free_memory"`
	// Utilization percentages in [0,100].
	GPUUtilization    uint32 `json:"gpu_utilization"`
	MemoryUtilization uint32 `json:"memory_utilization"`
	// IsIdle is derived from the reading: compute utilization below 10%
	// and memory use below 20% of total.
	IsIdle bool `json:"is_available"`
}

// ScriptType identifies the interpreter family of a submitted script.
type ScriptType string

const (
	ScriptTypePython  ScriptType = "python"
	ScriptTypeShell   ScriptType = "shell"
	ScriptTypeUnknown ScriptType = "unknown"
)

// ScriptRequirement is the parsed GPU requirement of one script. It is
// computed once at submission time and immutable afterwards.
type ScriptRequirement struct {
	ScriptPath string     `json:"script_path"`
	ScriptType ScriptType `json:"script_type"`
	// RequiredGPUs is the number of distinct device indices the script
	// declares for itself. Zero means the script runs with whatever is
	// currently visible.
	RequiredGPUs int `json:"required_gpus"`
	// GPUIndices are the literal indices found in the script source,
	// deduplicated and ascending. They are passed through to execution
	// verbatim, never reassigned.
	GPUIndices []int  `json:"gpu_indices"`
	IsValid    bool   `json:"is_valid"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward; a task never leaves a terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of schedulable work. Timestamps marshal as RFC 3339;
// StartedAt and CompletedAt are null until set.
type Task struct {
	ID           string `json:"id"`
	ScriptPath   string `json:"script_path"`
	RequiredGPUs int    `json:"required_gpus"`
	GPUIndices   []int  `json:"gpu_indices"`
	// Higher priority is served first; equal priorities run in
	// submission order.
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// Output is the captured, merged stdout+stderr of the child.
	Output string `json:"output,omitempty"`
}

// RunningProcess describes one in-flight child process tracked by the
// executor. ID is executor-assigned and distinct from the OS pid.
type RunningProcess struct {
	ID         string     `json:"id"`
	ScriptPath string     `json:"script_path"`
	ScriptType ScriptType `json:"script_type"`
	PID        int        `json:"pid"`
	StartTime  time.Time  `json:"start_time"`
	Elapsed    float64    `json:"running_time_seconds"`
}
