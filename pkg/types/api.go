package types

// SubmitRequest is the payload for POST /api/submit.
type SubmitRequest struct {
	// Path to the script on the scheduler host.
	// example: /opt/jobs/train.py
	ScriptPath string `json:"script_path" example:"/opt/jobs/train.py"`
	// Optional priority; higher values are served first.
	// example: 5
	Priority int `json:"priority,omitempty" example:"5"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	TaskID  string `json:"task_id" example:"task_1"`
	Message string `json:"message,omitempty" example:"task submitted"`
}

// MessageResponse is a generic acknowledgement payload.
type MessageResponse struct {
	Message string `json:"message" example:"scheduler started"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: script_path is required
	Error string `json:"error" example:"script_path is required"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// TaskList groups tasks by lifecycle collection for GET /api/tasks. A task
// appears in exactly one of the three lists.
type TaskList struct {
	Pending   []Task `json:"pending"`
	Running   []Task `json:"running"`
	Completed []Task `json:"completed"`
}

// Intervals carries the scheduler loop pauses in seconds. All values must
// be positive.
type Intervals struct {
	// Pause after a task is requeued for lack of idle GPUs.
	// example: 5
	RetryInterval int `json:"retry_interval" example:"5"`
	// Pause when the backlog is empty.
	// example: 1
	IdleInterval int `json:"idle_interval" example:"1"`
	// Pause after an unexpected loop error.
	// example: 5
	ErrorInterval int `json:"error_interval" example:"5"`
}

// SystemStatus is the response for GET /api/status.
type SystemStatus struct {
	GPUStatus        []GPUStatus `json:"gpu_status"`
	QueueSize        int         `json:"queue_size"`
	RunningTasks     int         `json:"running_tasks"`
	CompletedTasks   int         `json:"completed_tasks"`
	SchedulerRunning bool        `json:"scheduler_running"`
	RetryInterval    int         `json:"retry_interval"`
	IdleInterval     int         `json:"idle_interval"`
	ErrorInterval    int         `json:"error_interval"`
}
