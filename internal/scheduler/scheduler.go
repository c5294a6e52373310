// Package scheduler owns the task lifecycle: a priority backlog, an
// admission-control loop over idle GPUs, and the running/completed
// registries.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpuschedd/internal/executor"
	"gpuschedd/internal/scriptparse"
	"gpuschedd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultRetryInterval = 5 * time.Second
	defaultIdleInterval  = 1 * time.Second
	defaultErrorInterval = 5 * time.Second

	// stopWait bounds how long Stop blocks for the loop to exit.
	stopWait = 5 * time.Second
)

// ResourceMonitor is the view of the GPU pool the scheduler needs.
type ResourceMonitor interface {
	ListGPUs() []types.GPUStatus
	HasAvailable(n int) bool
}

// ScriptRunner executes one script to completion.
type ScriptRunner interface {
	Run(scriptPath string, gpuIndices []int) executor.ExecutionResult
}

// Config encapsulates all tunables for Scheduler construction.
type Config struct {
	Monitor ResourceMonitor
	Parser  *scriptparse.Parser
	Runner  ScriptRunner
	// Loop pauses; adjustable at runtime via SetIntervals.
	RetryInterval time.Duration
	IdleInterval  time.Duration
	ErrorInterval time.Duration
	// ConcurrentExecution hands each admitted task to a supervised
	// goroutine instead of blocking the loop on it. Admission and the
	// Running transition still happen in the loop either way.
	ConcurrentExecution bool
	Logger              zerolog.Logger
}

// Scheduler coordinates submissions, admission and task bookkeeping. One
// lock guards the backlog, both registries, the id counter and the
// intervals; snapshots taken under it never show a task in two
// collections.
type Scheduler struct {
	monitor    ResourceMonitor
	parser     *scriptparse.Parser
	runner     ScriptRunner
	concurrent bool
	log        zerolog.Logger

	mu        sync.Mutex
	backlog   *taskQueue
	running   map[string]*types.Task
	completed map[string]*types.Task
	counter   int
	retry     time.Duration
	idle      time.Duration
	errPause  time.Duration

	loopRunning bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	execWG      sync.WaitGroup
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		monitor:    cfg.Monitor,
		parser:     cfg.Parser,
		runner:     cfg.Runner,
		concurrent: cfg.ConcurrentExecution,
		log:        cfg.Logger,
		backlog:    newTaskQueue(),
		running:    make(map[string]*types.Task),
		completed:  make(map[string]*types.Task),
		retry:      cfg.RetryInterval,
		idle:       cfg.IdleInterval,
		errPause:   cfg.ErrorInterval,
	}
	if s.retry <= 0 {
		s.retry = defaultRetryInterval
	}
	if s.idle <= 0 {
		s.idle = defaultIdleInterval
	}
	if s.errPause <= 0 {
		s.errPause = defaultErrorInterval
	}
	s.log.Info().Dur("retry", s.retry).Dur("idle", s.idle).Dur("error", s.errPause).
		Bool("concurrent", s.concurrent).Msg("scheduler initialized")
	return s
}

// scriptInvalidError marks a submission rejected at validation time, for
// 400 mapping in the HTTP layer.
type scriptInvalidError struct{ msg string }

func (e scriptInvalidError) Error() string { return e.msg }

// IsScriptInvalid reports whether err indicates a rejected submission.
func IsScriptInvalid(err error) bool {
	_, ok := err.(scriptInvalidError)
	return ok
}

// ErrScriptInvalid constructs a scriptInvalidError.
func ErrScriptInvalid(msg string) error { return scriptInvalidError{msg: msg} }

// taskNotFoundError marks an unknown task id, for 404 mapping.
type taskNotFoundError struct{ id string }

func (e taskNotFoundError) Error() string { return "task not found: " + e.id }

// IsTaskNotFound reports whether err indicates an unknown task id.
func IsTaskNotFound(err error) bool {
	_, ok := err.(taskNotFoundError)
	return ok
}

// ErrTaskNotFound constructs a taskNotFoundError.
func ErrTaskNotFound(id string) error { return taskNotFoundError{id: id} }

// Submit parses and validates the script, then enqueues a Pending task.
// Invalid scripts are rejected here and never enter the backlog.
func (s *Scheduler) Submit(scriptPath string, priority int) (string, error) {
	req := s.parser.ExtractInfo(scriptPath)
	if !req.IsValid {
		s.log.Error().Str("script", scriptPath).Str("reason", req.Error).Msg("submission rejected")
		return "", scriptInvalidError{msg: "invalid script: " + req.Error}
	}

	s.mu.Lock()
	s.counter++
	id := fmt.Sprintf("task_%d", s.counter)
	task := &types.Task{
		ID:           id,
		ScriptPath:   scriptPath,
		RequiredGPUs: req.RequiredGPUs,
		GPUIndices:   append([]int(nil), req.GPUIndices...),
		Priority:     priority,
		Status:       types.TaskPending,
		CreatedAt:    time.Now(),
	}
	s.backlog.push(task)
	depth := s.backlog.len()
	s.mu.Unlock()

	tasksSubmitted.Inc()
	backlogSize.Set(float64(depth))
	s.log.Info().Str("task", id).Str("script", scriptPath).Int("priority", priority).
		Int("required_gpus", req.RequiredGPUs).Msg("task submitted")
	return id, nil
}

// Start launches the scheduling loop. Calling it while the loop runs is
// a no-op; a second loop is never spawned.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.loopRunning {
		s.mu.Unlock()
		s.log.Warn().Msg("scheduler already running")
		return
	}
	s.loopRunning = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(stop, done)
	s.log.Info().Msg("scheduler started")
}

// Stop signals the loop and waits (bounded) for it to observe the
// signal. Safe to call repeatedly and when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.loopRunning {
		s.mu.Unlock()
		return
	}
	s.loopRunning = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(stopWait):
		s.log.Warn().Msg("scheduler loop did not stop in time")
	}
	s.log.Info().Msg("scheduler stopped")
}

// Running reports whether the scheduling loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopRunning
}

// TaskStatus looks a task up across the backlog, the running registry
// and the completed registry. The returned value is a copy.
func (s *Scheduler) TaskStatus(id string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.backlog.get(id); t != nil {
		return copyTask(t), true
	}
	if t, ok := s.running[id]; ok {
		return copyTask(t), true
	}
	if t, ok := s.completed[id]; ok {
		return copyTask(t), true
	}
	return types.Task{}, false
}

// AllTasks returns a point-in-time snapshot of all three collections.
func (s *Scheduler) AllTasks() types.TaskList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := types.TaskList{
		Pending:   make([]types.Task, 0, s.backlog.len()),
		Running:   make([]types.Task, 0, len(s.running)),
		Completed: make([]types.Task, 0, len(s.completed)),
	}
	for _, t := range s.backlog.ordered() {
		out.Pending = append(out.Pending, copyTask(t))
	}
	for _, t := range s.running {
		out.Running = append(out.Running, copyTask(t))
	}
	for _, t := range s.completed {
		out.Completed = append(out.Completed, copyTask(t))
	}
	sortByCreation(out.Running)
	sortByCreation(out.Completed)
	return out
}

// Cancel marks the task Cancelled. A pending task leaves the backlog; a
// running task moves to the completed registry immediately while its
// child keeps running until the executor's own lifecycle ends it.
// Returns false for unknown or already terminal tasks.
func (s *Scheduler) Cancel(id string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.running[id]; ok {
		t.Status = types.TaskCancelled
		t.CompletedAt = &now
		s.completed[id] = t
		delete(s.running, id)
		tasksCompleted.WithLabelValues(string(types.TaskCancelled)).Inc()
		runningTasks.Set(float64(len(s.running)))
		s.log.Info().Str("task", id).Msg("running task cancelled")
		return true
	}
	if item := s.backlog.remove(id); item != nil {
		item.task.Status = types.TaskCancelled
		item.task.CompletedAt = &now
		s.completed[id] = item.task
		tasksCompleted.WithLabelValues(string(types.TaskCancelled)).Inc()
		backlogSize.Set(float64(s.backlog.len()))
		s.log.Info().Str("task", id).Msg("pending task cancelled")
		return true
	}
	return false
}

// SystemStatus reports the GPU pool and collection sizes.
func (s *Scheduler) SystemStatus() types.SystemStatus {
	gpus := s.monitor.ListGPUs()
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SystemStatus{
		GPUStatus:        gpus,
		QueueSize:        s.backlog.len(),
		RunningTasks:     len(s.running),
		CompletedTasks:   len(s.completed),
		SchedulerRunning: s.loopRunning,
		RetryInterval:    int(s.retry / time.Second),
		IdleInterval:     int(s.idle / time.Second),
		ErrorInterval:    int(s.errPause / time.Second),
	}
}

// Intervals returns the current loop pauses in seconds.
func (s *Scheduler) Intervals() types.Intervals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Intervals{
		RetryInterval: int(s.retry / time.Second),
		IdleInterval:  int(s.idle / time.Second),
		ErrorInterval: int(s.errPause / time.Second),
	}
}

// SetIntervals replaces the loop pauses at runtime. All values must be
// positive.
func (s *Scheduler) SetIntervals(iv types.Intervals) error {
	if iv.RetryInterval <= 0 || iv.IdleInterval <= 0 || iv.ErrorInterval <= 0 {
		return scriptInvalidError{msg: "all intervals must be positive integers"}
	}
	s.mu.Lock()
	s.retry = time.Duration(iv.RetryInterval) * time.Second
	s.idle = time.Duration(iv.IdleInterval) * time.Second
	s.errPause = time.Duration(iv.ErrorInterval) * time.Second
	s.mu.Unlock()
	s.log.Info().Int("retry", iv.RetryInterval).Int("idle", iv.IdleInterval).
		Int("error", iv.ErrorInterval).Msg("scheduler intervals updated")
	return nil
}

// loop is the single control thread: admission, dispatch and pauses.
// It never exits on error, only on the stop signal.
func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			s.execWG.Wait()
			return
		default:
		}
		s.iterate(stop)
	}
}

// iterate performs one scheduling step. Panics from collaborators are
// contained here so the loop survives them.
func (s *Scheduler) iterate(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("scheduler iteration failed")
			s.pause(s.errorInterval(), stop)
		}
	}()

	s.mu.Lock()
	head := s.backlog.peek()
	if head == nil {
		idle := s.idle
		s.mu.Unlock()
		s.pause(idle, stop)
		return
	}
	taskID := head.task.ID
	required := head.task.RequiredGPUs
	s.mu.Unlock()

	// External measurement; taken without the lock. A requirement of
	// zero is always satisfied.
	admitted := s.monitor.HasAvailable(required)

	s.mu.Lock()
	item := s.backlog.remove(taskID)
	if item == nil {
		// Cancelled while the availability check ran.
		s.mu.Unlock()
		return
	}
	if !admitted {
		s.backlog.reinsert(item)
		retry := s.retry
		s.mu.Unlock()
		s.log.Debug().Str("task", taskID).Int("required_gpus", required).
			Msg("not enough idle GPUs, requeued")
		s.pause(retry, stop)
		return
	}
	task := item.task
	now := time.Now()
	task.Status = types.TaskRunning
	task.StartedAt = &now
	s.running[task.ID] = task
	backlogSize.Set(float64(s.backlog.len()))
	runningTasks.Set(float64(len(s.running)))
	concurrent := s.concurrent
	s.mu.Unlock()

	s.log.Info().Str("task", task.ID).Msg("task admitted")
	if concurrent {
		s.execWG.Add(1)
		go func() {
			defer s.execWG.Done()
			s.finish(task)
		}()
		return
	}
	s.finish(task)
}

// finish runs the task's script and records the outcome. Whatever
// happens, the task leaves the running registry.
func (s *Scheduler) finish(task *types.Task) {
	defer func() {
		if r := recover(); r != nil {
			now := time.Now()
			s.mu.Lock()
			if !task.Status.Terminal() {
				task.Status = types.TaskFailed
				task.ErrorMessage = fmt.Sprint(r)
				task.CompletedAt = &now
				s.completed[task.ID] = task
				tasksCompleted.WithLabelValues(string(types.TaskFailed)).Inc()
			}
			delete(s.running, task.ID)
			runningTasks.Set(float64(len(s.running)))
			s.mu.Unlock()
			s.log.Error().Str("task", task.ID).Interface("panic", r).Msg("task execution failed")
		}
	}()

	res := s.runner.Run(task.ScriptPath, task.GPUIndices)

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Status == types.TaskCancelled {
		// Cancelled mid-run: the terminal record already moved; keep
		// the captured output for inspection.
		task.Output = res.Output
		return
	}
	task.CompletedAt = &now
	task.Output = res.Output
	if res.Success {
		task.Status = types.TaskCompleted
		s.log.Info().Str("task", task.ID).Msg("task completed")
	} else {
		task.Status = types.TaskFailed
		task.ErrorMessage = res.Error
		s.log.Error().Str("task", task.ID).Str("reason", res.Error).Msg("task failed")
	}
	s.completed[task.ID] = task
	delete(s.running, task.ID)
	tasksCompleted.WithLabelValues(string(task.Status)).Inc()
	runningTasks.Set(float64(len(s.running)))
}

// pause sleeps for d but returns early on the stop signal.
func (s *Scheduler) pause(d time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}

func (s *Scheduler) errorInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errPause
}

func copyTask(t *types.Task) types.Task {
	out := *t
	out.GPUIndices = append([]int(nil), t.GPUIndices...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func sortByCreation(tasks []types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
