package scheduler

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpuschedd/internal/executor"
	"gpuschedd/internal/scriptparse"
	"gpuschedd/pkg/types"
)

// fakeMonitor reports a settable number of idle devices.
type fakeMonitor struct{ idle atomic.Int64 }

func (f *fakeMonitor) ListGPUs() []types.GPUStatus {
	n := int(f.idle.Load())
	out := make([]types.GPUStatus, n)
	for i := range out {
		out[i] = types.GPUStatus{Index: i, Name: "FakeGPU", TotalMemory: 1 << 30, IsIdle: true}
	}
	return out
}

func (f *fakeMonitor) HasAvailable(n int) bool {
	return n <= 0 || int64(n) <= f.idle.Load()
}

// fakeRunner records invocations and serves a canned result, optionally
// blocking until released.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]int
	scripts []string
	result  executor.ExecutionResult
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (f *fakeRunner) Run(scriptPath string, gpuIndices []int) executor.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, append([]int(nil), gpuIndices...))
	f.scripts = append(f.scripts, scriptPath)
	panics, result := f.panics, f.result
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if panics {
		panic("runner exploded")
	}
	if f.block != nil {
		<-f.block
	}
	return result
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func newTestScheduler(t *testing.T, mon ResourceMonitor, run ScriptRunner, concurrent bool) *Scheduler {
	t.Helper()
	s := New(Config{
		Monitor:             mon,
		Parser:              scriptparse.New(zerolog.Nop()),
		Runner:              run,
		RetryInterval:       10 * time.Millisecond,
		IdleInterval:        5 * time.Millisecond,
		ErrorInterval:       10 * time.Millisecond,
		ConcurrentExecution: concurrent,
		Logger:              zerolog.Nop(),
	})
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitInvalidScript(t *testing.T) {
	mon := &fakeMonitor{}
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	_, err := s.Submit(filepath.Join(t.TempDir(), "absent.sh"), 0)
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if !IsScriptInvalid(err) {
		t.Fatalf("expected script-invalid error, got %v", err)
	}
	if got := s.AllTasks(); len(got.Pending) != 0 {
		t.Fatalf("invalid submission reached the backlog")
	}
}

func TestSubmitPendingStatus(t *testing.T) {
	mon := &fakeMonitor{}
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	p := writeScript(t, t.TempDir(), "job.sh", "echo hi\n")
	id, err := s.Submit(p, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, ok := s.TaskStatus(id)
	if !ok {
		t.Fatalf("task not found")
	}
	if task.Status != types.TaskPending || task.StartedAt != nil {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.CreatedAt.IsZero() {
		t.Fatalf("missing creation time")
	}
}

func TestSubmitIDsAreSequential(t *testing.T) {
	mon := &fakeMonitor{}
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	p := writeScript(t, t.TempDir(), "job.sh", "echo hi\n")
	id1, _ := s.Submit(p, 0)
	id2, _ := s.Submit(p, 0)
	if id1 != "task_1" || id2 != "task_2" {
		t.Fatalf("ids %q %q", id1, id2)
	}
}

func TestPriorityOrderingSnapshot(t *testing.T) {
	mon := &fakeMonitor{} // zero idle: tasks with requirements never admitted
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	dir := t.TempDir()
	p := writeScript(t, dir, "job.sh", "export CUDA_VISIBLE_DEVICES=0\n")
	a, _ := s.Submit(p, 1)
	b, _ := s.Submit(p, 5)
	c, _ := s.Submit(p, 5)

	got := s.AllTasks()
	wantOrder := []string{b, c, a}
	if len(got.Pending) != 3 {
		t.Fatalf("pending=%d", len(got.Pending))
	}
	for i, id := range wantOrder {
		if got.Pending[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, got.Pending[i].ID, id)
		}
	}
}

func TestRoundTripCompletion(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(4)
	run := &fakeRunner{result: executor.ExecutionResult{Success: true, Output: "done\n"}}
	s := newTestScheduler(t, mon, run, false)
	p := writeScript(t, t.TempDir(), "job.sh", "export CUDA_VISIBLE_DEVICES=1,2\necho done\n")

	id, err := s.Submit(p, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.Start()
	waitFor(t, func() bool {
		task, ok := s.TaskStatus(id)
		return ok && task.Status == types.TaskCompleted
	}, "task completion")

	task, _ := s.TaskStatus(id)
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", task)
	}
	if !task.StartedAt.Before(*task.CompletedAt) {
		t.Fatalf("startedAt %v not before completedAt %v", task.StartedAt, task.CompletedAt)
	}
	if task.Output != "done\n" {
		t.Fatalf("output=%q", task.Output)
	}
	// Hinted indices pass through verbatim.
	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.calls) != 1 || !reflect.DeepEqual(run.calls[0], []int{1, 2}) {
		t.Fatalf("runner calls=%v", run.calls)
	}
	all := s.AllTasks()
	if len(all.Completed) != 1 || len(all.Pending) != 0 || len(all.Running) != 0 {
		t.Fatalf("snapshot: %+v", all)
	}
}

func TestFailedExecution(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(1)
	run := &fakeRunner{result: executor.ExecutionResult{Success: false, Error: "shell script failed with exit code 2", Output: "boom\n"}}
	s := newTestScheduler(t, mon, run, false)
	p := writeScript(t, t.TempDir(), "job.sh", "exit 2\n")

	id, _ := s.Submit(p, 0)
	s.Start()
	waitFor(t, func() bool {
		task, ok := s.TaskStatus(id)
		return ok && task.Status == types.TaskFailed
	}, "task failure")
	task, _ := s.TaskStatus(id)
	if !strings.Contains(task.ErrorMessage, "exit code 2") {
		t.Fatalf("error=%q", task.ErrorMessage)
	}
	if task.Output != "boom\n" {
		t.Fatalf("output=%q", task.Output)
	}
}

func TestRequeueUntilAvailable(t *testing.T) {
	mon := &fakeMonitor{} // no idle devices yet
	run := &fakeRunner{result: executor.ExecutionResult{Success: true}}
	s := newTestScheduler(t, mon, run, false)
	p := writeScript(t, t.TempDir(), "job.sh", "export CUDA_VISIBLE_DEVICES=0\n")

	id, _ := s.Submit(p, 0)
	s.Start()
	time.Sleep(60 * time.Millisecond)
	if task, _ := s.TaskStatus(id); task.Status != types.TaskPending {
		t.Fatalf("expected still pending, got %s", task.Status)
	}
	if run.callCount() != 0 {
		t.Fatalf("runner called while no GPUs idle")
	}

	mon.idle.Store(1)
	waitFor(t, func() bool {
		task, ok := s.TaskStatus(id)
		return ok && task.Status == types.TaskCompleted
	}, "completion after capacity appeared")
}

func TestStartStopIdempotent(t *testing.T) {
	mon := &fakeMonitor{}
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	s.Start()
	s.Start() // no second loop
	if !s.Running() {
		t.Fatalf("expected running")
	}
	s.Stop()
	s.Stop() // safe when already stopped
	if s.Running() {
		t.Fatalf("expected stopped")
	}
	s.Start()
	if !s.Running() {
		t.Fatalf("expected running after restart")
	}
	s.Stop()
}

func TestCancelPending(t *testing.T) {
	mon := &fakeMonitor{}
	run := &fakeRunner{}
	s := newTestScheduler(t, mon, run, false)
	p := writeScript(t, t.TempDir(), "job.sh", "export CUDA_VISIBLE_DEVICES=0\n")
	id, _ := s.Submit(p, 0)
	s.Start()

	if !s.Cancel(id) {
		t.Fatalf("cancel returned false")
	}
	task, ok := s.TaskStatus(id)
	if !ok || task.Status != types.TaskCancelled {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.CompletedAt == nil {
		t.Fatalf("missing completion time on cancelled task")
	}
	time.Sleep(50 * time.Millisecond)
	if run.callCount() != 0 {
		t.Fatalf("cancelled pending task was executed")
	}
	if s.Cancel(id) {
		t.Fatalf("cancel of a terminal task must return false")
	}
	if s.Cancel("task_999") {
		t.Fatalf("cancel of unknown id must return false")
	}
}

func TestCancelRunning(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(1)
	run := &fakeRunner{
		result:  executor.ExecutionResult{Success: true, Output: "late\n"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := newTestScheduler(t, mon, run, false)
	p := writeScript(t, t.TempDir(), "job.sh", "sleep 1\n")
	id, _ := s.Submit(p, 0)
	s.Start()

	<-run.started
	if !s.Cancel(id) {
		t.Fatalf("cancel of running task returned false")
	}
	// Cancellation is bookkeeping: status flips immediately even though
	// the child is still executing.
	task, _ := s.TaskStatus(id)
	if task.Status != types.TaskCancelled {
		t.Fatalf("status=%s", task.Status)
	}
	close(run.block)
	waitFor(t, func() bool {
		return len(s.AllTasks().Running) == 0
	}, "running registry to drain")
	task, _ = s.TaskStatus(id)
	if task.Status != types.TaskCancelled {
		t.Fatalf("terminal state resurrected: %s", task.Status)
	}
}

func TestLoopSurvivesRunnerPanic(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(1)
	run := &fakeRunner{panics: true}
	s := newTestScheduler(t, mon, run, false)
	dir := t.TempDir()
	p := writeScript(t, dir, "job.sh", "echo hi\n")

	id1, _ := s.Submit(p, 0)
	s.Start()
	waitFor(t, func() bool {
		task, ok := s.TaskStatus(id1)
		return ok && task.Status == types.TaskFailed
	}, "panicking task to fail")
	task, _ := s.TaskStatus(id1)
	if !strings.Contains(task.ErrorMessage, "runner exploded") {
		t.Fatalf("error=%q", task.ErrorMessage)
	}

	// The loop keeps serving later tasks.
	run.mu.Lock()
	run.panics = false
	run.result = executor.ExecutionResult{Success: true}
	run.mu.Unlock()
	id2, _ := s.Submit(p, 0)
	waitFor(t, func() bool {
		task, ok := s.TaskStatus(id2)
		return ok && task.Status == types.TaskCompleted
	}, "loop to survive the panic")
}

func TestConcurrentExecutionSwitch(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(4)
	run := &fakeRunner{
		result:  executor.ExecutionResult{Success: true},
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	s := newTestScheduler(t, mon, run, true)
	dir := t.TempDir()
	p := writeScript(t, dir, "job.sh", "echo hi\n")
	s.Submit(p, 0)
	s.Submit(p, 0)
	s.Start()

	<-run.started
	<-run.started
	if got := len(s.AllTasks().Running); got != 2 {
		t.Fatalf("expected 2 tasks running concurrently, got %d", got)
	}
	close(run.block)
	waitFor(t, func() bool {
		return len(s.AllTasks().Completed) == 2
	}, "both tasks to complete")
}

func TestSetIntervals(t *testing.T) {
	mon := &fakeMonitor{}
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	if err := s.SetIntervals(types.Intervals{RetryInterval: 3, IdleInterval: 2, ErrorInterval: 4}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := s.Intervals()
	if got.RetryInterval != 3 || got.IdleInterval != 2 || got.ErrorInterval != 4 {
		t.Fatalf("intervals=%+v", got)
	}
	if err := s.SetIntervals(types.Intervals{RetryInterval: 0, IdleInterval: 1, ErrorInterval: 1}); err == nil {
		t.Fatalf("expected validation error")
	}
	st := s.SystemStatus()
	if st.RetryInterval != 3 || st.IdleInterval != 2 || st.ErrorInterval != 4 {
		t.Fatalf("status intervals=%+v", st)
	}
}

func TestSystemStatus(t *testing.T) {
	mon := &fakeMonitor{}
	mon.idle.Store(2)
	s := newTestScheduler(t, mon, &fakeRunner{}, false)
	p := writeScript(t, t.TempDir(), "job.sh", "export CUDA_VISIBLE_DEVICES=0-3\n")
	s.Submit(p, 0)

	st := s.SystemStatus()
	if len(st.GPUStatus) != 2 {
		t.Fatalf("gpus=%d", len(st.GPUStatus))
	}
	if st.QueueSize != 1 || st.RunningTasks != 0 || st.CompletedTasks != 0 {
		t.Fatalf("status=%+v", st)
	}
	if st.SchedulerRunning {
		t.Fatalf("loop not started yet")
	}
}
