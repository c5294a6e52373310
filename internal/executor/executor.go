// Package executor launches scripts as child processes with controlled
// GPU visibility and supervises them through exit or forced termination.
package executor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gpuschedd/internal/common/fsutil"
	"gpuschedd/internal/scriptparse"
	"gpuschedd/pkg/types"
)

// visibilityEnv is the variable CUDA runtimes read to restrict which
// physical devices a process may use.
const visibilityEnv = "CUDA_VISIBLE_DEVICES"

const defaultGracePeriod = 10 * time.Second

// Config carries the executor tunables. Zero values fall back to
// package defaults.
type Config struct {
	// Interpreter commands for the two script families.
	PythonBin string
	ShellBin  string
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	Logger      zerolog.Logger
}

// ExecutionResult is the outcome of one script run.
type ExecutionResult struct {
	Success    bool
	Output     string
	ExitCode   int
	ScriptType types.ScriptType
	Elapsed    time.Duration
	TimedOut   bool
	Error      string
}

// Executor runs scripts and tracks in-flight children. The handle table
// has its own lock, independent of any caller state.
type Executor struct {
	pythonBin string
	shellBin  string
	grace     time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	running map[string]*procEntry
}

type procEntry struct {
	id         string
	cmd        *exec.Cmd
	scriptPath string
	scriptType types.ScriptType
	startTime  time.Time
	// done is closed by the reaper goroutine once cmd.Wait returns;
	// waitErr is valid after done is closed.
	done    chan struct{}
	waitErr error
}

// New constructs an Executor from cfg.
func New(cfg Config) *Executor {
	e := &Executor{
		pythonBin: cfg.PythonBin,
		shellBin:  cfg.ShellBin,
		grace:     cfg.GracePeriod,
		log:       cfg.Logger,
		running:   make(map[string]*procEntry),
	}
	if e.pythonBin == "" {
		e.pythonBin = "python"
	}
	if e.shellBin == "" {
		e.shellBin = "bash"
	}
	if e.grace <= 0 {
		e.grace = defaultGracePeriod
	}
	return e
}

// Run executes the script to completion with no wall-clock limit.
func (e *Executor) Run(scriptPath string, gpuIndices []int) ExecutionResult {
	return e.run(scriptPath, gpuIndices, 0)
}

// RunWithTimeout executes the script, escalating termination if it has
// not exited when the timeout elapses.
func (e *Executor) RunWithTimeout(scriptPath string, gpuIndices []int, timeout time.Duration) ExecutionResult {
	return e.run(scriptPath, gpuIndices, timeout)
}

func (e *Executor) run(scriptPath string, gpuIndices []int, timeout time.Duration) ExecutionResult {
	if !fsutil.PathExists(scriptPath) {
		return ExecutionResult{
			ScriptType: types.ScriptTypeUnknown,
			Error:      fmt.Sprintf("script file not found: %s", scriptPath),
		}
	}
	if !fsutil.IsReadable(scriptPath) {
		return ExecutionResult{
			ScriptType: types.ScriptTypeUnknown,
			Error:      fmt.Sprintf("script file not readable: %s", scriptPath),
		}
	}

	scriptType := scriptparse.DetectType(scriptPath)
	bin := e.shellBin
	if scriptType == types.ScriptTypePython {
		bin = e.pythonBin
	}

	cmd := exec.Command(bin, scriptPath)
	cmd.Env = childEnv(gpuIndices)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.log.Error().Err(err).Str("script", scriptPath).Str("bin", bin).Msg("script launch failed")
		return ExecutionResult{
			ScriptType: scriptType,
			Error:      err.Error(),
			Elapsed:    time.Since(start),
		}
	}

	entry := &procEntry{
		id:         uuid.NewString(),
		cmd:        cmd,
		scriptPath: scriptPath,
		scriptType: scriptType,
		startTime:  start,
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	e.running[entry.id] = entry
	e.mu.Unlock()
	defer e.remove(entry.id)

	e.log.Info().Str("script", scriptPath).Str("type", string(scriptType)).
		Int("pid", cmd.Process.Pid).Ints("gpus", gpuIndices).Msg("script started")

	go func() {
		entry.waitErr = cmd.Wait()
		close(entry.done)
	}()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-entry.done:
		case <-timer.C:
			e.log.Warn().Str("script", scriptPath).Int("pid", cmd.Process.Pid).
				Dur("timeout", timeout).Msg("script timed out, escalating termination")
			e.terminate(entry)
			// Partial output up to the timeout is best effort; drop it.
			return ExecutionResult{
				ScriptType: scriptType,
				TimedOut:   true,
				Elapsed:    time.Since(start),
				Error:      fmt.Sprintf("%s script timed out after %s", scriptType, timeout),
			}
		}
	} else {
		<-entry.done
	}

	elapsed := time.Since(start)
	output := strings.ToValidUTF8(out.String(), "�")

	exitCode := cmd.ProcessState.ExitCode()
	if entry.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(entry.waitErr, &exitErr) {
			// Communication failure, not a script exit status.
			e.log.Error().Err(entry.waitErr).Str("script", scriptPath).Msg("script wait failed")
			return ExecutionResult{
				ScriptType: scriptType,
				Output:     output,
				ExitCode:   exitCode,
				Elapsed:    elapsed,
				Error:      entry.waitErr.Error(),
			}
		}
	}
	if exitCode == 0 {
		e.log.Info().Str("script", scriptPath).Dur("elapsed", elapsed).Msg("script completed")
		return ExecutionResult{
			Success:    true,
			Output:     output,
			ScriptType: scriptType,
			Elapsed:    elapsed,
		}
	}
	e.log.Error().Str("script", scriptPath).Int("exit_code", exitCode).Msg("script failed")
	return ExecutionResult{
		Output:     output,
		ExitCode:   exitCode,
		ScriptType: scriptType,
		Elapsed:    elapsed,
		Error:      fmt.Sprintf("%s script failed with exit code %d", scriptType, exitCode),
	}
}

// terminate escalates: SIGTERM, grace period, then SIGKILL and a blocking
// wait for the OS to report exit. It never returns an error; signal
// failures are logged and the caller still deregisters the handle.
func (e *Executor) terminate(entry *procEntry) {
	proc := entry.cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		e.log.Warn().Err(err).Int("pid", proc.Pid).Msg("SIGTERM failed")
	}
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-entry.done:
		return
	case <-timer.C:
	}
	e.log.Warn().Int("pid", proc.Pid).Msg("grace period expired, sending SIGKILL")
	if err := proc.Kill(); err != nil {
		e.log.Error().Err(err).Int("pid", proc.Pid).Msg("SIGKILL failed")
		if errors.Is(err, os.ErrProcessDone) {
			<-entry.done
		}
		return
	}
	<-entry.done
}

func (e *Executor) remove(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// ListRunning snapshots the handle table.
func (e *Executor) ListRunning() map[string]types.RunningProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.RunningProcess, len(e.running))
	for id, entry := range e.running {
		out[id] = types.RunningProcess{
			ID:         id,
			ScriptPath: entry.scriptPath,
			ScriptType: entry.scriptType,
			PID:        entry.cmd.Process.Pid,
			StartTime:  entry.startTime,
			Elapsed:    time.Since(entry.startTime).Seconds(),
		}
	}
	return out
}

// Kill terminates the child behind the given handle id. Returns false
// when the id is unknown. The handle is deregistered regardless of how
// the termination went.
func (e *Executor) Kill(id string) bool {
	e.mu.Lock()
	entry, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.terminate(entry)
	e.remove(id)
	e.log.Info().Str("handle", id).Str("script", entry.scriptPath).Msg("process killed")
	return true
}

// KillAll kills every tracked child. Each kill is independent; one
// failure never aborts the rest.
func (e *Executor) KillAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Kill(id)
	}
	e.log.Info().Int("count", len(ids)).Msg("all tracked processes killed")
}

// childEnv copies the parent environment, overriding the visibility
// variable when indices are given. Empty indices leave the inherited
// value untouched.
func childEnv(gpuIndices []int) []string {
	env := os.Environ()
	if len(gpuIndices) == 0 {
		return env
	}
	sorted := append([]int(nil), gpuIndices...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.Itoa(n)
	}
	value := visibilityEnv + "=" + strings.Join(parts, ",")
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, visibilityEnv+"=") {
			out = append(out, kv)
		}
	}
	return append(out, value)
}
