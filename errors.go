package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Declaration errors, returned by Builder methods and the Registry.
var (
	// ErrUnknownResource is returned when an ID does not resolve in the registry.
	ErrUnknownResource = errors.New("taskgraph: unknown resource")

	// ErrInvalidResource is returned for a malformed ResourceDesc.
	ErrInvalidResource = errors.New("taskgraph: invalid resource description")

	// ErrReadOnlyResource is returned when a task writes a read-only resource.
	ErrReadOnlyResource = errors.New("taskgraph: write to read-only resource")

	// ErrIncompatibleAccess is returned when a declared access contradicts
	// the resource's usage flags, its own mode, or another access of the
	// same task.
	ErrIncompatibleAccess = errors.New("taskgraph: incompatible access")

	// ErrUnsupportedQueueAccess is returned when a task uses a stage its
	// queue class can never run.
	ErrUnsupportedQueueAccess = errors.New("taskgraph: stage not supported by queue class")

	// ErrNilBody is returned for a task without a recording function.
	ErrNilBody = errors.New("taskgraph: task has no body")

	// ErrUnknownTask is returned by AddDependency for an ID the builder did
	// not issue.
	ErrUnknownTask = errors.New("taskgraph: unknown task")

	// ErrBuilderSealed is returned when a builder is used after Build.
	ErrBuilderSealed = errors.New("taskgraph: builder already built")
)

// Compilation errors, wrapped in *CompileError.
var (
	// ErrNoEligibleQueue is returned when no queue family can run a class.
	ErrNoEligibleQueue = errors.New("taskgraph: no eligible queue")

	// ErrCyclicDependency is returned when explicit dependencies form a cycle.
	ErrCyclicDependency = errors.New("taskgraph: cyclic dependency")
)

// Execution errors, wrapped in *ExecutionError.
var (
	// ErrResourceUnavailable is returned when a resource the graph uses was
	// unregistered before execution. Nothing is recorded or submitted.
	ErrResourceUnavailable = errors.New("taskgraph: resource unavailable")

	// ErrRecordFailed is returned when a task body or command buffer fails
	// during recording. Nothing is submitted.
	ErrRecordFailed = errors.New("taskgraph: recording failed")

	// ErrSubmitFailed is returned when a queue rejects a submission.
	ErrSubmitFailed = errors.New("taskgraph: submit failed")

	// ErrDeviceLost is returned when the device reports loss while waiting on
	// or polling a fence.
	ErrDeviceLost = errors.New("taskgraph: device lost")

	// ErrFenceTimeout is returned when a bounded wait for earlier work
	// expires.
	ErrFenceTimeout = errors.New("taskgraph: fence wait timed out")

	// ErrExecutorClosed is returned by an executor after Close.
	ErrExecutorClosed = errors.New("taskgraph: executor closed")
)

// GraphError reports a rejected declaration.
type GraphError struct {
	Op       string     // "add resource", "add task", "add dependency", "build"
	Task     string     // task label, if any
	Resource ResourceID // offending resource, if any
	Err      error
}

func (e *GraphError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Task != "" {
		fmt.Fprintf(&sb, " %q", e.Task)
	}
	if e.Resource.IsValid() {
		fmt.Fprintf(&sb, " (%v)", e.Resource)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	return sb.String()
}

func (e *GraphError) Unwrap() error { return e.Err }

// CompileError reports a graph that cannot be scheduled.
type CompileError struct {
	// Tasks lists the labels involved: the tasks left on a cycle, or the
	// tasks of the class without a queue.
	Tasks []string
	// Class is the queue class that failed to resolve, when Err is
	// ErrNoEligibleQueue.
	Class QueueClass
	Err   error
}

func (e *CompileError) Error() string {
	switch {
	case errors.Is(e.Err, ErrNoEligibleQueue):
		return fmt.Sprintf("compile: %v for %v tasks %s", e.Err, e.Class, strings.Join(e.Tasks, ", "))
	case len(e.Tasks) > 0:
		return fmt.Sprintf("compile: %v through %s", e.Err, strings.Join(e.Tasks, ", "))
	default:
		return "compile: " + e.Err.Error()
	}
}

func (e *CompileError) Unwrap() error { return e.Err }

// ExecutionError reports a failed Execute.
//
// A fatal error means the device or a queue is in an unknown state: the
// graph refuses further executions and returns the same error.
type ExecutionError struct {
	Batch int      // batch index, -1 when not tied to a batch
	Queue QueueRef // queue of Batch
	Err   error
	fatal bool
}

func (e *ExecutionError) Error() string {
	if e.Batch < 0 {
		return "execute: " + e.Err.Error()
	}
	return fmt.Sprintf("execute: batch %d on %v: %v", e.Batch, e.Queue, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Fatal reports whether the graph can no longer be executed.
func (e *ExecutionError) Fatal() bool { return e.fatal }

func execErr(batch int, q QueueRef, sentinel, cause error) *ExecutionError {
	err := sentinel
	if cause != nil && !errors.Is(cause, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &ExecutionError{Batch: batch, Queue: q, Err: err}
}

func fatalErr(batch int, q QueueRef, sentinel, cause error) *ExecutionError {
	e := execErr(batch, q, sentinel, cause)
	e.fatal = true
	return e
}
