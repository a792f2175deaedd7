package taskgraph

import (
	"context"
	"time"
)

// Device is the backend the executor drives. Implementations wrap a real
// GPU API; backend/wgpu adapts a gogpu HAL device and backend/trace records
// calls in memory.
//
// Methods may be called from several goroutines, but calls that target the
// same queue are serialized by the executor.
type Device interface {
	// QueueFamilies describes the device's queues.
	QueueFamilies() []QueueFamily

	// Queue returns the queue named by ref.
	Queue(ref QueueRef) (Queue, error)

	CreateCommandBuffer(q QueueRef) (CommandBuffer, error)
	DestroyCommandBuffer(cb CommandBuffer)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)

	CreateFence() (Fence, error)
	DestroyFence(f Fence)
	// ResetFence returns a signaled fence to the unsignaled state.
	ResetFence(f Fence) error
	// FenceStatus polls a fence without blocking. An error means the
	// device is lost.
	FenceStatus(f Fence) (FenceStatus, error)
	// WaitFence blocks until f is signaled, timeout elapses or ctx is done.
	// It returns ErrFenceTimeout on timeout and ErrDeviceLost if the
	// device is lost.
	WaitFence(ctx context.Context, f Fence, timeout time.Duration) error
}

// Queue submits work to one device queue.
type Queue interface {
	Submit(ctx context.Context, s Submission) error
	WaitIdle(ctx context.Context) error
}

// CommandBuffer records commands for one queue.
type CommandBuffer interface {
	Begin(label string) error
	// InsertBarriers records a pipeline barrier for every element of bs.
	InsertBarriers(bs []Barrier) error
	End() error
	// Reset discards recorded commands so the buffer can be recorded
	// again.
	Reset() error
	// Native returns the backend's command encoder, for task bodies that
	// record backend commands directly.
	Native() any
}

// Semaphore is a backend semaphore object.
type Semaphore any

// Fence is a backend fence object.
type Fence any

// FenceStatus is the result of polling a fence.
type FenceStatus uint8

// Fence states.
const (
	FencePending FenceStatus = iota
	FenceSignaled
)

// String returns "pending" or "signaled".
func (s FenceStatus) String() string {
	if s == FenceSignaled {
		return "signaled"
	}
	return "pending"
}

// Submission is one queue submission.
type Submission struct {
	Label string
	// CommandBuffers run in order. A submission may carry none when it only
	// signals semaphores.
	CommandBuffers []CommandBuffer
	Waits          []SubmitWait
	Signals        []Semaphore
	// Fence, if not nil, is signaled when the submission completes.
	Fence Fence
}

// SubmitWait is a semaphore a submission waits on before Stage.
type SubmitWait struct {
	Semaphore Semaphore
	Stage     Stage
}
