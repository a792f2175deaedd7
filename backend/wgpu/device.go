//go:build !nogpu

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/taskgraph"
	"github.com/gogpu/taskgraph/backend"
)

// Backend errors.
var (
	// ErrNilDevice is returned when New is given a nil device or queue.
	ErrNilDevice = errors.New("wgpu: nil hal device or queue")

	// ErrNoHalAccess is returned when a provider does not expose HAL objects.
	ErrNoHalAccess = errors.New("wgpu: provider does not expose hal device and queue")

	// ErrUnknownQueue is returned for any queue but q0.0.
	ErrUnknownQueue = errors.New("wgpu: unknown queue")

	// ErrForeignObject is returned for objects created by another device.
	ErrForeignObject = errors.New("wgpu: object from another device")

	// ErrUnsupportedHandle is returned when a barrier's resource handle is
	// not a hal.Buffer or hal.Texture.
	ErrUnsupportedHandle = errors.New("wgpu: resource handle is not a hal object")

	// ErrDeviceClosed is returned after Close.
	ErrDeviceClosed = errors.New("wgpu: device closed")
)

// Device adapts a gogpu/wgpu HAL device and its queue to taskgraph.Device.
//
// WebGPU exposes one queue, so the device reports a single universal queue
// family. Work on one queue executes in submission order; semaphores are
// therefore bookkeeping objects and carry no HAL state.
//
// Device is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	device hal.Device
	queue  *queue
	closed bool
}

// The wgpu HAL reports no queue families, so every class resolves here.
var families = []taskgraph.QueueFamily{{
	Index: 0,
	Caps:  taskgraph.CapGraphics | taskgraph.CapCompute | taskgraph.CapTransfer,
	Count: 1,
}}

// New wraps device and queue. The caller keeps ownership of both.
func New(device hal.Device, q hal.Queue) (*Device, error) {
	if device == nil || q == nil {
		return nil, ErrNilDevice
	}
	d := &Device{device: device}
	d.queue = &queue{dev: d, hal: q}
	slogger().Debug("wgpu: device wrapped")
	return d, nil
}

// halProvider is implemented by device providers that expose HAL objects.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider wraps the HAL device of a gpucontext.DeviceProvider.
// The provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	if provider == nil {
		return nil, ErrNilDevice
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHalAccess
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHalAccess)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHalAccess)
	}
	return New(device, q)
}

// RegisterProvider registers the wgpu backend with the backend registry.
// Each Open creates a new Device over the provider's HAL objects.
func RegisterProvider(provider gpucontext.DeviceProvider) {
	backend.Register(backend.BackendWGPU, func() (taskgraph.Device, error) {
		return NewFromProvider(provider)
	})
}

// HalDevice returns the wrapped HAL device.
func (d *Device) HalDevice() hal.Device { return d.device }

// Close marks the device closed. Objects created from it must already be
// destroyed. The HAL device is not destroyed.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

// QueueFamilies implements taskgraph.Device.
func (d *Device) QueueFamilies() []taskgraph.QueueFamily {
	return append([]taskgraph.QueueFamily(nil), families...)
}

// Queue implements taskgraph.Device.
func (d *Device) Queue(ref taskgraph.QueueRef) (taskgraph.Queue, error) {
	if ref != (taskgraph.QueueRef{}) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownQueue, ref)
	}
	return d.queue, nil
}

// CreateCommandBuffer implements taskgraph.Device. The HAL encoder is
// created on first Begin.
func (d *Device) CreateCommandBuffer(ref taskgraph.QueueRef) (taskgraph.CommandBuffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if ref != (taskgraph.QueueRef{}) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownQueue, ref)
	}
	return &commandBuffer{dev: d}, nil
}

// DestroyCommandBuffer implements taskgraph.Device.
func (d *Device) DestroyCommandBuffer(c taskgraph.CommandBuffer) {
	cb, ok := c.(*commandBuffer)
	if !ok || cb.dev != d {
		return
	}
	cb.free()
	if cb.recording {
		cb.encoder.DiscardEncoding()
		cb.recording = false
	}
	cb.encoder = nil
}

type semaphore struct {
	dev *Device
}

// CreateSemaphore implements taskgraph.Device.
func (d *Device) CreateSemaphore() (taskgraph.Semaphore, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return &semaphore{dev: d}, nil
}

// DestroySemaphore implements taskgraph.Device.
func (d *Device) DestroySemaphore(taskgraph.Semaphore) {}

// fence is a HAL timeline fence. Each submission signals the next value;
// target is the value the current use waits for, 0 before submission.
type fence struct {
	dev    *Device
	hal    hal.Fence
	next   uint64
	target uint64
}

// CreateFence implements taskgraph.Device.
func (d *Device) CreateFence() (taskgraph.Fence, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	f, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	return &fence{dev: d, hal: f}, nil
}

// DestroyFence implements taskgraph.Device.
func (d *Device) DestroyFence(v taskgraph.Fence) {
	f, ok := v.(*fence)
	if !ok || f.dev != d || f.hal == nil {
		return
	}
	d.device.DestroyFence(f.hal)
	f.hal = nil
}

// ResetFence implements taskgraph.Device. Timeline values only grow, so a
// reset just forgets the previous target.
func (d *Device) ResetFence(v taskgraph.Fence) error {
	f, err := d.fence(v)
	if err != nil {
		return err
	}
	f.target = 0
	return nil
}

// FenceStatus implements taskgraph.Device.
func (d *Device) FenceStatus(v taskgraph.Fence) (taskgraph.FenceStatus, error) {
	f, err := d.fence(v)
	if err != nil {
		return taskgraph.FencePending, err
	}
	if f.target == 0 {
		return taskgraph.FencePending, nil
	}
	ok, err := d.device.Wait(f.hal, f.target, 0)
	if err != nil {
		return taskgraph.FencePending, fmt.Errorf("poll fence: %w", err)
	}
	if ok {
		return taskgraph.FenceSignaled, nil
	}
	return taskgraph.FencePending, nil
}

// WaitFence implements taskgraph.Device.
func (d *Device) WaitFence(ctx context.Context, v taskgraph.Fence, timeout time.Duration) error {
	f, err := d.fence(v)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if f.target == 0 {
		return fmt.Errorf("wait on unsubmitted fence: %w", taskgraph.ErrFenceTimeout)
	}
	ok, err := d.device.Wait(f.hal, f.target, timeout)
	if err != nil {
		return fmt.Errorf("wait fence: %w", err)
	}
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("after %v: %w", timeout, taskgraph.ErrFenceTimeout)
	}
	return nil
}

func (d *Device) fence(v taskgraph.Fence) (*fence, error) {
	f, ok := v.(*fence)
	if !ok || f.dev != d || f.hal == nil {
		return nil, ErrForeignObject
	}
	return f, nil
}

type queue struct {
	dev *Device
	hal hal.Queue
}

// Submit implements taskgraph.Queue. Waits and signals need no HAL work on
// a single queue.
func (q *queue) Submit(ctx context.Context, s taskgraph.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cbs := make([]hal.CommandBuffer, 0, len(s.CommandBuffers))
	for _, c := range s.CommandBuffers {
		cb, ok := c.(*commandBuffer)
		if !ok || cb.dev != q.dev {
			return ErrForeignObject
		}
		if cb.cmd == nil {
			return fmt.Errorf("submit %q: command buffer not ended", s.Label)
		}
		cbs = append(cbs, cb.cmd)
	}

	var hf hal.Fence
	var value uint64
	if s.Fence != nil {
		f, err := q.dev.fence(s.Fence)
		if err != nil {
			return err
		}
		f.next++
		f.target = f.next
		hf, value = f.hal, f.target
	}
	if err := q.hal.Submit(cbs, hf, value); err != nil {
		return fmt.Errorf("submit %q: %w", s.Label, err)
	}
	slogger().Debug("wgpu: submitted", "label", s.Label, "commandBuffers", len(cbs), "fence", value)
	return nil
}

// WaitIdle implements taskgraph.Queue by submitting an empty batch with a
// fresh fence and waiting for it.
func (q *queue) WaitIdle(ctx context.Context) error {
	f, err := q.dev.CreateFence()
	if err != nil {
		return err
	}
	defer q.dev.DestroyFence(f)

	if err := q.Submit(ctx, taskgraph.Submission{Label: "wait-idle", Fence: f}); err != nil {
		return err
	}
	return q.dev.WaitFence(ctx, f, taskgraph.DefaultWaitTimeout)
}
