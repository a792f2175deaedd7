package backend

import (
	"errors"

	"github.com/gogpu/taskgraph"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNilDevice is returned when a factory returns neither a device nor an error.
	ErrNilDevice = errors.New("backend: factory returned nil device")
)

// Backend name constants.
const (
	// BackendWGPU is the name of the gogpu/wgpu HAL backend.
	BackendWGPU = "wgpu"
	// BackendTrace is the name of the in-memory recording backend.
	BackendTrace = "trace"
)

// Factory opens a device.
//
// Factories are registered via Register() and invoked by Open() or
// Default(). Each call returns a new device owned by the caller.
type Factory func() (taskgraph.Device, error)
