// Package backend provides a pluggable device backend registry.
//
// Executors run on any taskgraph.Device. The backend package lets programs
// pick one by name without importing every implementation.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime.
// The trace backend registers itself on import:
//
//	import _ "github.com/gogpu/taskgraph/backend/trace"
//
// The wgpu backend needs a device provider and registers itself through
// wgpu.RegisterProvider.
//
// # Backend Selection
//
// Use Default() to open the best available backend, or Open() to request
// a specific backend by name:
//
//	name, dev, err := backend.Default()
//	if err != nil {
//		log.Fatal(err)
//	}
//	ex := taskgraph.NewExecutor(dev)
//	defer ex.Close()
//
// # Available Backends
//
//   - "wgpu": gogpu/wgpu HAL device with a single queue
//   - "trace": in-memory device that records every call
package backend
