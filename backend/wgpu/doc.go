// Package wgpu runs task graphs on a gogpu/wgpu HAL device.
//
// The backend wraps a hal.Device and its hal.Queue as a taskgraph.Device:
//
//	dev, err := wgpu.New(halDevice, halQueue)
//	if err != nil {
//		log.Fatal(err)
//	}
//	ex := taskgraph.NewExecutor(dev)
//	defer ex.Close()
//
// Resources are registered with their hal.Buffer or hal.Texture as the
// handle. Barriers become TransitionBuffers and TransitionTextures calls;
// layouts map to the texture usage the HAL tracks.
//
// # Queues
//
// WebGPU has a single queue, so the device reports one family with
// graphics, compute and transfer capabilities. Every queue class resolves to
// it, graphs compile to one batch, and no ownership transfers or
// semaphores are needed.
//
// # Device Providers
//
// NewFromProvider accepts any gpucontext.DeviceProvider that also exposes
// HalDevice() any and HalQueue() any. RegisterProvider makes the provider
// available to the backend registry under the name "wgpu".
//
// # Build Tag
//
// The package is excluded by the nogpu build tag.
package wgpu
