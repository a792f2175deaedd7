// Package trace provides an in-memory taskgraph.Device.
//
// The trace device records every call as a line of text and validates
// object use: command buffers must be begun, ended and idle; a semaphore
// wait must follow its signal; destroyed objects are rejected. It executes
// no GPU work, which makes it the device of choice for tests and for
// inspecting the submissions a graph produces.
//
//	dev := trace.New()
//	ex := taskgraph.NewExecutor(dev)
//	if err := graph.Execute(ctx, ex); err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(dev)
//
// By default fences signal as soon as they are submitted. WithManualFences
// keeps them pending until Complete is called, which exercises the
// executor's in-flight limits. FailNext injects an error into the next call
// of one operation.
package trace
