// Package taskgraph schedules GPU work declared as a graph of tasks.
//
// # Overview
//
// A task names the queue class it runs on and the resources it reads or
// writes, with the pipeline stage of each access. taskgraph orders the
// tasks, assigns them to hardware queues, and derives the pipeline
// barriers, layout transitions, queue ownership transfers and semaphores
// that make the work correct. Task bodies only record their own commands.
//
// # Quick Start
//
//	dev := trace.New() // or a wgpu device, see backend/wgpu
//	reg := taskgraph.NewRegistry()
//	b := taskgraph.NewBuilder(reg, dev.QueueFamilies())
//
//	particles, _ := b.AddResource(buf, taskgraph.ResourceDesc{...})
//	_, _ = b.AddTask(taskgraph.TaskDesc{
//		Label:    "simulate",
//		Queue:    taskgraph.QueueCompute,
//		Accesses: []taskgraph.ResourceAccess{taskgraph.ReadWriteAccess(particles, taskgraph.StageComputeShader)},
//		Body:     simulate,
//	})
//	_, _ = b.AddTask(taskgraph.TaskDesc{
//		Label:    "draw",
//		Queue:    taskgraph.QueueGraphics,
//		Accesses: []taskgraph.ResourceAccess{taskgraph.ReadAccess(particles, taskgraph.StageVertexInput)},
//		Body:     draw,
//	})
//	g, err := b.Build()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ex := taskgraph.NewExecutor(dev)
//	defer ex.Close()
//	for range frames {
//		if err := g.Execute(ctx, ex); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// # Resource State
//
// The Registry tracks the last known stage, access, layout and owning
// queue family of every resource. A compiled graph is independent of that
// state; Execute derives the synchronization from the state the resources
// are actually in and commits the graph's final state after submission.
// Schedules derived for one entry state are cached by the executor.
//
// # Execution
//
// Tasks are grouped into batches, one command buffer each. A batch ends
// when work on another queue depends on it. Command buffers, semaphores and
// fences are pooled and recycled once their fences signal; WithMaxInFlight
// bounds how many executions may be pending at once.
//
// # Logging
//
// taskgraph logs through log/slog and is silent by default. Use SetLogger
// to enable output.
//
// # Backends
//
// A Device adapts a GPU API. The backend sub-packages provide:
//
//   - backend/trace: in-memory device that validates and records every call
//   - backend/wgpu: gogpu/wgpu HAL device
//
// backend.Default opens the best one available.
package taskgraph
