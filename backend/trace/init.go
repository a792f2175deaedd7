package trace

import (
	"github.com/gogpu/taskgraph"
	"github.com/gogpu/taskgraph/backend"
)

// init registers the trace backend on package import.
//
//	import _ "github.com/gogpu/taskgraph/backend/trace"
func init() {
	backend.Register(backend.BackendTrace, func() (taskgraph.Device, error) {
		return New(), nil
	})
}
