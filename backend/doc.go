// Package backend provides a pluggable compute device abstraction.
//
// A Device owns buffers, shader modules, pipelines, and a single FIFO
// execution queue, addressed through opaque IDs. Backends register
// themselves via init() functions and are selected at runtime.
//
// # Backend Registration
//
// Backend packages register a factory on import:
//
//	import _ "github.com/gogpu/gpuflow/backend/software"
//
// # Backend Selection
//
// Use Default() to open the best available device, or Get() to request
// a specific backend by name:
//
//	// Open the default (best available) device
//	dev, err := backend.Default()
//
//	// Or request a specific backend
//	dev, err := backend.Get("software")
//
// # Available Backends
//
// - "wgpu": hardware device via the gogpu/wgpu HAL
// - "software": pure Go device executing commands on the CPU (always available)
package backend
