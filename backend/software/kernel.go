package software

import (
	"sync"

	"github.com/gogpu/gpuflow/backend"
)

// Invocation identifies one kernel invocation within a dispatch, using
// the WGSL built-in coordinate vocabulary.
type Invocation struct {
	// GlobalID is the global invocation ID (workgroup * size + local).
	GlobalID [3]uint32

	// LocalID is the invocation ID within its workgroup.
	LocalID [3]uint32

	// WorkgroupID is the workgroup coordinate within the dispatch.
	WorkgroupID [3]uint32

	// NumWorkgroups is the dispatched workgroup count per dimension.
	NumWorkgroups [3]uint32
}

// Binding is one bound buffer range visible to a kernel, indexed by its
// shader binding number. Data aliases device memory; writes through it
// are the kernel's output.
type Binding struct {
	// Data is the bound byte range.
	Data []byte

	// Type is the declared resource kind of the slot.
	Type backend.BindingType
}

// KernelFunc is the body of a software kernel. It is called once per
// invocation and must mirror the algorithm of the WGSL entry point it
// stands in for. Invocations within a dispatch may run concurrently in
// a hardware device, so a KernelFunc must not assume execution order.
type KernelFunc func(inv Invocation, bindings []Binding)

// Kernel is a registered software implementation of a compute entry point.
type Kernel struct {
	// WorkgroupSize is the authored @workgroup_size, (x, y, z).
	// Zero components default to 1.
	WorkgroupSize [3]uint32

	// Fn is the kernel body.
	Fn KernelFunc
}

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[string]Kernel)
)

// RegisterKernel registers a software kernel under a shader entry point
// name. Compute pipelines created on the software device resolve their
// entry point against this registry. Registering the same name again
// replaces the previous kernel.
func RegisterKernel(entryPoint string, k Kernel) {
	if k.WorkgroupSize[0] == 0 {
		k.WorkgroupSize[0] = 1
	}
	if k.WorkgroupSize[1] == 0 {
		k.WorkgroupSize[1] = 1
	}
	if k.WorkgroupSize[2] == 0 {
		k.WorkgroupSize[2] = 1
	}
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[entryPoint] = k
}

// UnregisterKernel removes a kernel from the registry.
// This is useful for testing.
func UnregisterKernel(entryPoint string) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	delete(kernels, entryPoint)
}

// lookupKernel returns the kernel registered for an entry point.
func lookupKernel(entryPoint string) (Kernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[entryPoint]
	return k, ok
}
