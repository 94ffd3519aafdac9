package backend

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	wgputypes "github.com/gogpu/wgpu"
)

// Usage validation errors.
var (
	// ErrInvalidUsage is returned when buffer usage flags are rejected.
	ErrInvalidUsage = errors.New("backend: invalid buffer usage")
)

// MapMode selects read or write access for a buffer mapping.
// It is the gputypes vocabulary re-exported for backend signatures.
type MapMode = gputypes.MapMode

// BufferUsage is the closed set of buffer usage bit flags.
type BufferUsage = gputypes.BufferUsage

// Resource IDs. IDs are opaque device-scoped handles; 0 is never a valid ID.
type (
	// BufferID identifies a buffer on a Device.
	BufferID uint64

	// ShaderModuleID identifies a compiled shader module on a Device.
	ShaderModuleID uint64

	// BindGroupLayoutID identifies a bind group layout on a Device.
	BindGroupLayoutID uint64

	// PipelineLayoutID identifies a pipeline layout on a Device.
	PipelineLayoutID uint64

	// ComputePipelineID identifies a compute pipeline on a Device.
	ComputePipelineID uint64

	// BindGroupID identifies a bind group on a Device.
	BindGroupID uint64
)

// InvalidID is the zero resource ID, valid for no resource.
const InvalidID = 0

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage BufferUsage

	// MappedAtCreation creates the buffer pre-mapped for writing.
	MappedAtCreation bool
}

// ShaderModuleDescriptor describes a shader module to create.
// The SPIR-V words are produced from WGSL by naga before reaching the device.
type ShaderModuleDescriptor struct {
	// Label is an optional debug name.
	Label string

	// SPIRV is the compiled shader bytecode as 32-bit words.
	SPIRV []uint32

	// EntryPoints lists the compute entry points the module exports,
	// with their authored workgroup sizes.
	EntryPoints []EntryPoint
}

// EntryPoint names a compute kernel within a shader module.
type EntryPoint struct {
	// Name is the entry point function name.
	Name string

	// WorkgroupSize is the authored @workgroup_size, (x, y, z).
	WorkgroupSize [3]uint32
}

// BindingType describes what kind of resource a layout slot accepts.
type BindingType int

const (
	// BindingUniform is a read-only uniform buffer binding.
	BindingUniform BindingType = iota
	// BindingStorage is a read-write storage buffer binding.
	BindingStorage
	// BindingReadOnlyStorage is a read-only storage buffer binding.
	BindingReadOnlyStorage
)

// String returns the string representation of BindingType.
func (t BindingType) String() string {
	switch t {
	case BindingUniform:
		return "Uniform"
	case BindingStorage:
		return "Storage"
	case BindingReadOnlyStorage:
		return "ReadOnlyStorage"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// BindGroupLayoutEntry describes one slot of a bind group layout.
type BindGroupLayoutEntry struct {
	// Binding is the shader-visible binding index.
	Binding uint32

	// Type is the resource kind accepted at this slot.
	Type BindingType

	// MinBindingSize is the minimum bound buffer size in bytes, 0 for no minimum.
	MinBindingSize uint64
}

// BindGroupLayoutDescriptor describes a bind group layout to create.
type BindGroupLayoutDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Entries describe the layout slots.
	Entries []BindGroupLayoutEntry
}

// ComputePipelineDescriptor describes a compute pipeline to create.
type ComputePipelineDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Layout is the pipeline layout.
	Layout PipelineLayoutID

	// Module is the shader module holding the kernel.
	Module ShaderModuleID

	// EntryPoint is the kernel function name within the module.
	EntryPoint string
}

// BindGroupEntry binds a buffer range to a layout slot.
type BindGroupEntry struct {
	// Binding is the shader-visible binding index.
	Binding uint32

	// Buffer is the bound buffer.
	Buffer BufferID

	// Offset is the start of the bound range in bytes.
	Offset uint64

	// Size is the length of the bound range in bytes; 0 binds to the end.
	Size uint64
}

// BindGroupDescriptor describes a bind group to create.
type BindGroupDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Layout is the layout the group conforms to.
	Layout BindGroupLayoutID

	// Entries bind buffers to the layout slots.
	Entries []BindGroupEntry
}

// DispatchIndirectArgs is the wire layout of an indirect dispatch argument
// buffer: three little-endian uint32 workgroup counts, 12 bytes total.
type DispatchIndirectArgs struct {
	X, Y, Z uint32
}

// DispatchIndirectSize is the byte size of DispatchIndirectArgs.
const DispatchIndirectSize = 12

// validUsageBits is the union of all known buffer usage flags.
const validUsageBits = gputypes.BufferUsageMapRead |
	gputypes.BufferUsageMapWrite |
	gputypes.BufferUsageCopySrc |
	gputypes.BufferUsageCopyDst |
	wgputypes.BufferUsageIndex |
	gputypes.BufferUsageVertex |
	gputypes.BufferUsageUniform |
	gputypes.BufferUsageStorage |
	wgputypes.BufferUsageIndirect

// ValidateUsage checks buffer usage flags against the WebGPU combination
// rules. Map usages are restricted: MapWrite may only be combined with
// CopySrc, and MapRead only with CopyDst.
func ValidateUsage(usage BufferUsage) error {
	if usage == 0 {
		return fmt.Errorf("%w: usage is empty", ErrInvalidUsage)
	}
	if usage&^validUsageBits != 0 {
		return fmt.Errorf("%w: unknown usage bits 0x%x", ErrInvalidUsage, uint32(usage&^validUsageBits))
	}
	if usage.Contains(gputypes.BufferUsageMapWrite) &&
		usage&^(gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc) != 0 {
		return fmt.Errorf("%w: MapWrite may only be combined with CopySrc", ErrInvalidUsage)
	}
	if usage.Contains(gputypes.BufferUsageMapRead) &&
		usage&^(gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst) != 0 {
		return fmt.Errorf("%w: MapRead may only be combined with CopyDst", ErrInvalidUsage)
	}
	return nil
}
