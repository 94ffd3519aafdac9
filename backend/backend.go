package backend

import (
	"errors"
	"time"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoGPU is returned when the platform has no usable GPU capability.
	ErrNoGPU = errors.New("backend: no GPU support on this platform")

	// ErrDeviceUnavailable is returned when adapter or device negotiation
	// fails even though the platform reports GPU capability.
	ErrDeviceUnavailable = errors.New("backend: device unavailable")

	// ErrDeviceClosed is returned when operations are called on a closed device.
	ErrDeviceClosed = errors.New("backend: device closed")

	// ErrSubmissionFailed is returned when the queue rejects a command
	// sequence. Target buffers of a failed submission hold unspecified
	// contents.
	ErrSubmissionFailed = errors.New("backend: submission failed")

	// ErrReadbackUnsupported is returned when the backend cannot map device
	// memory back to the host.
	ErrReadbackUnsupported = errors.New("backend: buffer readback not supported")

	// ErrWaitTimeout is returned when a submission wait exceeds its deadline.
	ErrWaitTimeout = errors.New("backend: wait timed out")
)

// Backend identifiers.
const (
	// BackendWGPU is the hardware backend built on gogpu/wgpu HAL.
	BackendWGPU = "wgpu"

	// BackendSoftware is the pure Go fallback backend.
	BackendSoftware = "software"
)

// Device is the interface compute backends implement.
//
// It abstracts a logical GPU: an owner of buffers, shader modules, pipelines,
// and a single FIFO execution queue. Resources are addressed by opaque IDs;
// each implementation maintains the mapping between IDs and its native
// handles. Implementations must be safe for concurrent use.
//
// Argument validation (usage flags, offsets, map state) happens in the
// gpuflow package before calls reach the device; implementations only check
// what they cannot trust, such as ID liveness.
type Device interface {
	// Name returns the backend identifier (e.g., "software", "wgpu").
	Name() string

	// Info returns information about the underlying adapter.
	Info() DeviceInfo

	// SupportsCompute reports whether compute dispatch is available.
	SupportsCompute() bool

	// MaxWorkgroups returns the maximum workgroup count per dispatch dimension.
	MaxWorkgroups() uint32

	// MaxBufferSize returns the maximum buffer size in bytes.
	MaxBufferSize() uint64

	// CreateShaderModule creates a shader module from SPIR-V code words.
	CreateShaderModule(desc *ShaderModuleDescriptor) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// CreateBuffer creates a buffer.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a buffer through the queue's upload path.
	// The write is ordered before any subsequent Submit.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// MapBuffer exposes size bytes of the buffer at offset for host access.
	// For read mapping it blocks until all submissions issued before the call
	// have completed, so the returned bytes reflect their effects. The slice
	// stays valid until UnmapBuffer.
	MapBuffer(id BufferID, mode MapMode, offset, size uint64) ([]byte, error)

	// UnmapBuffer ends a mapping, making host writes visible to the device.
	UnmapBuffer(id BufferID) error

	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDescriptor) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// CreatePipelineLayout creates a pipeline layout from bind group layouts.
	CreatePipelineLayout(label string, layouts []BindGroupLayoutID) (PipelineLayoutID, error)

	// DestroyPipelineLayout releases a pipeline layout.
	DestroyPipelineLayout(id PipelineLayoutID)

	// CreateComputePipeline creates a compute pipeline bound to one shader
	// entry point.
	CreateComputePipeline(desc *ComputePipelineDescriptor) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateBindGroup binds buffer ranges to the slots of a layout.
	CreateBindGroup(desc *BindGroupDescriptor) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// CreateCommandEncoder creates a command encoder in the recording state.
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Submit enqueues finished command buffers on the device's execution
	// queue. Submission order across calls is call order (FIFO); execution
	// completes asynchronously and is observed via WaitSubmission.
	Submit(buffers []CommandBuffer) (SubmissionIndex, error)

	// WaitSubmission blocks until the given submission has executed or the
	// timeout elapses. A zero or negative timeout waits forever.
	WaitSubmission(index SubmissionIndex, timeout time.Duration) error

	// WaitIdle blocks until all submitted work has executed.
	WaitIdle() error

	// Close releases all resources owned by the device.
	// The device must not be used after Close.
	Close()
}

// CommandEncoder records device commands for later submission.
//
// Encoders are single-use: Finish consumes the encoder and returns an
// immutable command buffer.
type CommandEncoder interface {
	// CopyBufferToBuffer records a buffer-to-buffer copy.
	CopyBufferToBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset, size uint64) error

	// ClearBuffer records zeroing a buffer range.
	ClearBuffer(id BufferID, offset, size uint64) error

	// BeginComputePass begins a compute pass on this encoder.
	BeginComputePass(label string) (ComputePassEncoder, error)

	// Finish completes recording and returns the immutable command buffer.
	Finish() (CommandBuffer, error)

	// Discard abandons the recording without producing a command buffer.
	Discard()
}

// ComputePassEncoder records compute commands within a pass.
type ComputePassEncoder interface {
	// SetPipeline sets the active compute pipeline.
	SetPipeline(id ComputePipelineID) error

	// SetBindGroup binds a bind group at the given group index.
	SetBindGroup(index uint32, group BindGroupID) error

	// Dispatch records a workgroup dispatch.
	Dispatch(x, y, z uint32) error

	// DispatchIndirect records a dispatch whose workgroup counts are read
	// at execution time from a buffer holding DispatchIndirectArgs.
	DispatchIndirect(buf BufferID, offset uint64) error

	// End finishes the pass, returning control to the parent encoder.
	End() error
}

// CommandBuffer is an opaque, backend-specific finished command sequence.
// A command buffer is queued exactly once.
type CommandBuffer any

// SubmissionIndex identifies one Submit call. Indices are monotonically
// increasing per device; a larger index was submitted later.
type SubmissionIndex uint64

// DeviceInfo describes the adapter behind a device.
type DeviceInfo struct {
	// Name is the adapter name (e.g., "NVIDIA GeForce RTX 4090").
	Name string

	// Vendor is the adapter vendor name or PCI vendor string.
	Vendor string

	// DeviceType describes the adapter kind (discrete, integrated, cpu).
	DeviceType string

	// Driver is the driver description, if known.
	Driver string
}

// String returns a human-readable adapter description for logging.
func (i DeviceInfo) String() string {
	if i.DeviceType == "" {
		return i.Name
	}
	return i.Name + " (" + i.DeviceType + ")"
}
