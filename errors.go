package gpuflow

import (
	"errors"

	"github.com/gogpu/gpuflow/backend"
)

// Failure classes surfaced by the package. Backend-specific detail is
// wrapped underneath; callers classify with errors.Is.
var (
	// ErrNoGPU indicates the platform cannot provide any GPU device.
	ErrNoGPU = backend.ErrNoGPU

	// ErrDeviceUnavailable indicates a device exists but could not be
	// acquired (lost, busy, or negotiation failed).
	ErrDeviceUnavailable = backend.ErrDeviceUnavailable

	// ErrSubmissionFailed indicates the queue rejected or failed to
	// execute submitted command buffers.
	ErrSubmissionFailed = backend.ErrSubmissionFailed

	// ErrShaderCompile indicates WGSL compilation failed. The wrapped
	// error carries the compiler diagnostic.
	ErrShaderCompile = errors.New("gpuflow: shader compilation failed")

	// ErrContextClosed is returned by operations on a closed Context.
	ErrContextClosed = errors.New("gpuflow: context closed")

	// ErrNilProvider is returned when a nil device provider is passed
	// to AcquireShared.
	ErrNilProvider = errors.New("gpuflow: nil device provider")
)
