// Package gpuflow is a minimal GPU command-submission pipeline:
// device acquisition, buffer staging, command encoding, FIFO queue
// submission, and asynchronous readback.
//
// # Acquiring a device
//
// All state hangs off an explicitly owned Context; there are no package
// globals, so independent Contexts can coexist in one process:
//
//	ctx, err := gpuflow.Acquire(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
// Acquire negotiates the best available backend (hardware via gogpu/wgpu
// when present, a pure Go software device otherwise). Failure is
// classified: errors.Is(err, gpuflow.ErrNoGPU) means the platform cannot
// provide a device at all, ErrDeviceUnavailable means negotiation failed.
//
// # Buffers
//
// Buffers carry validated usage flags and an explicit map-state machine
// (Unmapped, Pending, Mapped). Mapping is asynchronous; the returned
// channel completes once in-flight GPU work affecting the buffer has
// executed:
//
//	buf, _ := ctx.CreateBuffer(&gpuflow.BufferDescriptor{
//	    Size:  4,
//	    Usage: gpuflow.UsageMapRead | gpuflow.UsageCopyDst,
//	})
//	res := <-buf.MapAsync(gpuflow.MapRead, 0, buf.Size())
//	data, _ := buf.GetMappedRange(0, buf.Size())
//
// # Command submission
//
// Command encoders are single use: record copies or a compute pass, call
// Finish, submit. The queue is strictly FIFO; Submit returns a Submission
// whose Wait method blocks until the work has executed:
//
//	cmd, _ := ctx.BuildCopy(src, 0, dst, 0, 4)
//	sub, _ := ctx.Submit(cmd)
//	_ = sub.Wait(ctx2)
//
// ReadBack composes these into one call: copy into a staging buffer, wait
// for the fence, map, and deliver the bytes through a channel that honors
// context cancellation.
package gpuflow
