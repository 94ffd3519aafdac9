package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuflow/backend"
)

// ErrIndirectUnsupported is returned when the HAL compute pass does not
// expose indirect dispatch.
var ErrIndirectUnsupported = errors.New("wgpu: indirect dispatch not supported by HAL")

// commandBuffer wraps a finished HAL command buffer together with the
// scratch buffers its commands reference. Scratch is released after the
// buffer is submitted.
type commandBuffer struct {
	cmdBuf  hal.CommandBuffer
	scratch []hal.Buffer
}

// encoder wraps a HAL command encoder in the recording state.
type encoder struct {
	device   *Device
	enc      hal.CommandEncoder
	scratch  []hal.Buffer
	consumed bool
}

var _ backend.CommandEncoder = (*encoder)(nil)

func (e *encoder) halBuffer(id backend.BufferID) (hal.Buffer, error) {
	e.device.mu.RLock()
	buf, ok := e.device.buffers[id]
	e.device.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	return buf, nil
}

// CopyBufferToBuffer records a buffer-to-buffer copy.
func (e *encoder) CopyBufferToBuffer(src backend.BufferID, srcOffset uint64, dst backend.BufferID, dstOffset, size uint64) error {
	if e.consumed {
		return fmt.Errorf("wgpu: command encoder already consumed")
	}
	srcBuf, err := e.halBuffer(src)
	if err != nil {
		return err
	}
	dstBuf, err := e.halBuffer(dst)
	if err != nil {
		return err
	}
	e.enc.CopyBufferToBuffer(srcBuf, dstBuf, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	return nil
}

// ClearBuffer records zeroing a buffer range. The HAL has no dedicated
// clear command, so the range is copied from a zero-filled scratch buffer
// uploaded through the queue, which is ordered before this submission.
func (e *encoder) ClearBuffer(id backend.BufferID, offset, size uint64) error {
	if e.consumed {
		return fmt.Errorf("wgpu: command encoder already consumed")
	}
	dstBuf, err := e.halBuffer(id)
	if err != nil {
		return err
	}
	if size == 0 {
		e.device.mu.RLock()
		desc, ok := e.device.bufferDescs[id]
		e.device.mu.RUnlock()
		if !ok {
			return fmt.Errorf("wgpu: unknown buffer %d", id)
		}
		size = desc.Size - offset
	}

	zero, err := e.device.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpuflow-clear-scratch",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create clear scratch buffer: %w", err)
	}
	e.scratch = append(e.scratch, zero)
	e.device.queue.WriteBuffer(zero, 0, make([]byte, size))

	e.enc.CopyBufferToBuffer(zero, dstBuf, []hal.BufferCopy{{
		SrcOffset: 0,
		DstOffset: offset,
		Size:      size,
	}})
	return nil
}

// BeginComputePass begins a compute pass on this encoder.
func (e *encoder) BeginComputePass(label string) (backend.ComputePassEncoder, error) {
	if e.consumed {
		return nil, fmt.Errorf("wgpu: command encoder already consumed")
	}
	halPass := e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	return &passEncoder{device: e.device, pass: halPass}, nil
}

// Finish completes recording and returns the immutable command buffer.
func (e *encoder) Finish() (backend.CommandBuffer, error) {
	if e.consumed {
		return nil, fmt.Errorf("wgpu: command encoder already consumed")
	}
	e.consumed = true
	cmdBuf, err := e.enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w", err)
	}
	cb := &commandBuffer{cmdBuf: cmdBuf, scratch: e.scratch}
	e.scratch = nil
	return cb, nil
}

// Discard abandons the recording without producing a command buffer.
func (e *encoder) Discard() {
	if e.consumed {
		return
	}
	e.consumed = true
	e.enc.DiscardEncoding()
	for _, buf := range e.scratch {
		e.device.device.DestroyBuffer(buf)
	}
	e.scratch = nil
}

// passEncoder wraps a HAL compute pass encoder.
type passEncoder struct {
	device *Device
	pass   hal.ComputePassEncoder
	ended  bool
}

var _ backend.ComputePassEncoder = (*passEncoder)(nil)

// SetPipeline sets the active compute pipeline.
func (p *passEncoder) SetPipeline(id backend.ComputePipelineID) error {
	if p.ended {
		return fmt.Errorf("wgpu: compute pass already ended")
	}
	p.device.mu.RLock()
	pipeline, ok := p.device.computePipelines[id]
	p.device.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wgpu: unknown compute pipeline %d", id)
	}
	p.pass.SetPipeline(pipeline)
	return nil
}

// SetBindGroup binds a bind group at the given group index.
func (p *passEncoder) SetBindGroup(index uint32, group backend.BindGroupID) error {
	if p.ended {
		return fmt.Errorf("wgpu: compute pass already ended")
	}
	p.device.mu.RLock()
	halGroup, ok := p.device.bindGroups[group]
	p.device.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wgpu: unknown bind group %d", group)
	}
	p.pass.SetBindGroup(index, halGroup, nil)
	return nil
}

// Dispatch records a workgroup dispatch.
func (p *passEncoder) Dispatch(x, y, z uint32) error {
	if p.ended {
		return fmt.Errorf("wgpu: compute pass already ended")
	}
	p.pass.Dispatch(x, y, z)
	return nil
}

// DispatchIndirect records a dispatch reading counts from a buffer.
// HAL pass encoders that do not expose indirect dispatch are probed via
// an optional interface; without it the call fails.
func (p *passEncoder) DispatchIndirect(buf backend.BufferID, offset uint64) error {
	if p.ended {
		return fmt.Errorf("wgpu: compute pass already ended")
	}
	p.device.mu.RLock()
	halBuf, ok := p.device.buffers[buf]
	p.device.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wgpu: unknown buffer %d", buf)
	}

	type indirectDispatcher interface {
		DispatchIndirect(buf hal.Buffer, offset uint64)
	}
	id, ok := p.pass.(indirectDispatcher)
	if !ok {
		return ErrIndirectUnsupported
	}
	id.DispatchIndirect(halBuf, offset)
	return nil
}

// End finishes the pass.
func (p *passEncoder) End() error {
	if p.ended {
		return fmt.Errorf("wgpu: compute pass already ended")
	}
	p.ended = true
	p.pass.End()
	return nil
}
