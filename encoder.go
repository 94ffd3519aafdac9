package gpuflow

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpuflow/backend"
)

// Encoder state errors.
var (
	ErrEncoderConsumed = errors.New("gpuflow: command encoder already finished or discarded")
	ErrPassActive      = errors.New("gpuflow: compute pass still recording")
	ErrInvalidCopy     = errors.New("gpuflow: invalid buffer copy")
	ErrCommandConsumed = errors.New("gpuflow: command buffer already submitted")
)

// Copy offsets and sizes must be multiples of 4 bytes.
const copyAlign = 4

// Encoder records GPU commands into a single-use command buffer.
// Create one with Context.CreateEncoder, record copies and compute
// passes, then call Finish exactly once. A finished or discarded
// encoder rejects all further recording.
//
// Encoders are not safe for concurrent use.
type Encoder struct {
	ctx      *Context
	enc      backend.CommandEncoder
	label    string
	pass     *ComputePass
	consumed bool
	buffers  []*Buffer
}

// CreateEncoder begins recording a new command buffer.
func (c *Context) CreateEncoder(label string) (*Encoder, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	enc, err := dev.CreateCommandEncoder(label)
	if err != nil {
		return nil, err
	}
	return &Encoder{ctx: c, enc: enc, label: label}, nil
}

func (e *Encoder) recording() error {
	if e.consumed {
		return ErrEncoderConsumed
	}
	if e.pass != nil {
		return ErrPassActive
	}
	return nil
}

// useBuffer validates that buf may appear in GPU commands and records
// it for re-validation at submit time.
func (e *Encoder) useBuffer(buf *Buffer) error {
	if err := buf.gpuUsable(); err != nil {
		return err
	}
	e.buffers = append(e.buffers, buf)
	return nil
}

// CopyBufferToBuffer records a copy of size bytes from src to dst.
// Both offsets and the size must be multiples of 4; src needs CopySrc
// usage and dst CopyDst; both buffers must be unmapped.
func (e *Encoder) CopyBufferToBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) error {
	if err := e.recording(); err != nil {
		return err
	}
	if src == nil || dst == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidCopy)
	}
	if src.id == dst.id {
		return fmt.Errorf("%w: source and destination are the same buffer", ErrInvalidCopy)
	}
	if size == 0 || size%copyAlign != 0 || srcOffset%copyAlign != 0 || dstOffset%copyAlign != 0 {
		return fmt.Errorf("%w: offsets and size must be positive multiples of %d", ErrInvalidCopy, copyAlign)
	}
	if !src.usage.Contains(UsageCopySrc) {
		return fmt.Errorf("%w: source %q lacks CopySrc usage", ErrInvalidCopy, src.label)
	}
	if !dst.usage.Contains(UsageCopyDst) {
		return fmt.Errorf("%w: destination %q lacks CopyDst usage", ErrInvalidCopy, dst.label)
	}
	if srcOffset+size > src.size {
		return fmt.Errorf("%w: source range [%d, %d) exceeds size %d", ErrInvalidCopy, srcOffset, srcOffset+size, src.size)
	}
	if dstOffset+size > dst.size {
		return fmt.Errorf("%w: destination range [%d, %d) exceeds size %d", ErrInvalidCopy, dstOffset, dstOffset+size, dst.size)
	}
	if err := e.useBuffer(src); err != nil {
		return err
	}
	if err := e.useBuffer(dst); err != nil {
		return err
	}
	return e.enc.CopyBufferToBuffer(src.id, srcOffset, dst.id, dstOffset, size)
}

// ClearBuffer records zeroing a buffer range. Size 0 clears to the end
// of the buffer. The buffer needs CopyDst usage.
func (e *Encoder) ClearBuffer(buf *Buffer, offset, size uint64) error {
	if err := e.recording(); err != nil {
		return err
	}
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidCopy)
	}
	if offset%copyAlign != 0 || size%copyAlign != 0 {
		return fmt.Errorf("%w: offset and size must be multiples of %d", ErrInvalidCopy, copyAlign)
	}
	if !buf.usage.Contains(UsageCopyDst) {
		return fmt.Errorf("%w: %q lacks CopyDst usage", ErrInvalidCopy, buf.label)
	}
	if size == 0 {
		size = buf.size - offset
	}
	if offset+size > buf.size {
		return fmt.Errorf("%w: range [%d, %d) exceeds size %d", ErrInvalidCopy, offset, offset+size, buf.size)
	}
	if err := e.useBuffer(buf); err != nil {
		return err
	}
	return e.enc.ClearBuffer(buf.id, offset, size)
}

// Finish completes recording and returns the command buffer. The
// encoder cannot be used afterwards.
func (e *Encoder) Finish() (*CommandBuffer, error) {
	if e.consumed {
		return nil, ErrEncoderConsumed
	}
	if e.pass != nil {
		return nil, ErrPassActive
	}
	e.consumed = true
	cb, err := e.enc.Finish()
	if err != nil {
		return nil, err
	}
	buffers := e.buffers
	e.buffers = nil
	return &CommandBuffer{cb: cb, label: e.label, buffers: buffers}, nil
}

// Discard abandons the recording. Safe to call after Finish, where it
// does nothing.
func (e *Encoder) Discard() {
	if e.consumed {
		return
	}
	e.consumed = true
	if e.pass != nil {
		e.pass.ended = true
		e.pass = nil
	}
	e.enc.Discard()
	e.buffers = nil
}

// CommandBuffer is a finished, immutable recording. It is single use:
// Submit consumes it.
type CommandBuffer struct {
	cb       backend.CommandBuffer
	label    string
	buffers  []*Buffer
	consumed bool
}

// Label returns the label the encoder was created with.
func (cb *CommandBuffer) Label() string { return cb.label }
