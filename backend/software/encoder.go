package software

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gpuflow/backend"
)

// Encoder errors.
var (
	// ErrEncoderConsumed is returned when recording on a finished or
	// discarded encoder.
	ErrEncoderConsumed = errors.New("software: command encoder already consumed")

	// ErrPassActive is returned when the encoder is used while a compute
	// pass is still open.
	ErrPassActive = errors.New("software: compute pass still active")

	// ErrPassEnded is returned when recording on an ended compute pass.
	ErrPassEnded = errors.New("software: compute pass already ended")
)

// op is one recorded command, executed by the device worker.
type op interface {
	execute(d *Device) error
}

// writeOp copies host data into a buffer.
type writeOp struct {
	dst    backend.BufferID
	offset uint64
	data   []byte
}

func (o *writeOp) execute(d *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[o.dst]
	if !ok {
		return fmt.Errorf("write: unknown buffer %d", o.dst)
	}
	if o.offset+uint64(len(o.data)) > uint64(len(buf.data)) {
		return fmt.Errorf("write: range [%d, %d) exceeds buffer size %d", o.offset, o.offset+uint64(len(o.data)), len(buf.data))
	}
	copy(buf.data[o.offset:], o.data)
	return nil
}

// copyOp copies bytes between two buffers.
type copyOp struct {
	src       backend.BufferID
	srcOffset uint64
	dst       backend.BufferID
	dstOffset uint64
	size      uint64
}

func (o *copyOp) execute(d *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.buffers[o.src]
	if !ok {
		return fmt.Errorf("copy: unknown source buffer %d", o.src)
	}
	dst, ok := d.buffers[o.dst]
	if !ok {
		return fmt.Errorf("copy: unknown destination buffer %d", o.dst)
	}
	if o.srcOffset+o.size > uint64(len(src.data)) {
		return fmt.Errorf("copy: source range [%d, %d) exceeds buffer size %d", o.srcOffset, o.srcOffset+o.size, len(src.data))
	}
	if o.dstOffset+o.size > uint64(len(dst.data)) {
		return fmt.Errorf("copy: destination range [%d, %d) exceeds buffer size %d", o.dstOffset, o.dstOffset+o.size, len(dst.data))
	}
	copy(dst.data[o.dstOffset:o.dstOffset+o.size], src.data[o.srcOffset:o.srcOffset+o.size])
	return nil
}

// clearOp zeroes a buffer range.
type clearOp struct {
	dst    backend.BufferID
	offset uint64
	size   uint64
}

func (o *clearOp) execute(d *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[o.dst]
	if !ok {
		return fmt.Errorf("clear: unknown buffer %d", o.dst)
	}
	size := o.size
	if size == 0 {
		size = uint64(len(buf.data)) - o.offset
	}
	if o.offset+size > uint64(len(buf.data)) {
		return fmt.Errorf("clear: range [%d, %d) exceeds buffer size %d", o.offset, o.offset+size, len(buf.data))
	}
	zero := buf.data[o.offset : o.offset+size]
	for i := range zero {
		zero[i] = 0
	}
	return nil
}

// dispatchOp runs a kernel over a workgroup grid.
type dispatchOp struct {
	pipeline backend.ComputePipelineID
	groups   map[uint32]backend.BindGroupID

	x, y, z uint32

	indirect       bool
	indirectBuf    backend.BufferID
	indirectOffset uint64
}

func (o *dispatchOp) execute(d *Device) error {
	d.mu.RLock()
	pipe, ok := d.pipelines[o.pipeline]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("dispatch: unknown pipeline %d", o.pipeline)
	}

	x, y, z := o.x, o.y, o.z
	if o.indirect {
		buf, ok := d.buffers[o.indirectBuf]
		if !ok {
			d.mu.RUnlock()
			return fmt.Errorf("dispatch: unknown indirect buffer %d", o.indirectBuf)
		}
		if o.indirectOffset+backend.DispatchIndirectSize > uint64(len(buf.data)) {
			d.mu.RUnlock()
			return fmt.Errorf("dispatch: indirect args at %d exceed buffer size %d", o.indirectOffset, len(buf.data))
		}
		args := buf.data[o.indirectOffset:]
		x = binary.LittleEndian.Uint32(args[0:])
		y = binary.LittleEndian.Uint32(args[4:])
		z = binary.LittleEndian.Uint32(args[8:])
	}

	// Kernels see the bindings of group 0, indexed by binding number.
	bindings, err := d.resolveBindingsLocked(o.groups[0])
	if err != nil {
		d.mu.RUnlock()
		return fmt.Errorf("dispatch: %w", err)
	}
	d.mu.RUnlock()

	runKernel(pipe.kernel, bindings, x, y, z)
	return nil
}

// resolveBindingsLocked builds the kernel binding table for a bind group.
// Caller holds d.mu.
func (d *Device) resolveBindingsLocked(id backend.BindGroupID) ([]Binding, error) {
	if id == backend.InvalidID {
		return nil, nil
	}
	group, ok := d.bindGroups[id]
	if !ok {
		return nil, fmt.Errorf("unknown bind group %d", id)
	}
	layout := d.layouts[group.desc.Layout]

	var maxBinding uint32
	for _, e := range group.desc.Entries {
		if e.Binding > maxBinding {
			maxBinding = e.Binding
		}
	}
	bindings := make([]Binding, maxBinding+1)
	for _, e := range group.desc.Entries {
		buf, ok := d.buffers[e.Buffer]
		if !ok {
			return nil, fmt.Errorf("unknown buffer %d at binding %d", e.Buffer, e.Binding)
		}
		size := e.Size
		if size == 0 {
			size = uint64(len(buf.data)) - e.Offset
		}
		if e.Offset+size > uint64(len(buf.data)) {
			return nil, fmt.Errorf("binding %d range [%d, %d) exceeds buffer size %d", e.Binding, e.Offset, e.Offset+size, len(buf.data))
		}
		bindings[e.Binding] = Binding{
			Data: buf.data[e.Offset : e.Offset+size],
			Type: bindingTypeFor(layout, e.Binding),
		}
	}
	return bindings, nil
}

func bindingTypeFor(layout *backend.BindGroupLayoutDescriptor, binding uint32) backend.BindingType {
	if layout == nil {
		return backend.BindingStorage
	}
	for _, e := range layout.Entries {
		if e.Binding == binding {
			return e.Type
		}
	}
	return backend.BindingStorage
}

// runKernel invokes the kernel once per invocation of the dispatch grid.
// Invocation order is workgroup-major, matching no particular hardware
// guarantee; kernels must not rely on it.
func runKernel(k Kernel, bindings []Binding, x, y, z uint32) {
	var inv Invocation
	inv.NumWorkgroups = [3]uint32{x, y, z}
	for wz := uint32(0); wz < z; wz++ {
		for wy := uint32(0); wy < y; wy++ {
			for wx := uint32(0); wx < x; wx++ {
				inv.WorkgroupID = [3]uint32{wx, wy, wz}
				for lz := uint32(0); lz < k.WorkgroupSize[2]; lz++ {
					for ly := uint32(0); ly < k.WorkgroupSize[1]; ly++ {
						for lx := uint32(0); lx < k.WorkgroupSize[0]; lx++ {
							inv.LocalID = [3]uint32{lx, ly, lz}
							inv.GlobalID = [3]uint32{
								wx*k.WorkgroupSize[0] + lx,
								wy*k.WorkgroupSize[1] + ly,
								wz*k.WorkgroupSize[2] + lz,
							}
							k.Fn(inv, bindings)
						}
					}
				}
			}
		}
	}
}

// commandBuffer is a finished, immutable op sequence.
type commandBuffer struct {
	label string
	ops   []op
}

// encoder records ops for the software device.
type encoder struct {
	device   *Device
	label    string
	ops      []op
	pass     *passEncoder
	consumed bool
}

var _ backend.CommandEncoder = (*encoder)(nil)

func (e *encoder) checkRecording() error {
	if e.consumed {
		return ErrEncoderConsumed
	}
	if e.pass != nil {
		return ErrPassActive
	}
	return nil
}

// CopyBufferToBuffer records a buffer-to-buffer copy.
func (e *encoder) CopyBufferToBuffer(src backend.BufferID, srcOffset uint64, dst backend.BufferID, dstOffset, size uint64) error {
	if err := e.checkRecording(); err != nil {
		return err
	}
	e.ops = append(e.ops, &copyOp{src: src, srcOffset: srcOffset, dst: dst, dstOffset: dstOffset, size: size})
	return nil
}

// ClearBuffer records zeroing a buffer range.
func (e *encoder) ClearBuffer(id backend.BufferID, offset, size uint64) error {
	if err := e.checkRecording(); err != nil {
		return err
	}
	e.ops = append(e.ops, &clearOp{dst: id, offset: offset, size: size})
	return nil
}

// BeginComputePass begins a compute pass on this encoder.
func (e *encoder) BeginComputePass(label string) (backend.ComputePassEncoder, error) {
	if err := e.checkRecording(); err != nil {
		return nil, err
	}
	e.pass = &passEncoder{encoder: e, label: label}
	return e.pass, nil
}

// Finish completes recording and returns the immutable command buffer.
func (e *encoder) Finish() (backend.CommandBuffer, error) {
	if err := e.checkRecording(); err != nil {
		return nil, err
	}
	e.consumed = true
	cb := &commandBuffer{label: e.label, ops: e.ops}
	e.ops = nil
	return cb, nil
}

// Discard abandons the recording.
func (e *encoder) Discard() {
	e.consumed = true
	e.pass = nil
	e.ops = nil
}

// passEncoder records compute commands within a pass.
type passEncoder struct {
	encoder  *encoder
	label    string
	pipeline backend.ComputePipelineID
	groups   map[uint32]backend.BindGroupID
	ended    bool
}

var _ backend.ComputePassEncoder = (*passEncoder)(nil)

// SetPipeline sets the active compute pipeline.
func (p *passEncoder) SetPipeline(id backend.ComputePipelineID) error {
	if p.ended {
		return ErrPassEnded
	}
	p.pipeline = id
	return nil
}

// SetBindGroup binds a bind group at the given group index.
func (p *passEncoder) SetBindGroup(index uint32, group backend.BindGroupID) error {
	if p.ended {
		return ErrPassEnded
	}
	if p.groups == nil {
		p.groups = make(map[uint32]backend.BindGroupID)
	}
	p.groups[index] = group
	return nil
}

// Dispatch records a workgroup dispatch with the current pipeline and
// bind groups.
func (p *passEncoder) Dispatch(x, y, z uint32) error {
	if p.ended {
		return ErrPassEnded
	}
	if p.pipeline == backend.InvalidID {
		return fmt.Errorf("software: dispatch without a pipeline")
	}
	p.encoder.ops = append(p.encoder.ops, &dispatchOp{
		pipeline: p.pipeline,
		groups:   copyGroups(p.groups),
		x:        x,
		y:        y,
		z:        z,
	})
	return nil
}

// DispatchIndirect records a dispatch reading workgroup counts from a
// buffer at execution time.
func (p *passEncoder) DispatchIndirect(buf backend.BufferID, offset uint64) error {
	if p.ended {
		return ErrPassEnded
	}
	if p.pipeline == backend.InvalidID {
		return fmt.Errorf("software: dispatch without a pipeline")
	}
	p.encoder.ops = append(p.encoder.ops, &dispatchOp{
		pipeline:       p.pipeline,
		groups:         copyGroups(p.groups),
		indirect:       true,
		indirectBuf:    buf,
		indirectOffset: offset,
	})
	return nil
}

// End finishes the pass, returning control to the parent encoder.
func (p *passEncoder) End() error {
	if p.ended {
		return ErrPassEnded
	}
	p.ended = true
	p.encoder.pass = nil
	return nil
}

// copyGroups snapshots the bound groups so later SetBindGroup calls do
// not mutate an already recorded dispatch.
func copyGroups(groups map[uint32]backend.BindGroupID) map[uint32]backend.BindGroupID {
	if len(groups) == 0 {
		return nil
	}
	cp := make(map[uint32]backend.BindGroupID, len(groups))
	for k, v := range groups {
		cp[k] = v
	}
	return cp
}
