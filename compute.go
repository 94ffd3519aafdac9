package gpuflow

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpuflow/backend"
)

// BindingType is the kind of buffer resource a bind slot accepts.
type BindingType = backend.BindingType

const (
	BindingUniform         = backend.BindingUniform
	BindingStorage         = backend.BindingStorage
	BindingReadOnlyStorage = backend.BindingReadOnlyStorage
)

// Compute validation errors.
var (
	ErrInvalidDispatch = errors.New("gpuflow: invalid dispatch")
	ErrInvalidBinding  = errors.New("gpuflow: invalid binding")
	ErrPassEnded       = errors.New("gpuflow: compute pass already ended")
	ErrNoPipeline      = errors.New("gpuflow: no pipeline set on compute pass")
)

// maxBindGroups is the number of bind group slots per pipeline.
const maxBindGroups = 4

// BindingLayout declares one slot of a compute pipeline's group-0
// layout.
type BindingLayout struct {
	Binding        uint32
	Type           BindingType
	MinBindingSize uint64
}

// Binding attaches a buffer range to a bind slot. Size 0 binds from
// Offset to the end of the buffer.
type Binding struct {
	Binding uint32
	Buffer  *Buffer
	Offset  uint64
	Size    uint64
}

// ComputePipeline is a compiled compute pipeline with a single bind
// group layout at group 0. Released by Context.Close.
type ComputePipeline struct {
	ctx        *Context
	device     backend.Device
	id         backend.ComputePipelineID
	layout     backend.BindGroupLayoutID
	pipeLayout backend.PipelineLayoutID
	entry      EntryPoint
	label      string
	slots      map[uint32]BindingLayout
}

// CreateComputePipeline builds a pipeline around one entry point of a
// compiled shader. The bindings describe group 0; dispatch sizing uses
// the entry point's declared workgroup size.
func (c *Context) CreateComputePipeline(shader *ShaderModule, entryPoint string, bindings []BindingLayout) (*ComputePipeline, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	if shader == nil {
		return nil, fmt.Errorf("%w: nil shader module", ErrInvalidBinding)
	}
	ep, ok := shader.EntryPoint(entryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: shader %q has no entry point %q", ErrShaderCompile, shader.label, entryPoint)
	}

	entries := make([]backend.BindGroupLayoutEntry, len(bindings))
	slots := make(map[uint32]BindingLayout, len(bindings))
	for i, bl := range bindings {
		if _, dup := slots[bl.Binding]; dup {
			return nil, fmt.Errorf("%w: duplicate binding index %d", ErrInvalidBinding, bl.Binding)
		}
		slots[bl.Binding] = bl
		entries[i] = backend.BindGroupLayoutEntry{
			Binding:        bl.Binding,
			Type:           bl.Type,
			MinBindingSize: bl.MinBindingSize,
		}
	}

	label := shader.label
	if label == "" {
		label = entryPoint
	}
	bgl, err := dev.CreateBindGroupLayout(&backend.BindGroupLayoutDescriptor{Label: label, Entries: entries})
	if err != nil {
		return nil, err
	}
	pl, err := dev.CreatePipelineLayout(label, []backend.BindGroupLayoutID{bgl})
	if err != nil {
		dev.DestroyBindGroupLayout(bgl)
		return nil, err
	}
	pid, err := dev.CreateComputePipeline(&backend.ComputePipelineDescriptor{
		Label:      label,
		Layout:     pl,
		Module:     shader.id,
		EntryPoint: entryPoint,
	})
	if err != nil {
		dev.DestroyPipelineLayout(pl)
		dev.DestroyBindGroupLayout(bgl)
		return nil, err
	}

	p := &ComputePipeline{
		ctx:        c,
		device:     dev,
		id:         pid,
		layout:     bgl,
		pipeLayout: pl,
		entry:      ep,
		label:      label,
		slots:      slots,
	}
	c.mu.Lock()
	c.bindGroupLayouts = append(c.bindGroupLayouts, bgl)
	c.pipelineLayouts = append(c.pipelineLayouts, pl)
	c.pipelines = append(c.pipelines, pid)
	c.mu.Unlock()
	return p, nil
}

// WorkgroupSize returns the entry point's workgroup dimensions.
func (p *ComputePipeline) WorkgroupSize() [3]uint32 { return p.entry.WorkgroupSize }

// WorkgroupsFor returns the workgroup counts needed to cover grid
// elements per dimension: ceil(grid/workgroupSize), minimum 1.
func (p *ComputePipeline) WorkgroupsFor(grid [3]uint32) [3]uint32 {
	var out [3]uint32
	for i := range out {
		size := p.entry.WorkgroupSize[i]
		if size == 0 {
			size = 1
		}
		n := grid[i]
		if n == 0 {
			n = 1
		}
		out[i] = (n + size - 1) / size
	}
	return out
}

// BindGroup attaches buffers to a pipeline layout's slots.
type BindGroup struct {
	id      backend.BindGroupID
	buffers []*Buffer
}

// CreateBindGroup binds buffer ranges to the pipeline's group-0 slots.
// Every declared slot must be bound; bound ranges must satisfy the
// slot's minimum size.
func (c *Context) CreateBindGroup(p *ComputePipeline, bindings []Binding) (*BindGroup, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil pipeline", ErrInvalidBinding)
	}
	if len(bindings) != len(p.slots) {
		return nil, fmt.Errorf("%w: pipeline %q declares %d slots, got %d bindings",
			ErrInvalidBinding, p.label, len(p.slots), len(bindings))
	}

	entries := make([]backend.BindGroupEntry, len(bindings))
	buffers := make([]*Buffer, len(bindings))
	for i, bd := range bindings {
		slot, ok := p.slots[bd.Binding]
		if !ok {
			return nil, fmt.Errorf("%w: pipeline %q has no slot %d", ErrInvalidBinding, p.label, bd.Binding)
		}
		if bd.Buffer == nil {
			return nil, fmt.Errorf("%w: nil buffer at binding %d", ErrInvalidBinding, bd.Binding)
		}
		want := UsageStorage
		if slot.Type == BindingUniform {
			want = UsageUniform
		}
		if !bd.Buffer.usage.Contains(want) {
			return nil, fmt.Errorf("%w: buffer %q lacks %s usage for binding %d",
				ErrInvalidBinding, bd.Buffer.label, slot.Type, bd.Binding)
		}
		bound := bd.Size
		if bound == 0 {
			if bd.Offset > bd.Buffer.size {
				return nil, fmt.Errorf("%w: offset %d exceeds buffer size %d", ErrInvalidBinding, bd.Offset, bd.Buffer.size)
			}
			bound = bd.Buffer.size - bd.Offset
		}
		if bd.Offset+bound > bd.Buffer.size {
			return nil, fmt.Errorf("%w: range [%d, %d) exceeds buffer size %d",
				ErrInvalidBinding, bd.Offset, bd.Offset+bound, bd.Buffer.size)
		}
		if slot.MinBindingSize > 0 && bound < slot.MinBindingSize {
			return nil, fmt.Errorf("%w: binding %d needs at least %d bytes, got %d",
				ErrInvalidBinding, bd.Binding, slot.MinBindingSize, bound)
		}
		entries[i] = backend.BindGroupEntry{
			Binding: bd.Binding,
			Buffer:  bd.Buffer.id,
			Offset:  bd.Offset,
			Size:    bd.Size,
		}
		buffers[i] = bd.Buffer
	}

	id, err := dev.CreateBindGroup(&backend.BindGroupDescriptor{
		Label:   p.label,
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.bindGroups = append(c.bindGroups, id)
	c.mu.Unlock()
	return &BindGroup{id: id, buffers: buffers}, nil
}

// ComputePass records dispatches on an encoder. End it before calling
// Finish on the encoder.
type ComputePass struct {
	enc      *Encoder
	pass     backend.ComputePassEncoder
	pipeline *ComputePipeline
	ended    bool
}

// BeginComputePass starts a compute pass on the encoder.
func (e *Encoder) BeginComputePass(label string) (*ComputePass, error) {
	if err := e.recording(); err != nil {
		return nil, err
	}
	pass, err := e.enc.BeginComputePass(label)
	if err != nil {
		return nil, err
	}
	cp := &ComputePass{enc: e, pass: pass}
	e.pass = cp
	return cp, nil
}

// SetPipeline selects the pipeline for subsequent dispatches.
func (cp *ComputePass) SetPipeline(p *ComputePipeline) error {
	if cp.ended {
		return ErrPassEnded
	}
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrInvalidDispatch)
	}
	if err := cp.pass.SetPipeline(p.id); err != nil {
		return err
	}
	cp.pipeline = p
	return nil
}

// SetBindGroup binds a group at the given index (0 through 3). The
// bound buffers must be unmapped.
func (cp *ComputePass) SetBindGroup(index uint32, g *BindGroup) error {
	if cp.ended {
		return ErrPassEnded
	}
	if index >= maxBindGroups {
		return fmt.Errorf("%w: group index %d exceeds maximum %d", ErrInvalidBinding, index, maxBindGroups-1)
	}
	if g == nil {
		return fmt.Errorf("%w: nil bind group", ErrInvalidBinding)
	}
	for _, buf := range g.buffers {
		if err := cp.enc.useBuffer(buf); err != nil {
			return err
		}
	}
	return cp.pass.SetBindGroup(index, g.id)
}

// Dispatch records executing x*y*z workgroups of the current pipeline.
func (cp *ComputePass) Dispatch(x, y, z uint32) error {
	if cp.ended {
		return ErrPassEnded
	}
	if cp.pipeline == nil {
		return ErrNoPipeline
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: workgroup counts must be positive", ErrInvalidDispatch)
	}
	if max := cp.enc.ctx.device.MaxWorkgroups(); x > max || y > max || z > max {
		return fmt.Errorf("%w: workgroup count (%d, %d, %d) exceeds device limit %d",
			ErrInvalidDispatch, x, y, z, max)
	}
	return cp.pass.Dispatch(x, y, z)
}

// DispatchGrid dispatches enough workgroups of the current pipeline to
// cover grid elements per dimension.
func (cp *ComputePass) DispatchGrid(grid [3]uint32) error {
	if cp.pipeline == nil {
		return ErrNoPipeline
	}
	wg := cp.pipeline.WorkgroupsFor(grid)
	return cp.Dispatch(wg[0], wg[1], wg[2])
}

// DispatchIndirect records a dispatch whose workgroup counts are read
// from buf at offset: three little-endian uint32 values. The buffer
// needs Indirect usage.
func (cp *ComputePass) DispatchIndirect(buf *Buffer, offset uint64) error {
	if cp.ended {
		return ErrPassEnded
	}
	if cp.pipeline == nil {
		return ErrNoPipeline
	}
	if buf == nil {
		return fmt.Errorf("%w: nil argument buffer", ErrInvalidDispatch)
	}
	if !buf.usage.Contains(UsageIndirect) {
		return fmt.Errorf("%w: buffer %q lacks Indirect usage", ErrInvalidDispatch, buf.label)
	}
	if offset%copyAlign != 0 || offset+backend.DispatchIndirectSize > buf.size {
		return fmt.Errorf("%w: argument range [%d, %d) invalid for buffer size %d",
			ErrInvalidDispatch, offset, offset+backend.DispatchIndirectSize, buf.size)
	}
	if err := cp.enc.useBuffer(buf); err != nil {
		return err
	}
	return cp.pass.DispatchIndirect(buf.id, offset)
}

// End finishes the pass, allowing the encoder to record further
// commands or Finish.
func (cp *ComputePass) End() error {
	if cp.ended {
		return ErrPassEnded
	}
	cp.ended = true
	cp.enc.pass = nil
	return cp.pass.End()
}
