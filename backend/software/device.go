package software

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpuflow/backend"
	"github.com/gogpu/gputypes"
)

// Capability limits reported by the software device. They match the
// WebGPU defaults so code tuned for hardware behaves the same here.
const (
	maxWorkgroupsPerDim = 65535
	maxBufferSize       = 1 << 28 // 256 MiB
)

// init registers the software device on package import.
func init() {
	backend.Register(backend.BackendSoftware, func() (backend.Device, error) {
		return New(), nil
	})
}

// buffer is a byte-backed device buffer.
type buffer struct {
	data   []byte
	desc   backend.BufferDescriptor
	mapped bool
}

// shaderModule holds a created module's descriptor. The SPIR-V is kept
// only for inspection; execution goes through the kernel registry.
type shaderModule struct {
	desc backend.ShaderModuleDescriptor
}

// computePipeline is a resolved entry point plus its kernel.
type computePipeline struct {
	desc   backend.ComputePipelineDescriptor
	kernel Kernel
}

// bindGroup is a resolved set of buffer ranges keyed by binding index.
type bindGroup struct {
	desc backend.BindGroupDescriptor
}

// submission is one Submit call queued for the worker.
type submission struct {
	index backend.SubmissionIndex
	ops   []op
	done  chan struct{}
	err   error
}

// Device is a pure Go implementation of backend.Device.
//
// Buffers live in host memory and all commands execute on a single
// background worker goroutine, which preserves queue FIFO order.
type Device struct {
	mu sync.RWMutex

	buffers         map[backend.BufferID]*buffer
	shaders         map[backend.ShaderModuleID]*shaderModule
	layouts         map[backend.BindGroupLayoutID]*backend.BindGroupLayoutDescriptor
	pipelineLayouts map[backend.PipelineLayoutID][]backend.BindGroupLayoutID
	pipelines       map[backend.ComputePipelineID]*computePipeline
	bindGroups      map[backend.BindGroupID]*bindGroup

	nextID uint64 // shared across resource kinds; 0 reserved as invalid

	// queueMu guards the submission queue. It is separate from mu so
	// op execution can lock mu without stalling Submit callers.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queued    []*submission
	pending   map[backend.SubmissionIndex]*submission
	failed    map[backend.SubmissionIndex]error
	submitted backend.SubmissionIndex
	completed backend.SubmissionIndex

	closed   atomic.Bool
	workerWG sync.WaitGroup
}

var _ backend.Device = (*Device)(nil)

// New creates a software device with its submission worker running.
func New() *Device {
	d := &Device{
		buffers:         make(map[backend.BufferID]*buffer),
		shaders:         make(map[backend.ShaderModuleID]*shaderModule),
		layouts:         make(map[backend.BindGroupLayoutID]*backend.BindGroupLayoutDescriptor),
		pipelineLayouts: make(map[backend.PipelineLayoutID][]backend.BindGroupLayoutID),
		pipelines:       make(map[backend.ComputePipelineID]*computePipeline),
		bindGroups:      make(map[backend.BindGroupID]*bindGroup),
		pending:         make(map[backend.SubmissionIndex]*submission),
		failed:          make(map[backend.SubmissionIndex]error),
	}
	d.queueCond = sync.NewCond(&d.queueMu)
	d.workerWG.Add(1)
	go d.worker()
	return d
}

// Name returns the backend identifier.
func (d *Device) Name() string { return backend.BackendSoftware }

// Info returns information about the software adapter.
func (d *Device) Info() backend.DeviceInfo {
	return backend.DeviceInfo{
		Name:       "gpuflow software device",
		Vendor:     "gogpu",
		DeviceType: "cpu",
	}
}

// SupportsCompute reports whether compute dispatch is available.
// The software device always supports compute via registered kernels.
func (d *Device) SupportsCompute() bool { return true }

// MaxWorkgroups returns the maximum workgroup count per dispatch dimension.
func (d *Device) MaxWorkgroups() uint32 { return maxWorkgroupsPerDim }

// MaxBufferSize returns the maximum buffer size in bytes.
func (d *Device) MaxBufferSize() uint64 { return maxBufferSize }

// allocID returns a fresh nonzero resource ID. Caller holds d.mu.
func (d *Device) allocID() uint64 {
	d.nextID++
	return d.nextID
}

// CreateShaderModule stores the module. Entry points execute through the
// package kernel registry, resolved at pipeline creation.
func (d *Device) CreateShaderModule(desc *backend.ShaderModuleDescriptor) (backend.ShaderModuleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	id := backend.ShaderModuleID(d.allocID())
	d.shaders[id] = &shaderModule{desc: *desc}
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id backend.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.shaders, id)
}

// CreateBuffer allocates a host-memory buffer.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	if desc.Size > maxBufferSize {
		return backend.InvalidID, fmt.Errorf("software: buffer size %d exceeds limit %d", desc.Size, uint64(maxBufferSize))
	}
	id := backend.BufferID(d.allocID())
	d.buffers[id] = &buffer{
		data:   make([]byte, desc.Size),
		desc:   *desc,
		mapped: desc.MappedAtCreation,
	}
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id backend.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
}

// WriteBuffer copies data into a buffer through the queue, so the write
// is ordered after previously submitted work and before later work.
func (d *Device) WriteBuffer(id backend.BufferID, offset uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	_, err := d.enqueue([]op{&writeOp{dst: id, offset: offset, data: cp}})
	return err
}

// MapBuffer exposes buffer bytes for host access. Read mappings first
// drain the queue so the bytes reflect all prior submissions.
func (d *Device) MapBuffer(id backend.BufferID, mode backend.MapMode, offset, size uint64) ([]byte, error) {
	if mode == gputypes.MapModeRead {
		if err := d.WaitIdle(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, backend.ErrDeviceClosed
	}
	buf, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("software: unknown buffer %d", id)
	}
	if offset+size > uint64(len(buf.data)) {
		return nil, fmt.Errorf("software: map range [%d, %d) exceeds buffer size %d", offset, offset+size, len(buf.data))
	}
	buf.mapped = true
	return buf.data[offset : offset+size], nil
}

// UnmapBuffer ends a mapping. Host memory is device memory here, so the
// unmap is only a state change.
func (d *Device) UnmapBuffer(id backend.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: unknown buffer %d", id)
	}
	buf.mapped = false
	return nil
}

// CreateBindGroupLayout creates a bind group layout.
func (d *Device) CreateBindGroupLayout(desc *backend.BindGroupLayoutDescriptor) (backend.BindGroupLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	cp := *desc
	cp.Entries = append([]backend.BindGroupLayoutEntry(nil), desc.Entries...)
	id := backend.BindGroupLayoutID(d.allocID())
	d.layouts[id] = &cp
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (d *Device) DestroyBindGroupLayout(id backend.BindGroupLayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.layouts, id)
}

// CreatePipelineLayout creates a pipeline layout.
func (d *Device) CreatePipelineLayout(label string, layouts []backend.BindGroupLayoutID) (backend.PipelineLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	for _, l := range layouts {
		if _, ok := d.layouts[l]; !ok {
			return backend.InvalidID, fmt.Errorf("software: unknown bind group layout %d", l)
		}
	}
	id := backend.PipelineLayoutID(d.allocID())
	d.pipelineLayouts[id] = append([]backend.BindGroupLayoutID(nil), layouts...)
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(id backend.PipelineLayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelineLayouts, id)
}

// CreateComputePipeline resolves the entry point against the kernel
// registry. An entry point with no registered kernel is an error, since
// the software device would have nothing to execute.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDescriptor) (backend.ComputePipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	if _, ok := d.shaders[desc.Module]; !ok {
		return backend.InvalidID, fmt.Errorf("software: unknown shader module %d", desc.Module)
	}
	if _, ok := d.pipelineLayouts[desc.Layout]; !ok {
		return backend.InvalidID, fmt.Errorf("software: unknown pipeline layout %d", desc.Layout)
	}
	kernel, ok := lookupKernel(desc.EntryPoint)
	if !ok {
		return backend.InvalidID, fmt.Errorf("software: no kernel registered for entry point %q", desc.EntryPoint)
	}
	id := backend.ComputePipelineID(d.allocID())
	d.pipelines[id] = &computePipeline{desc: *desc, kernel: kernel}
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (d *Device) DestroyComputePipeline(id backend.ComputePipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, id)
}

// CreateBindGroup binds buffer ranges to layout slots.
func (d *Device) CreateBindGroup(desc *backend.BindGroupDescriptor) (backend.BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return backend.InvalidID, backend.ErrDeviceClosed
	}
	if _, ok := d.layouts[desc.Layout]; !ok {
		return backend.InvalidID, fmt.Errorf("software: unknown bind group layout %d", desc.Layout)
	}
	for _, e := range desc.Entries {
		if _, ok := d.buffers[e.Buffer]; !ok {
			return backend.InvalidID, fmt.Errorf("software: unknown buffer %d at binding %d", e.Buffer, e.Binding)
		}
	}
	cp := *desc
	cp.Entries = append([]backend.BindGroupEntry(nil), desc.Entries...)
	id := backend.BindGroupID(d.allocID())
	d.bindGroups[id] = &bindGroup{desc: cp}
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id backend.BindGroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindGroups, id)
}

// CreateCommandEncoder creates a command encoder in the recording state.
func (d *Device) CreateCommandEncoder(label string) (backend.CommandEncoder, error) {
	if d.closed.Load() {
		return nil, backend.ErrDeviceClosed
	}
	return &encoder{device: d, label: label}, nil
}

// Submit enqueues finished command buffers for the worker.
func (d *Device) Submit(buffers []backend.CommandBuffer) (backend.SubmissionIndex, error) {
	var ops []op
	for _, cb := range buffers {
		scb, ok := cb.(*commandBuffer)
		if !ok || scb == nil {
			return 0, fmt.Errorf("%w: foreign command buffer %T", backend.ErrSubmissionFailed, cb)
		}
		ops = append(ops, scb.ops...)
	}
	return d.enqueue(ops)
}

// enqueue queues one submission and returns its index.
func (d *Device) enqueue(ops []op) (backend.SubmissionIndex, error) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.closed.Load() {
		return 0, backend.ErrDeviceClosed
	}
	d.submitted++
	sub := &submission{
		index: d.submitted,
		ops:   ops,
		done:  make(chan struct{}),
	}
	d.pending[sub.index] = sub
	d.queued = append(d.queued, sub)
	d.queueCond.Signal()
	return sub.index, nil
}

// worker drains the submission queue in FIFO order. It exits once the
// device is closed and the queue is empty, so Close never strands a
// submitted batch.
func (d *Device) worker() {
	defer d.workerWG.Done()
	for {
		d.queueMu.Lock()
		for len(d.queued) == 0 && !d.closed.Load() {
			d.queueCond.Wait()
		}
		if len(d.queued) == 0 {
			d.queueMu.Unlock()
			return
		}
		sub := d.queued[0]
		d.queued = d.queued[1:]
		d.queueMu.Unlock()

		var err error
		for _, o := range sub.ops {
			if err = o.execute(d); err != nil {
				err = fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
				break
			}
		}

		d.queueMu.Lock()
		sub.err = err
		d.completed = sub.index
		delete(d.pending, sub.index)
		if err != nil {
			d.failed[sub.index] = err
		}
		d.queueMu.Unlock()
		close(sub.done)
	}
}

// WaitSubmission blocks until the given submission has executed or the
// timeout elapses. A zero or negative timeout waits forever.
func (d *Device) WaitSubmission(index backend.SubmissionIndex, timeout time.Duration) error {
	d.queueMu.Lock()
	if index > d.submitted {
		d.queueMu.Unlock()
		return fmt.Errorf("software: submission %d was never submitted", index)
	}
	if index <= d.completed {
		err := d.failed[index]
		d.queueMu.Unlock()
		return err
	}
	sub := d.pending[index]
	d.queueMu.Unlock()

	if sub == nil {
		d.queueMu.Lock()
		err := d.failed[index]
		d.queueMu.Unlock()
		return err
	}

	if timeout <= 0 {
		<-sub.done
		return sub.err
	}
	select {
	case <-sub.done:
		return sub.err
	case <-time.After(timeout):
		return backend.ErrWaitTimeout
	}
}

// WaitIdle blocks until all submitted work has executed. Failures of
// individual submissions are reported by WaitSubmission, not here.
func (d *Device) WaitIdle() error {
	if d.closed.Load() {
		return backend.ErrDeviceClosed
	}
	d.queueMu.Lock()
	last := d.submitted
	d.queueMu.Unlock()
	if last == 0 {
		return nil
	}
	_ = d.WaitSubmission(last, 0)
	return nil
}

// Close drains the queue, stops the worker, and releases all resources.
// Close is idempotent.
func (d *Device) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.queueMu.Lock()
	d.queueCond.Broadcast()
	d.queueMu.Unlock()
	d.workerWG.Wait()

	d.mu.Lock()
	clear(d.buffers)
	clear(d.shaders)
	clear(d.layouts)
	clear(d.pipelineLayouts)
	clear(d.pipelines)
	clear(d.bindGroups)
	d.mu.Unlock()
}
