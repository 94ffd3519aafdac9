package wgpu

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuflow/backend"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// fenceTimeout is the maximum time to wait for GPU work to complete when
// the caller did not bound the wait.
const fenceTimeout = 5 * time.Second

// init registers the wgpu device on package import.
func init() {
	backend.Register(backend.BackendWGPU, func() (backend.Device, error) {
		return Open()
	})
}

// mapping tracks one active buffer mapping.
type mapping struct {
	mode   backend.MapMode
	offset uint64
	data   []byte
}

// Device implements backend.Device on the gogpu/wgpu HAL.
//
// Resources are tracked in ID-to-handle maps. Completion is tracked with
// a single fence whose signal values are the submission indices, so
// waiting for submission N is a fence wait for value N.
type Device struct {
	mu sync.RWMutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	info     backend.DeviceInfo
	maxBuf   uint64
	external bool // shared device from a provider; don't destroy on Close

	fence      hal.Fence
	fenceValue uint64 // last submitted value, guarded by mu

	buffers          map[backend.BufferID]hal.Buffer
	bufferDescs      map[backend.BufferID]backend.BufferDescriptor
	mappings         map[backend.BufferID]*mapping
	shaderModules    map[backend.ShaderModuleID]hal.ShaderModule
	bindGroupLayouts map[backend.BindGroupLayoutID]hal.BindGroupLayout
	pipelineLayouts  map[backend.PipelineLayoutID]hal.PipelineLayout
	computePipelines map[backend.ComputePipelineID]hal.ComputePipeline
	bindGroups       map[backend.BindGroupID]hal.BindGroup

	nextID atomic.Uint64
	closed bool
}

var _ backend.Device = (*Device)(nil)

// Open creates a standalone Vulkan device.
//
// It returns backend.ErrNoGPU when the platform exposes no Vulkan backend
// or no adapters, and backend.ErrDeviceUnavailable when negotiation with
// an adapter fails.
func Open() (*Device, error) {
	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not compiled in", backend.ErrNoGPU)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %v", backend.ErrNoGPU, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no adapters found", backend.ErrNoGPU)
	}

	// Prefer discrete, then integrated, then whatever is first.
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open adapter %q: %v", backend.ErrDeviceUnavailable, selected.Info.Name, err)
	}

	d, err := newDevice(openDev.Device, openDev.Queue, limits.MaxBufferSize, adapterInfo(selected))
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance

	log.Printf("wgpu: device opened (%s)", d.info)
	return d, nil
}

// FromProvider creates a device sharing the HAL device and queue of an
// external provider, such as a gogpu application window. The provider
// must implement gpucontext.DeviceProvider semantics: HalDevice() and
// HalQueue() returning hal.Device and hal.Queue.
//
// The shared device and queue are not destroyed on Close.
func FromProvider(provider any) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", backend.ErrDeviceUnavailable)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", backend.ErrDeviceUnavailable)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", backend.ErrDeviceUnavailable)
	}

	d, err := newDevice(device, queue, gputypes.DefaultLimits().MaxBufferSize, backend.DeviceInfo{
		Name:   "shared device",
		Vendor: "external provider",
	})
	if err != nil {
		return nil, err
	}
	d.external = true

	log.Printf("wgpu: using shared GPU device")
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, maxBuf uint64, info backend.DeviceInfo) (*Device, error) {
	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("%w: create fence: %v", backend.ErrDeviceUnavailable, err)
	}

	d := &Device{
		device:           device,
		queue:            queue,
		info:             info,
		maxBuf:           maxBuf,
		fence:            fence,
		buffers:          make(map[backend.BufferID]hal.Buffer),
		bufferDescs:      make(map[backend.BufferID]backend.BufferDescriptor),
		mappings:         make(map[backend.BufferID]*mapping),
		shaderModules:    make(map[backend.ShaderModuleID]hal.ShaderModule),
		bindGroupLayouts: make(map[backend.BindGroupLayoutID]hal.BindGroupLayout),
		pipelineLayouts:  make(map[backend.PipelineLayoutID]hal.PipelineLayout),
		computePipelines: make(map[backend.ComputePipelineID]hal.ComputePipeline),
		bindGroups:       make(map[backend.BindGroupID]hal.BindGroup),
	}
	// Start ID generation at 1 (0 is invalid).
	d.nextID.Store(1)
	return d, nil
}

// adapterInfo converts HAL adapter info to a backend.DeviceInfo.
func adapterInfo(a *hal.ExposedAdapter) backend.DeviceInfo {
	var deviceType string
	switch a.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		deviceType = "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		deviceType = "integrated"
	default:
		deviceType = fmt.Sprint(a.Info.DeviceType)
	}
	return backend.DeviceInfo{
		Name:       a.Info.Name,
		DeviceType: deviceType,
	}
}

// newID generates a unique resource ID.
func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Name returns the backend identifier.
func (d *Device) Name() string { return backend.BackendWGPU }

// Info returns information about the underlying adapter.
func (d *Device) Info() backend.DeviceInfo { return d.info }

// SupportsCompute reports whether compute dispatch is available.
func (d *Device) SupportsCompute() bool { return true }

// MaxWorkgroups returns the maximum workgroup count per dispatch dimension.
func (d *Device) MaxWorkgroups() uint32 { return 65535 }

// MaxBufferSize returns the maximum buffer size in bytes.
func (d *Device) MaxBufferSize() uint64 { return d.maxBuf }

// CreateShaderModule creates a shader module from SPIR-V code words.
func (d *Device) CreateShaderModule(desc *backend.ShaderModuleDescriptor) (backend.ShaderModuleID, error) {
	if len(desc.SPIRV) == 0 {
		return backend.InvalidID, fmt.Errorf("wgpu: empty SPIR-V bytecode")
	}

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create shader module: %w", err)
	}

	id := backend.ShaderModuleID(d.newID())
	d.mu.Lock()
	d.shaderModules[id] = module
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id backend.ShaderModuleID) {
	d.mu.Lock()
	module, ok := d.shaderModules[id]
	delete(d.shaderModules, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyShaderModule(module)
	}
}

// CreateBuffer creates a GPU buffer.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.BufferID, error) {
	if desc.Size > d.maxBuf {
		return backend.InvalidID, fmt.Errorf("wgpu: buffer size %d exceeds limit %d", desc.Size, d.maxBuf)
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create buffer: %w", err)
	}

	id := backend.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = buf
	d.bufferDescs[id] = *desc
	if desc.MappedAtCreation {
		d.mappings[id] = &mapping{
			mode: gputypes.MapModeWrite,
			data: make([]byte, desc.Size),
		}
	}
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a GPU buffer.
func (d *Device) DestroyBuffer(id backend.BufferID) {
	d.mu.Lock()
	buf, ok := d.buffers[id]
	delete(d.buffers, id)
	delete(d.bufferDescs, id)
	delete(d.mappings, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyBuffer(buf)
	}
}

// WriteBuffer copies data into a buffer through the queue's upload path.
func (d *Device) WriteBuffer(id backend.BufferID, offset uint64, data []byte) error {
	d.mu.RLock()
	buf, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	if len(data) == 0 {
		return nil
	}
	d.queue.WriteBuffer(buf, offset, data)
	return nil
}

// MapBuffer exposes buffer bytes for host access.
//
// Write mappings stage into a shadow allocation flushed to the device by
// UnmapBuffer. Read mappings wait for all prior submissions, then pull
// the bytes through the queue's readback path.
func (d *Device) MapBuffer(id backend.BufferID, mode backend.MapMode, offset, size uint64) ([]byte, error) {
	if mode == gputypes.MapModeRead {
		if err := d.WaitIdle(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	if m := d.mappings[id]; m != nil {
		// Buffers mapped at creation already carry a write mapping;
		// hand that one out instead of double mapping.
		if m.mode == mode && m.offset == offset && uint64(len(m.data)) == size {
			return m.data, nil
		}
		return nil, fmt.Errorf("wgpu: buffer %d is already mapped", id)
	}

	m := &mapping{mode: mode, offset: offset, data: make([]byte, size)}
	if mode == gputypes.MapModeRead {
		if err := d.queue.ReadBuffer(buf, offset, m.data); err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrReadbackUnsupported, err)
		}
	}
	d.mappings[id] = m
	return m.data, nil
}

// UnmapBuffer ends a mapping, flushing write mappings to the device.
func (d *Device) UnmapBuffer(id backend.BufferID) error {
	d.mu.Lock()
	buf, ok := d.buffers[id]
	m := d.mappings[id]
	delete(d.mappings, id)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	if m == nil {
		return nil
	}
	if m.mode == gputypes.MapModeWrite {
		d.queue.WriteBuffer(buf, m.offset, m.data)
	}
	return nil
}

// CreateBindGroupLayout creates a bind group layout.
func (d *Device) CreateBindGroupLayout(desc *backend.BindGroupLayoutDescriptor) (backend.BindGroupLayoutID, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{
				Type:           convertBindingType(e.Type),
				MinBindingSize: e.MinBindingSize,
			},
		}
	}

	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create bind group layout: %w", err)
	}

	id := backend.BindGroupLayoutID(d.newID())
	d.mu.Lock()
	d.bindGroupLayouts[id] = layout
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (d *Device) DestroyBindGroupLayout(id backend.BindGroupLayoutID) {
	d.mu.Lock()
	layout, ok := d.bindGroupLayouts[id]
	delete(d.bindGroupLayouts, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroupLayout(layout)
	}
}

// CreatePipelineLayout creates a pipeline layout from bind group layouts.
func (d *Device) CreatePipelineLayout(label string, layouts []backend.BindGroupLayoutID) (backend.PipelineLayoutID, error) {
	d.mu.RLock()
	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, lid := range layouts {
		layout, ok := d.bindGroupLayouts[lid]
		if !ok {
			d.mu.RUnlock()
			return backend.InvalidID, fmt.Errorf("wgpu: unknown bind group layout %d", lid)
		}
		halLayouts[i] = layout
	}
	d.mu.RUnlock()

	pipelineLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}

	id := backend.PipelineLayoutID(d.newID())
	d.mu.Lock()
	d.pipelineLayouts[id] = pipelineLayout
	d.mu.Unlock()
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(id backend.PipelineLayoutID) {
	d.mu.Lock()
	layout, ok := d.pipelineLayouts[id]
	delete(d.pipelineLayouts, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyPipelineLayout(layout)
	}
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDescriptor) (backend.ComputePipelineID, error) {
	d.mu.RLock()
	layout, layoutOK := d.pipelineLayouts[desc.Layout]
	module, moduleOK := d.shaderModules[desc.Module]
	d.mu.RUnlock()

	if !layoutOK {
		return backend.InvalidID, fmt.Errorf("wgpu: unknown pipeline layout %d", desc.Layout)
	}
	if !moduleOK {
		return backend.InvalidID, fmt.Errorf("wgpu: unknown shader module %d", desc.Module)
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create compute pipeline: %w", err)
	}

	id := backend.ComputePipelineID(d.newID())
	d.mu.Lock()
	d.computePipelines[id] = pipeline
	d.mu.Unlock()
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (d *Device) DestroyComputePipeline(id backend.ComputePipelineID) {
	d.mu.Lock()
	pipeline, ok := d.computePipelines[id]
	delete(d.computePipelines, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyComputePipeline(pipeline)
	}
}

// CreateBindGroup binds buffer ranges to the slots of a layout.
func (d *Device) CreateBindGroup(desc *backend.BindGroupDescriptor) (backend.BindGroupID, error) {
	d.mu.RLock()
	layout, ok := d.bindGroupLayouts[desc.Layout]
	if !ok {
		d.mu.RUnlock()
		return backend.InvalidID, fmt.Errorf("wgpu: unknown bind group layout %d", desc.Layout)
	}

	entries := make([]gputypes.BindGroupEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		buf, ok := d.buffers[e.Buffer]
		if !ok {
			d.mu.RUnlock()
			return backend.InvalidID, fmt.Errorf("wgpu: unknown buffer %d at binding %d", e.Buffer, e.Binding)
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding: e.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: e.Offset,
				Size:   e.Size, // 0 = entire buffer
			},
		}
	}
	d.mu.RUnlock()

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create bind group: %w", err)
	}

	id := backend.BindGroupID(d.newID())
	d.mu.Lock()
	d.bindGroups[id] = group
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id backend.BindGroupID) {
	d.mu.Lock()
	group, ok := d.bindGroups[id]
	delete(d.bindGroups, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroup(group)
	}
}

// CreateCommandEncoder creates a command encoder in the recording state.
func (d *Device) CreateCommandEncoder(label string) (backend.CommandEncoder, error) {
	halEnc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := halEnc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	return &encoder{device: d, enc: halEnc}, nil
}

// Submit enqueues finished command buffers with the next fence value.
func (d *Device) Submit(buffers []backend.CommandBuffer) (backend.SubmissionIndex, error) {
	halBufs := make([]hal.CommandBuffer, 0, len(buffers))
	var scratch []hal.Buffer
	for _, cb := range buffers {
		wcb, ok := cb.(*commandBuffer)
		if !ok || wcb == nil {
			return 0, fmt.Errorf("%w: foreign command buffer %T", backend.ErrSubmissionFailed, cb)
		}
		halBufs = append(halBufs, wcb.cmdBuf)
		scratch = append(scratch, wcb.scratch...)
	}

	d.mu.Lock()
	d.fenceValue++
	value := d.fenceValue
	err := d.queue.Submit(halBufs, d.fence, value)
	d.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrSubmissionFailed, err)
	}

	// Command buffers are consumed by the queue; free our handles once
	// the submission is in flight.
	for _, cb := range halBufs {
		d.device.FreeCommandBuffer(cb)
	}
	for _, buf := range scratch {
		d.device.DestroyBuffer(buf)
	}
	return backend.SubmissionIndex(value), nil
}

// WaitSubmission blocks until the fence reaches the submission's value.
func (d *Device) WaitSubmission(index backend.SubmissionIndex, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Duration(math.MaxInt64)
	}
	ok, err := d.device.Wait(d.fence, uint64(index), timeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for fence: %w", err)
	}
	if !ok {
		return backend.ErrWaitTimeout
	}
	return nil
}

// WaitIdle blocks until all submitted work has executed.
func (d *Device) WaitIdle() error {
	d.mu.RLock()
	last := d.fenceValue
	d.mu.RUnlock()
	if last == 0 {
		return nil
	}
	return d.WaitSubmission(backend.SubmissionIndex(last), fenceTimeout)
}

// Close waits for in-flight work and releases all resources. Shared
// devices from FromProvider are not destroyed.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	_ = d.WaitIdle()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, group := range d.bindGroups {
		d.device.DestroyBindGroup(group)
		delete(d.bindGroups, id)
	}
	for id, pipeline := range d.computePipelines {
		d.device.DestroyComputePipeline(pipeline)
		delete(d.computePipelines, id)
	}
	for id, layout := range d.pipelineLayouts {
		d.device.DestroyPipelineLayout(layout)
		delete(d.pipelineLayouts, id)
	}
	for id, layout := range d.bindGroupLayouts {
		d.device.DestroyBindGroupLayout(layout)
		delete(d.bindGroupLayouts, id)
	}
	for id, module := range d.shaderModules {
		d.device.DestroyShaderModule(module)
		delete(d.shaderModules, id)
	}
	for id, buf := range d.buffers {
		d.device.DestroyBuffer(buf)
		delete(d.buffers, id)
	}
	if d.fence != nil {
		d.device.DestroyFence(d.fence)
		d.fence = nil
	}

	if !d.external {
		if d.device != nil {
			d.device.Destroy()
		}
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.instance = nil
	d.queue = nil
}

// convertBindingType converts a backend binding type to the gputypes
// buffer binding vocabulary.
func convertBindingType(t backend.BindingType) gputypes.BufferBindingType {
	switch t {
	case backend.BindingUniform:
		return gputypes.BufferBindingTypeUniform
	case backend.BindingReadOnlyStorage:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeStorage
	}
}
