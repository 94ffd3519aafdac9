package gpuflow

import (
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/gpuflow/backend"
	_ "github.com/gogpu/gpuflow/backend/software"
	wgpudev "github.com/gogpu/gpuflow/backend/wgpu"
)

// Options configures device acquisition.
type Options struct {
	// Backend forces a specific backend by registry name ("wgpu",
	// "software"). Empty negotiates the best available one.
	Backend string
}

// Context owns a device and every resource created through it. All
// package state hangs off a Context; independent Contexts do not share
// anything and can coexist in one process.
//
// A Context is safe for concurrent use. Close releases all tracked
// resources in reverse creation order and then the device itself.
type Context struct {
	mu     sync.Mutex
	device backend.Device
	closed bool

	buffers []*Buffer
	shaders []*ShaderModule

	bindGroups       []backend.BindGroupID
	pipelines        []backend.ComputePipelineID
	pipelineLayouts  []backend.PipelineLayoutID
	bindGroupLayouts []backend.BindGroupLayoutID
}

// Acquire opens a device and returns a Context that owns it.
//
// With nil or zero Options the registered backends are tried in
// priority order: hardware via gogpu/wgpu first, the pure Go software
// device as fallback. Failure is classified: errors.Is(err, ErrNoGPU)
// means the platform cannot provide a device at all,
// ErrDeviceUnavailable means a device exists but could not be opened.
func Acquire(opts *Options) (*Context, error) {
	if opts == nil {
		opts = &Options{}
	}
	var (
		dev backend.Device
		err error
	)
	if opts.Backend != "" {
		dev, err = backend.Get(opts.Backend)
	} else {
		dev, err = backend.Default()
	}
	if err != nil {
		return nil, err
	}
	slogger().Info("device acquired", "backend", dev.Name(), "device", dev.Info().String())
	return &Context{device: dev}, nil
}

// AcquireShared wraps a GPU device owned by a host application (for
// example a gogpu window) instead of opening a standalone one. The
// provider must expose HAL handles; Close releases gpuflow's resources
// but leaves the shared device alive.
func AcquireShared(provider gpucontext.DeviceProvider) (*Context, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	dev, err := wgpudev.FromProvider(provider)
	if err != nil {
		return nil, err
	}
	slogger().Info("device acquired", "backend", dev.Name(), "device", dev.Info().String(), "shared", true)
	return &Context{device: dev}, nil
}

// WithDevice wraps an already open backend device. The Context takes
// ownership: Close releases the device.
func WithDevice(dev backend.Device) *Context {
	return &Context{device: dev}
}

// Device returns the underlying backend device.
func (c *Context) Device() backend.Device { return c.device }

// Backend returns the name of the active backend.
func (c *Context) Backend() string { return c.device.Name() }

// Info returns a description of the active device.
func (c *Context) Info() backend.DeviceInfo { return c.device.Info() }

// dev returns the device if the context is still open.
func (c *Context) dev() (backend.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	return c.device, nil
}

func (c *Context) trackBuffer(b *Buffer) {
	c.mu.Lock()
	c.buffers = append(c.buffers, b)
	c.mu.Unlock()
}

func (c *Context) trackShader(s *ShaderModule) {
	c.mu.Lock()
	c.shaders = append(c.shaders, s)
	c.mu.Unlock()
}

func (c *Context) trackPipeline(bgl backend.BindGroupLayoutID, pl backend.PipelineLayoutID, p backend.ComputePipelineID, bg backend.BindGroupID) {
	c.mu.Lock()
	c.bindGroupLayouts = append(c.bindGroupLayouts, bgl)
	c.pipelineLayouts = append(c.pipelineLayouts, pl)
	c.pipelines = append(c.pipelines, p)
	c.bindGroups = append(c.bindGroups, bg)
	c.mu.Unlock()
}

// Close waits for in-flight work, destroys every tracked resource in
// reverse creation order, and releases the device. Close is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dev := c.device
	buffers := c.buffers
	shaders := c.shaders
	bindGroups := c.bindGroups
	pipelines := c.pipelines
	pipelineLayouts := c.pipelineLayouts
	bindGroupLayouts := c.bindGroupLayouts
	c.buffers = nil
	c.shaders = nil
	c.bindGroups = nil
	c.pipelines = nil
	c.pipelineLayouts = nil
	c.bindGroupLayouts = nil
	c.mu.Unlock()

	if err := dev.WaitIdle(); err != nil {
		slogger().Warn("wait for idle before close", "error", err)
	}
	for i := len(bindGroups) - 1; i >= 0; i-- {
		dev.DestroyBindGroup(bindGroups[i])
	}
	for i := len(pipelines) - 1; i >= 0; i-- {
		dev.DestroyComputePipeline(pipelines[i])
	}
	for i := len(pipelineLayouts) - 1; i >= 0; i-- {
		dev.DestroyPipelineLayout(pipelineLayouts[i])
	}
	for i := len(bindGroupLayouts) - 1; i >= 0; i-- {
		dev.DestroyBindGroupLayout(bindGroupLayouts[i])
	}
	for i := len(shaders) - 1; i >= 0; i-- {
		shaders[i].destroy()
	}
	for i := len(buffers) - 1; i >= 0; i-- {
		buffers[i].destroy()
	}
	dev.Close()
}
