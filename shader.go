package gpuflow

import (
	"fmt"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/gpuflow/backend"
)

// ShaderDescriptor describes a WGSL compute shader to compile.
type ShaderDescriptor struct {
	// Label is an optional debug label.
	Label string

	// Source is WGSL text. It is compiled to SPIR-V at creation.
	Source string

	// EntryPoints names the compute entry points and their workgroup
	// sizes. Dispatch sizing uses these to ceil-divide element counts.
	EntryPoints []EntryPoint
}

// EntryPoint identifies a compute entry point in a shader module.
type EntryPoint struct {
	Name          string
	WorkgroupSize [3]uint32
}

// ShaderModule is a compiled compute shader owned by a Context.
type ShaderModule struct {
	ctx    *Context
	device backend.Device
	id     backend.ShaderModuleID
	label  string
	entry  map[string]EntryPoint

	mu        sync.Mutex
	destroyed bool
}

// CompileShader compiles WGSL source and creates a shader module on
// the device. Compilation failures wrap ErrShaderCompile and carry the
// compiler diagnostic.
func (c *Context) CompileShader(desc *ShaderDescriptor) (*ShaderModule, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	if desc == nil || desc.Source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrShaderCompile)
	}
	if len(desc.EntryPoints) == 0 {
		return nil, fmt.Errorf("%w: no entry points declared", ErrShaderCompile)
	}

	spirv, err := compileWGSL(desc.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShaderCompile, err)
	}

	eps := make([]backend.EntryPoint, len(desc.EntryPoints))
	for i, ep := range desc.EntryPoints {
		eps[i] = backend.EntryPoint{Name: ep.Name, WorkgroupSize: ep.WorkgroupSize}
	}
	id, err := dev.CreateShaderModule(&backend.ShaderModuleDescriptor{
		Label:       desc.Label,
		SPIRV:       spirv,
		EntryPoints: eps,
	})
	if err != nil {
		return nil, err
	}

	entry := make(map[string]EntryPoint, len(desc.EntryPoints))
	for _, ep := range desc.EntryPoints {
		if ep.WorkgroupSize == ([3]uint32{}) {
			ep.WorkgroupSize = [3]uint32{1, 1, 1}
		}
		entry[ep.Name] = ep
	}
	s := &ShaderModule{
		ctx:    c,
		device: dev,
		id:     id,
		label:  desc.Label,
		entry:  entry,
	}
	c.trackShader(s)
	slogger().Debug("shader compiled", "label", desc.Label, "words", len(spirv), "entryPoints", len(desc.EntryPoints))
	return s, nil
}

// compileWGSL compiles WGSL to SPIR-V words. SPIR-V is little-endian
// 32-bit words.
func compileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V output length %d not word aligned", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// ID returns the backend shader module handle.
func (s *ShaderModule) ID() backend.ShaderModuleID { return s.id }

// Label returns the debug label.
func (s *ShaderModule) Label() string { return s.label }

// EntryPoint returns the named entry point declaration.
func (s *ShaderModule) EntryPoint(name string) (EntryPoint, bool) {
	ep, ok := s.entry[name]
	return ep, ok
}

// Destroy releases the module. Pipelines created from it remain valid.
func (s *ShaderModule) Destroy() {
	s.destroy()
}

func (s *ShaderModule) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()
	s.device.DestroyShaderModule(s.id)
}
