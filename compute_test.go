package gpuflow

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/gpuflow/backend/software"
)

const doubleShaderWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64)
fn double_main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < arrayLength(&data)) {
        data[i] = data[i] * 2.0;
    }
}
`

// registerDoubleKernel installs the software mirror of doubleShaderWGSL.
func registerDoubleKernel(t *testing.T) {
	t.Helper()
	software.RegisterKernel("double_main", software.Kernel{
		WorkgroupSize: [3]uint32{64, 1, 1},
		Fn: func(inv software.Invocation, bindings []software.Binding) {
			data := bindings[0].Data
			i := int(inv.GlobalID[0]) * 4
			if i+4 > len(data) {
				return
			}
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))
			binary.LittleEndian.PutUint32(data[i:], math.Float32bits(v*2))
		},
	})
	t.Cleanup(func() { software.UnregisterKernel("double_main") })
}

func compileDoubleShader(t *testing.T, ctx *Context) *ShaderModule {
	t.Helper()
	shader, err := ctx.CompileShader(&ShaderDescriptor{
		Label:  "double",
		Source: doubleShaderWGSL,
		EntryPoints: []EntryPoint{
			{Name: "double_main", WorkgroupSize: [3]uint32{64, 1, 1}},
		},
	})
	if err != nil {
		t.Fatalf("CompileShader: %v", err)
	}
	return shader
}

func TestComputeDispatch(t *testing.T) {
	ctx := newTestContext(t)
	registerDoubleKernel(t)

	input := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	buf := mustUpload(t, ctx, UsageStorage|UsageCopySrc, floatsToBytes(input))

	shader := compileDoubleShader(t, ctx)
	cmd, err := ctx.BuildCompute(&ComputeDesc{
		Label:      "double-dispatch",
		Shader:     shader,
		EntryPoint: "double_main",
		Layout:     []BindingLayout{{Binding: 0, Type: BindingStorage}},
		Bindings:   []Binding{{Binding: 0, Buffer: buf}},
		Grid:       [3]uint32{uint32(len(input)), 1, 1},
	})
	if err != nil {
		t.Fatalf("BuildCompute: %v", err)
	}
	if err := ctx.SubmitAndWait(context.Background(), cmd); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}

	got := bytesToFloats(mustReadBack(t, ctx, buf))
	for i, v := range got {
		if v != input[i]*2 {
			t.Errorf("data[%d] = %v, want %v", i, v, input[i]*2)
		}
	}
}

const matmulShaderWGSL = `
@group(0) @binding(0) var<storage, read> lhs: array<f32>;
@group(0) @binding(1) var<storage, read> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> out: array<f32>;

@compute @workgroup_size(8, 8)
fn matmul_main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let m = u32(lhs[0]);
    let k = u32(lhs[1]);
    let n = u32(rhs[1]);
    let row = gid.y;
    let col = gid.x;
    if (row >= m || col >= n) {
        return;
    }
    var sum = 0.0;
    for (var i = 0u; i < k; i = i + 1u) {
        sum = sum + lhs[2u + row * k + i] * rhs[2u + i * n + col];
    }
    out[0] = f32(m);
    out[1] = f32(n);
    out[2u + row * n + col] = sum;
}
`

// matmulKernel mirrors matmulShaderWGSL on the software device.
// Matrices are dimension prefixed: two f32 dimensions, then row-major
// data.
func matmulKernel(inv software.Invocation, bindings []software.Binding) {
	f32 := func(data []byte, i uint32) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	put := func(data []byte, i uint32, v float32) {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}

	lhs, rhs, out := bindings[0].Data, bindings[1].Data, bindings[2].Data
	m := uint32(f32(lhs, 0))
	k := uint32(f32(lhs, 1))
	n := uint32(f32(rhs, 1))
	row, col := inv.GlobalID[1], inv.GlobalID[0]
	if row >= m || col >= n {
		return
	}
	var sum float32
	for i := uint32(0); i < k; i++ {
		sum += f32(lhs, 2+row*k+i) * f32(rhs, 2+i*n+col)
	}
	put(out, 0, float32(m))
	put(out, 1, float32(n))
	put(out, 2+row*n+col, sum)
}

// TestMatMul runs a 2x4 by 4x2 multiplication through the compute
// pipeline. Inputs and output use the dimension-prefixed encoding and
// the dispatch is ceil-divided over the 8x8 workgroup.
func TestMatMul(t *testing.T) {
	ctx := newTestContext(t)
	software.RegisterKernel("matmul_main", software.Kernel{
		WorkgroupSize: [3]uint32{8, 8, 1},
		Fn:            matmulKernel,
	})
	t.Cleanup(func() { software.UnregisterKernel("matmul_main") })

	lhs := []float32{2, 4, 1, 2, 3, 4, 5, 6, 7, 8}
	rhs := []float32{4, 2, 1, 2, 3, 4, 5, 6, 7, 8}
	a := mustUpload(t, ctx, UsageStorage, floatsToBytes(lhs))
	b := mustUpload(t, ctx, UsageStorage, floatsToBytes(rhs))
	out, err := ctx.CreateBuffer(&BufferDescriptor{
		Label: "matmul-out",
		Size:  uint64((2 + 2*2) * 4),
		Usage: UsageStorage | UsageCopySrc,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	shader, err := ctx.CompileShader(&ShaderDescriptor{
		Label:  "matmul",
		Source: matmulShaderWGSL,
		EntryPoints: []EntryPoint{
			{Name: "matmul_main", WorkgroupSize: [3]uint32{8, 8, 1}},
		},
	})
	if err != nil {
		t.Fatalf("CompileShader: %v", err)
	}

	cmd, err := ctx.BuildCompute(&ComputeDesc{
		Label:      "matmul-dispatch",
		Shader:     shader,
		EntryPoint: "matmul_main",
		Layout: []BindingLayout{
			{Binding: 0, Type: BindingReadOnlyStorage},
			{Binding: 1, Type: BindingReadOnlyStorage},
			{Binding: 2, Type: BindingStorage},
		},
		Bindings: []Binding{
			{Binding: 0, Buffer: a},
			{Binding: 1, Buffer: b},
			{Binding: 2, Buffer: out},
		},
		Grid: [3]uint32{2, 2, 1},
	})
	if err != nil {
		t.Fatalf("BuildCompute: %v", err)
	}
	if err := ctx.SubmitAndWait(context.Background(), cmd); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}

	want := []float32{2, 2, 50, 60, 114, 140}
	got := bytesToFloats(mustReadBack(t, ctx, out))
	if len(got) != len(want) {
		t.Fatalf("result length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWorkgroupsFor(t *testing.T) {
	p := &ComputePipeline{entry: EntryPoint{WorkgroupSize: [3]uint32{8, 8, 1}}}

	tests := []struct {
		name string
		grid [3]uint32
		want [3]uint32
	}{
		{name: "exact multiple", grid: [3]uint32{16, 16, 1}, want: [3]uint32{2, 2, 1}},
		{name: "rounds up", grid: [3]uint32{9, 1, 1}, want: [3]uint32{2, 1, 1}},
		{name: "smaller than workgroup", grid: [3]uint32{2, 2, 1}, want: [3]uint32{1, 1, 1}},
		{name: "zero dims count as one", grid: [3]uint32{}, want: [3]uint32{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.WorkgroupsFor(tt.grid); got != tt.want {
				t.Errorf("WorkgroupsFor(%v) = %v, want %v", tt.grid, got, tt.want)
			}
		})
	}
}

func TestCreateComputePipelineUnknownEntry(t *testing.T) {
	ctx := newTestContext(t)
	registerDoubleKernel(t)

	shader := compileDoubleShader(t, ctx)
	_, err := ctx.CreateComputePipeline(shader, "missing_main", nil)
	if !errors.Is(err, ErrShaderCompile) {
		t.Fatalf("CreateComputePipeline = %v, want ErrShaderCompile", err)
	}
}

func TestCreateBindGroupValidation(t *testing.T) {
	ctx := newTestContext(t)
	registerDoubleKernel(t)

	shader := compileDoubleShader(t, ctx)
	pipeline, err := ctx.CreateComputePipeline(shader, "double_main", []BindingLayout{
		{Binding: 0, Type: BindingStorage, MinBindingSize: 16},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}

	storage, err := ctx.CreateBuffer(&BufferDescriptor{Size: 32, Usage: UsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	uniform, err := ctx.CreateBuffer(&BufferDescriptor{Size: 32, Usage: UsageUniform})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	tests := []struct {
		name     string
		bindings []Binding
	}{
		{name: "missing binding", bindings: nil},
		{name: "unknown slot", bindings: []Binding{{Binding: 7, Buffer: storage}}},
		{name: "nil buffer", bindings: []Binding{{Binding: 0}}},
		{name: "usage mismatch", bindings: []Binding{{Binding: 0, Buffer: uniform}}},
		{name: "below minimum size", bindings: []Binding{{Binding: 0, Buffer: storage, Size: 8}}},
		{name: "range out of bounds", bindings: []Binding{{Binding: 0, Buffer: storage, Offset: 16, Size: 32}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ctx.CreateBindGroup(pipeline, tt.bindings); !errors.Is(err, ErrInvalidBinding) {
				t.Errorf("CreateBindGroup = %v, want ErrInvalidBinding", err)
			}
		})
	}
}

func TestDispatchValidation(t *testing.T) {
	ctx := newTestContext(t)
	registerDoubleKernel(t)

	shader := compileDoubleShader(t, ctx)
	pipeline, err := ctx.CreateComputePipeline(shader, "double_main", []BindingLayout{
		{Binding: 0, Type: BindingStorage},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}

	enc, err := ctx.CreateEncoder("dispatch-validation")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	defer enc.Discard()
	pass, err := enc.BeginComputePass("validate")
	if err != nil {
		t.Fatalf("BeginComputePass: %v", err)
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}

	if err := pass.Dispatch(0, 1, 1); !errors.Is(err, ErrInvalidDispatch) {
		t.Errorf("zero count = %v, want ErrInvalidDispatch", err)
	}
	limit := ctx.Device().MaxWorkgroups()
	if err := pass.Dispatch(limit+1, 1, 1); !errors.Is(err, ErrInvalidDispatch) {
		t.Errorf("over limit = %v, want ErrInvalidDispatch", err)
	}
	if err := pass.SetBindGroup(maxBindGroups, nil); !errors.Is(err, ErrInvalidBinding) {
		t.Errorf("group index over limit = %v, want ErrInvalidBinding", err)
	}
}

func TestDispatchIndirect(t *testing.T) {
	ctx := newTestContext(t)
	registerDoubleKernel(t)

	input := []float32{1, 2, 3, 4}
	buf := mustUpload(t, ctx, UsageStorage|UsageCopySrc, floatsToBytes(input))

	args := make([]byte, 12)
	binary.LittleEndian.PutUint32(args[0:], 1)
	binary.LittleEndian.PutUint32(args[4:], 1)
	binary.LittleEndian.PutUint32(args[8:], 1)
	argBuf := mustUpload(t, ctx, UsageIndirect, args)

	shader := compileDoubleShader(t, ctx)
	pipeline, err := ctx.CreateComputePipeline(shader, "double_main", []BindingLayout{
		{Binding: 0, Type: BindingStorage},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
	group, err := ctx.CreateBindGroup(pipeline, []Binding{{Binding: 0, Buffer: buf}})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}

	enc, err := ctx.CreateEncoder("indirect")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	pass, err := enc.BeginComputePass("indirect")
	if err != nil {
		t.Fatalf("BeginComputePass: %v", err)
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	if err := pass.SetBindGroup(0, group); err != nil {
		t.Fatalf("SetBindGroup: %v", err)
	}
	if err := pass.DispatchIndirect(argBuf, 0); err != nil {
		t.Fatalf("DispatchIndirect: %v", err)
	}
	if err := pass.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := ctx.SubmitAndWait(context.Background(), cmd); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}

	got := bytesToFloats(mustReadBack(t, ctx, buf))
	for i, v := range got {
		if v != input[i]*2 {
			t.Errorf("data[%d] = %v, want %v", i, v, input[i]*2)
		}
	}
}
