package gpuflow

import (
	"errors"
	"testing"
)

func TestCompileShader(t *testing.T) {
	ctx := newTestContext(t)

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
	if shader.Label() != "double" {
		t.Errorf("Label() = %q, want %q", shader.Label(), "double")
	}

	ep, ok := shader.EntryPoint("double_main")
	if !ok {
		t.Fatal("EntryPoint(double_main) not found")
	}
	if ep.WorkgroupSize != [3]uint32{64, 1, 1} {
		t.Errorf("WorkgroupSize = %v, want [64 1 1]", ep.WorkgroupSize)
	}
	if _, ok := shader.EntryPoint("missing"); ok {
		t.Error("EntryPoint(missing) found unexpectedly")
	}
}

func TestCompileShaderDefaultsWorkgroupSize(t *testing.T) {
	ctx := newTestContext(t)

	shader, err := ctx.CompileShader(&ShaderDescriptor{
		Source: doubleShaderWGSL,
		EntryPoints: []EntryPoint{
			{Name: "double_main"},
		},
	})
	if err != nil {
		t.Fatalf("CompileShader: %v", err)
	}
	ep, _ := shader.EntryPoint("double_main")
	if ep.WorkgroupSize != [3]uint32{1, 1, 1} {
		t.Errorf("WorkgroupSize = %v, want [1 1 1]", ep.WorkgroupSize)
	}
}

func TestCompileShaderErrors(t *testing.T) {
	ctx := newTestContext(t)

	tests := []struct {
		name string
		desc *ShaderDescriptor
	}{
		{name: "nil descriptor", desc: nil},
		{
			name: "empty source",
			desc: &ShaderDescriptor{EntryPoints: []EntryPoint{{Name: "main"}}},
		},
		{
			name: "no entry points",
			desc: &ShaderDescriptor{Source: doubleShaderWGSL},
		},
		{
			name: "invalid wgsl",
			desc: &ShaderDescriptor{
				Source:      "fn broken( {",
				EntryPoints: []EntryPoint{{Name: "main"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ctx.CompileShader(tt.desc); !errors.Is(err, ErrShaderCompile) {
				t.Errorf("CompileShader = %v, want ErrShaderCompile", err)
			}
		})
	}
}
