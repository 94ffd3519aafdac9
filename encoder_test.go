package gpuflow

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncoderSingleUse(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, []byte{1, 2, 3, 4})
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}

	enc, err := ctx.CreateEncoder("single-use")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	if err := enc.CopyBufferToBuffer(src, 0, dst, 0, 4); err != nil {
		t.Fatalf("CopyBufferToBuffer: %v", err)
	}
	if _, err := enc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := enc.CopyBufferToBuffer(src, 0, dst, 0, 4); !errors.Is(err, ErrEncoderConsumed) {
		t.Errorf("record after Finish = %v, want ErrEncoderConsumed", err)
	}
	if _, err := enc.Finish(); !errors.Is(err, ErrEncoderConsumed) {
		t.Errorf("second Finish = %v, want ErrEncoderConsumed", err)
	}
	enc.Discard() // no-op after Finish
}

func TestEncoderDiscard(t *testing.T) {
	ctx := newTestContext(t)

	enc, err := ctx.CreateEncoder("discarded")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	enc.Discard()
	if _, err := enc.Finish(); !errors.Is(err, ErrEncoderConsumed) {
		t.Errorf("Finish after Discard = %v, want ErrEncoderConsumed", err)
	}
}

func TestCopyValidation(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, make([]byte, 16))
	dst, err := ctx.CreateReadbackBuffer(16)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}
	noSrc, err := ctx.CreateBuffer(&BufferDescriptor{Size: 16, Usage: UsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	tests := []struct {
		name      string
		src, dst  *Buffer
		srcOffset uint64
		dstOffset uint64
		size      uint64
	}{
		{name: "nil source", dst: dst, size: 4},
		{name: "same buffer", src: src, dst: src, size: 4},
		{name: "zero size", src: src, dst: dst, size: 0},
		{name: "unaligned size", src: src, dst: dst, size: 3},
		{name: "unaligned source offset", src: src, dst: dst, srcOffset: 2, size: 4},
		{name: "unaligned destination offset", src: src, dst: dst, dstOffset: 2, size: 4},
		{name: "source lacks CopySrc", src: noSrc, dst: dst, size: 4},
		{name: "destination lacks CopyDst", src: src, dst: noSrc, size: 4},
		{name: "source out of bounds", src: src, dst: dst, srcOffset: 16, size: 4},
		{name: "destination out of bounds", src: src, dst: dst, dstOffset: 12, size: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := ctx.CreateEncoder("copy-validation")
			if err != nil {
				t.Fatalf("CreateEncoder: %v", err)
			}
			defer enc.Discard()
			err = enc.CopyBufferToBuffer(tt.src, tt.srcOffset, tt.dst, tt.dstOffset, tt.size)
			if !errors.Is(err, ErrInvalidCopy) {
				t.Errorf("CopyBufferToBuffer = %v, want ErrInvalidCopy", err)
			}
		})
	}
}

func TestEncoderRejectsMappedBuffer(t *testing.T) {
	ctx := newTestContext(t)

	src, err := ctx.CreateUploadBuffer(4) // still mapped
	if err != nil {
		t.Fatalf("CreateUploadBuffer: %v", err)
	}
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}

	enc, err := ctx.CreateEncoder("mapped-src")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	defer enc.Discard()
	if err := enc.CopyBufferToBuffer(src, 0, dst, 0, 4); !errors.Is(err, ErrBufferBusy) {
		t.Fatalf("copy from mapped buffer = %v, want ErrBufferBusy", err)
	}
}

func TestEncoderPassDiscipline(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, []byte{1, 2, 3, 4})
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}

	enc, err := ctx.CreateEncoder("pass-discipline")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	defer enc.Discard()

	pass, err := enc.BeginComputePass("pass")
	if err != nil {
		t.Fatalf("BeginComputePass: %v", err)
	}

	// No other recording while a pass is open.
	if err := enc.CopyBufferToBuffer(src, 0, dst, 0, 4); !errors.Is(err, ErrPassActive) {
		t.Errorf("copy during pass = %v, want ErrPassActive", err)
	}
	if _, err := enc.BeginComputePass("nested"); !errors.Is(err, ErrPassActive) {
		t.Errorf("nested pass = %v, want ErrPassActive", err)
	}
	if _, err := enc.Finish(); !errors.Is(err, ErrPassActive) {
		t.Errorf("Finish during pass = %v, want ErrPassActive", err)
	}

	if err := pass.Dispatch(1, 1, 1); !errors.Is(err, ErrNoPipeline) {
		t.Errorf("Dispatch without pipeline = %v, want ErrNoPipeline", err)
	}

	if err := pass.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := pass.End(); !errors.Is(err, ErrPassEnded) {
		t.Errorf("second End = %v, want ErrPassEnded", err)
	}
	if err := pass.Dispatch(1, 1, 1); !errors.Is(err, ErrPassEnded) {
		t.Errorf("Dispatch after End = %v, want ErrPassEnded", err)
	}

	// Encoder records again once the pass ended.
	if err := enc.CopyBufferToBuffer(src, 0, dst, 0, 4); err != nil {
		t.Fatalf("copy after pass end: %v", err)
	}
	if _, err := enc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestClearBufferRange(t *testing.T) {
	ctx := newTestContext(t)

	buf := mustUpload(t, ctx, UsageCopySrc, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	enc, err := ctx.CreateEncoder("clear")
	if err != nil {
		t.Fatalf("CreateEncoder: %v", err)
	}
	if err := enc.ClearBuffer(buf, 4, 0); err != nil {
		t.Fatalf("ClearBuffer: %v", err)
	}
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := ctx.Submit(cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := []byte{1, 2, 3, 4, 0, 0, 0, 0}
	if got := mustReadBack(t, ctx, buf); !bytes.Equal(got, want) {
		t.Errorf("after clear = %v, want %v", got, want)
	}
}
