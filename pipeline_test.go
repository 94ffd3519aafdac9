package gpuflow

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gpuflow/backend/software"
)

// TestCopyPipeline drives the canonical smoke scenario: stage the
// bytes 1, 2, 3, 4, copy them into a readback buffer through one
// submission, and map the result.
func TestCopyPipeline(t *testing.T) {
	ctx := newTestContext(t)

	want := []byte{1, 2, 3, 4}
	src := mustUpload(t, ctx, UsageCopySrc, want)
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}

	cmd, err := ctx.BuildCopy(src, 0, dst, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	sub, err := ctx.Submit(cmd)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if res := <-dst.MapAsync(MapRead, 0, 4); res.Err != nil {
		t.Fatalf("MapAsync: %v", res.Err)
	}
	got, err := dst.GetMappedRange(0, 4)
	if err != nil {
		t.Fatalf("GetMappedRange: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("copied bytes = %v, want %v", got, want)
	}
}

// TestSubmissionFIFOOrder chains copies a -> b -> c across separate
// submissions. FIFO execution means waiting on the last submission is
// enough for the data to have flowed through the chain.
func TestSubmissionFIFOOrder(t *testing.T) {
	ctx := newTestContext(t)

	want := []byte{0x10, 0x20, 0x30, 0x40}
	a := mustUpload(t, ctx, UsageCopySrc, want)
	mid, err := ctx.CreateBuffer(&BufferDescriptor{
		Size:  4,
		Usage: UsageStorage | UsageCopySrc | UsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	c, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}

	first, err := ctx.BuildCopy(a, 0, mid, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	second, err := ctx.BuildCopy(mid, 0, c, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}

	sub1, err := ctx.Submit(first)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	sub2, err := ctx.Submit(second)
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if sub2.Index() <= sub1.Index() {
		t.Fatalf("submission indices not increasing: %d then %d", sub1.Index(), sub2.Index())
	}
	if err := sub2.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if res := <-c.MapAsync(MapRead, 0, 4); res.Err != nil {
		t.Fatalf("MapAsync: %v", res.Err)
	}
	got, err := c.GetMappedRange(0, 4)
	if err != nil {
		t.Fatalf("GetMappedRange: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("chained copy = %v, want %v", got, want)
	}
}

func TestSubmitConsumesCommandBuffer(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, []byte{1, 2, 3, 4})
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}
	cmd, err := ctx.BuildCopy(src, 0, dst, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	if _, err := ctx.Submit(cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := ctx.Submit(cmd); !errors.Is(err, ErrCommandConsumed) {
		t.Fatalf("second Submit = %v, want ErrCommandConsumed", err)
	}
}

func TestSubmitRejectsMappedBuffer(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, []byte{1, 2, 3, 4})
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}
	cmd, err := ctx.BuildCopy(src, 0, dst, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}

	// Mapping dst between recording and submit must fail the submit.
	if res := <-dst.MapAsync(MapRead, 0, 4); res.Err != nil {
		t.Fatalf("MapAsync: %v", res.Err)
	}
	if _, err := ctx.Submit(cmd); !errors.Is(err, ErrBufferBusy) {
		t.Fatalf("Submit with mapped buffer = %v, want ErrBufferBusy", err)
	}
}

func TestSubmitNothing(t *testing.T) {
	ctx := newTestContext(t)
	if _, err := ctx.Submit(); !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("Submit() = %v, want ErrSubmissionFailed", err)
	}
}

func TestSubmitAndWait(t *testing.T) {
	ctx := newTestContext(t)

	src := mustUpload(t, ctx, UsageCopySrc, []byte{5, 6, 7, 8})
	dst, err := ctx.CreateReadbackBuffer(4)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}
	cmd, err := ctx.BuildCopy(src, 0, dst, 0, 4)
	if err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	if err := ctx.SubmitAndWait(context.Background(), cmd); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
}

func TestReadBack(t *testing.T) {
	ctx := newTestContext(t)

	want := []byte{11, 22, 33, 44, 55, 66, 77, 88}
	buf := mustUpload(t, ctx, UsageStorage|UsageCopySrc, want)

	res := <-ctx.ReadBack(context.Background(), buf, 0, 0)
	if res.Err != nil {
		t.Fatalf("ReadBack: %v", res.Err)
	}
	if !bytes.Equal(res.Data, want) {
		t.Errorf("ReadBack = %v, want %v", res.Data, want)
	}

	// Partial range.
	res = <-ctx.ReadBack(context.Background(), buf, 4, 4)
	if res.Err != nil {
		t.Fatalf("ReadBack partial: %v", res.Err)
	}
	if !bytes.Equal(res.Data, want[4:]) {
		t.Errorf("partial ReadBack = %v, want %v", res.Data, want[4:])
	}

	// The source buffer is usable again afterwards.
	if got := buf.State(); got != MapStateUnmapped {
		t.Errorf("source State() = %v, want unmapped", got)
	}
}

func TestReadBackValidation(t *testing.T) {
	ctx := newTestContext(t)

	noSrc, err := ctx.CreateBuffer(&BufferDescriptor{Size: 8, Usage: UsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	if res := <-ctx.ReadBack(context.Background(), nil, 0, 0); !errors.Is(res.Err, ErrInvalidCopy) {
		t.Errorf("ReadBack(nil) = %v, want ErrInvalidCopy", res.Err)
	}
	if res := <-ctx.ReadBack(context.Background(), noSrc, 0, 0); !errors.Is(res.Err, ErrInvalidCopy) {
		t.Errorf("ReadBack without CopySrc = %v, want ErrInvalidCopy", res.Err)
	}
	if res := <-ctx.ReadBack(context.Background(), noSrc, 8, 0); !errors.Is(res.Err, ErrInvalidCopy) {
		t.Errorf("ReadBack past end = %v, want ErrInvalidCopy", res.Err)
	}
}

func TestReadBackCancelled(t *testing.T) {
	ctx := WithDevice(stuckDevice{Device: software.New()})
	t.Cleanup(ctx.Close)

	buf := mustUpload(t, ctx, UsageStorage|UsageCopySrc, []byte{1, 2, 3, 4})

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-ctx.ReadBack(cancelCtx, buf, 0, 0)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("cancelled ReadBack = %v, want context.Canceled", res.Err)
	}
}
