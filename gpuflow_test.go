package gpuflow

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gogpu/gpuflow/backend"
	"github.com/gogpu/gpuflow/backend/software"
)

// newTestContext returns a Context over a fresh software device.
func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx := WithDevice(software.New())
	t.Cleanup(ctx.Close)
	return ctx
}

func floatsToBytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesToFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// mustUpload creates an unmapped buffer with the given usage holding
// data, staged through a mapped-at-creation write.
func mustUpload(t *testing.T, ctx *Context, usage BufferUsage, data []byte) *Buffer {
	t.Helper()
	buf, err := ctx.CreateBuffer(&BufferDescriptor{
		Label: "test-upload",
		Size:  uint64(len(data)),
		Usage: usage | UsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := buf.WriteBytes(data, 0); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	return buf
}

// mustReadBack reads the whole buffer synchronously.
func mustReadBack(t *testing.T, ctx *Context, buf *Buffer) []byte {
	t.Helper()
	res := <-ctx.ReadBack(context.Background(), buf, 0, 0)
	if res.Err != nil {
		t.Fatalf("ReadBack: %v", res.Err)
	}
	return res.Data
}

func TestAcquireSoftware(t *testing.T) {
	ctx, err := Acquire(&Options{Backend: backend.BackendSoftware})
	if err != nil {
		t.Fatalf("Acquire(software): %v", err)
	}
	defer ctx.Close()

	if got := ctx.Backend(); got != backend.BackendSoftware {
		t.Errorf("Backend() = %q, want %q", got, backend.BackendSoftware)
	}
	if ctx.Info().Name == "" {
		t.Error("Info().Name is empty")
	}
	if !ctx.Device().SupportsCompute() {
		t.Error("software device should support compute")
	}
}

func TestAcquireUnknownBackend(t *testing.T) {
	_, err := Acquire(&Options{Backend: "metal3"})
	if !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Fatalf("Acquire(metal3) = %v, want ErrBackendNotAvailable", err)
	}
}

func TestAcquireDefaultFallsBack(t *testing.T) {
	// Hardware may be absent; negotiation must still yield a device.
	ctx, err := Acquire(nil)
	if err != nil {
		t.Fatalf("Acquire(nil): %v", err)
	}
	defer ctx.Close()
}

func TestAcquireSharedNilProvider(t *testing.T) {
	_, err := AcquireShared(nil)
	if !errors.Is(err, ErrNilProvider) {
		t.Fatalf("AcquireShared(nil) = %v, want ErrNilProvider", err)
	}
}

func TestContextClosed(t *testing.T) {
	ctx := WithDevice(software.New())
	ctx.Close()
	ctx.Close() // idempotent

	if _, err := ctx.CreateBuffer(&BufferDescriptor{Size: 4, Usage: UsageStorage}); !errors.Is(err, ErrContextClosed) {
		t.Errorf("CreateBuffer after Close = %v, want ErrContextClosed", err)
	}
	if _, err := ctx.CreateEncoder("late"); !errors.Is(err, ErrContextClosed) {
		t.Errorf("CreateEncoder after Close = %v, want ErrContextClosed", err)
	}
}

func TestContextCloseReleasesResources(t *testing.T) {
	ctx := WithDevice(software.New())

	buf, err := ctx.CreateBuffer(&BufferDescriptor{Size: 16, Usage: UsageStorage | UsageCopyDst})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	ctx.Close()

	if err := buf.WriteBytes([]byte{1, 2, 3, 4}, 0); !errors.Is(err, ErrBufferDestroyed) {
		t.Errorf("WriteBytes after context close = %v, want ErrBufferDestroyed", err)
	}
}

func TestSetLoggerNil(t *testing.T) {
	SetLogger(nil)
	if Logger() == nil {
		t.Fatal("Logger() returned nil after SetLogger(nil)")
	}
	// The nop logger must swallow output without panicking.
	Logger().Info("discarded")
}

// stuckDevice never observes submission completion. Used to exercise
// context cancellation on waits.
type stuckDevice struct {
	backend.Device
}

func (stuckDevice) WaitSubmission(backend.SubmissionIndex, time.Duration) error {
	return backend.ErrWaitTimeout
}

func TestSubmissionWaitHonorsContext(t *testing.T) {
	dev := stuckDevice{Device: software.New()}
	defer dev.Device.Close()

	sub := &Submission{device: dev, index: 1}
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sub.Wait(waitCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want context.DeadlineExceeded", err)
	}
}
