package gpuflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gpuflow/backend"
)

// submissionPoll is how often Submission.Wait rechecks context
// cancellation while the device wait is outstanding.
const submissionPoll = 10 * time.Millisecond

// BuildCopy records a single buffer-to-buffer copy into a finished
// command buffer, ready to Submit.
func (c *Context) BuildCopy(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) (*CommandBuffer, error) {
	enc, err := c.CreateEncoder("gpuflow-copy")
	if err != nil {
		return nil, err
	}
	if err := enc.CopyBufferToBuffer(src, srcOffset, dst, dstOffset, size); err != nil {
		enc.Discard()
		return nil, err
	}
	return enc.Finish()
}

// ComputeDesc describes a one-shot compute dispatch for BuildCompute.
type ComputeDesc struct {
	// Label is an optional debug label.
	Label string

	// Shader and EntryPoint select the kernel.
	Shader     *ShaderModule
	EntryPoint string

	// Layout declares the group-0 slots and Bindings fills them.
	Layout   []BindingLayout
	Bindings []Binding

	// Grid is the number of elements to cover per dimension; the
	// workgroup count is ceil(Grid/workgroupSize) per dimension.
	// Zero dimensions count as 1.
	Grid [3]uint32
}

// BuildCompute creates the pipeline and bind group for desc and
// records one dispatch covering desc.Grid into a finished command
// buffer. The pipeline resources live until the Context closes, so
// repeated dispatch of the same kernel should create the pipeline once
// with CreateComputePipeline and record passes by hand.
func (c *Context) BuildCompute(desc *ComputeDesc) (*CommandBuffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidDispatch)
	}
	pipeline, err := c.CreateComputePipeline(desc.Shader, desc.EntryPoint, desc.Layout)
	if err != nil {
		return nil, err
	}
	group, err := c.CreateBindGroup(pipeline, desc.Bindings)
	if err != nil {
		return nil, err
	}

	label := desc.Label
	if label == "" {
		label = "gpuflow-compute"
	}
	enc, err := c.CreateEncoder(label)
	if err != nil {
		return nil, err
	}
	pass, err := enc.BeginComputePass(label)
	if err != nil {
		enc.Discard()
		return nil, err
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		enc.Discard()
		return nil, err
	}
	if err := pass.SetBindGroup(0, group); err != nil {
		enc.Discard()
		return nil, err
	}
	if err := pass.DispatchGrid(desc.Grid); err != nil {
		enc.Discard()
		return nil, err
	}
	if err := pass.End(); err != nil {
		enc.Discard()
		return nil, err
	}
	return enc.Finish()
}

// Submission identifies queued work. Submissions complete in FIFO
// order: waiting for one implies everything submitted before it has
// executed.
type Submission struct {
	device backend.Device
	index  backend.SubmissionIndex
}

// Index returns the monotonically increasing submission index.
func (s *Submission) Index() backend.SubmissionIndex { return s.index }

// Wait blocks until the submission has executed or ctx is done. A
// submission that failed on the device surfaces its error wrapped in
// ErrSubmissionFailed.
func (s *Submission) Wait(ctx context.Context) error {
	for {
		err := s.device.WaitSubmission(s.index, submissionPoll)
		if !errors.Is(err, backend.ErrWaitTimeout) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Submit enqueues finished command buffers as one FIFO submission.
// Each command buffer is single use; Submit consumes it. Buffers the
// commands reference are re-checked: any that were mapped after
// recording reject the submission.
func (c *Context) Submit(cmds ...*CommandBuffer) (*Submission, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: no command buffers", ErrSubmissionFailed)
	}
	for _, cmd := range cmds {
		if cmd == nil {
			return nil, fmt.Errorf("%w: nil command buffer", ErrSubmissionFailed)
		}
		if cmd.consumed {
			return nil, ErrCommandConsumed
		}
		for _, buf := range cmd.buffers {
			if err := buf.gpuUsable(); err != nil {
				return nil, err
			}
		}
	}

	backendCmds := make([]backend.CommandBuffer, len(cmds))
	for i, cmd := range cmds {
		cmd.consumed = true
		backendCmds[i] = cmd.cb
	}
	index, err := dev.Submit(backendCmds)
	if err != nil {
		return nil, err
	}
	slogger().Debug("submitted", "index", index, "commandBuffers", len(cmds))
	return &Submission{device: dev, index: index}, nil
}

// SubmitAndWait submits and blocks until execution completes.
func (c *Context) SubmitAndWait(ctx context.Context, cmds ...*CommandBuffer) error {
	sub, err := c.Submit(cmds...)
	if err != nil {
		return err
	}
	return sub.Wait(ctx)
}
