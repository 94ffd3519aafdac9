package gpuflow

import (
	"context"
	"fmt"
)

// ReadBackResult is delivered on the channel returned by ReadBack.
type ReadBackResult struct {
	// Data holds the requested bytes. It is an independent copy,
	// valid after the staging resources are released.
	Data []byte

	// Err is non-nil if the readback failed or the context was done
	// before the bytes arrived.
	Err error
}

// ReadBack asynchronously reads size bytes at offset from src: the
// range is copied into a fresh staging buffer, the submission fence is
// awaited, the staging buffer is mapped, and the bytes are delivered
// on the returned channel. Size 0 reads from offset to the end of the
// buffer.
//
// src needs CopySrc usage and must stay unmapped until the result is
// delivered. The channel receives exactly one result; cancellation or
// deadline of ctx is reported as ctx.Err().
func (c *Context) ReadBack(ctx context.Context, src *Buffer, offset, size uint64) <-chan ReadBackResult {
	ch := make(chan ReadBackResult, 1)

	fail := func(err error) <-chan ReadBackResult {
		ch <- ReadBackResult{Err: err}
		return ch
	}
	if src == nil {
		return fail(fmt.Errorf("%w: nil buffer", ErrInvalidCopy))
	}
	if size == 0 {
		if offset >= src.size {
			return fail(fmt.Errorf("%w: offset %d exceeds buffer size %d", ErrInvalidCopy, offset, src.size))
		}
		size = src.size - offset
	}

	staging, err := c.CreateReadbackBuffer(size)
	if err != nil {
		return fail(err)
	}

	cmd, err := c.BuildCopy(src, offset, staging, 0, size)
	if err != nil {
		staging.Destroy()
		return fail(err)
	}
	sub, err := c.Submit(cmd)
	if err != nil {
		staging.Destroy()
		return fail(err)
	}

	go func() {
		defer staging.Destroy()

		if err := sub.Wait(ctx); err != nil {
			ch <- ReadBackResult{Err: err}
			return
		}

		var res MapResult
		select {
		case res = <-staging.MapAsync(MapRead, 0, size):
		case <-ctx.Done():
			ch <- ReadBackResult{Err: ctx.Err()}
			return
		}
		if res.Err != nil {
			ch <- ReadBackResult{Err: res.Err}
			return
		}

		view, err := staging.GetMappedRange(0, size)
		if err != nil {
			ch <- ReadBackResult{Err: err}
			return
		}
		data := make([]byte, len(view))
		copy(data, view)
		if err := staging.Unmap(); err != nil {
			slogger().Warn("unmap readback staging", "error", err)
		}
		ch <- ReadBackResult{Data: data}
	}()
	return ch
}
