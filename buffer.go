package gpuflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	wgputypes "github.com/gogpu/wgpu"

	"github.com/gogpu/gpuflow/backend"
)

// BufferUsage is a validated set of buffer usage flags.
type BufferUsage = backend.BufferUsage

// Usage flags. Combine with bitwise OR; combinations are validated by
// CreateBuffer (map usages only pair with their transfer direction).
const (
	UsageMapRead  = gputypes.BufferUsageMapRead
	UsageMapWrite = gputypes.BufferUsageMapWrite
	UsageCopySrc  = gputypes.BufferUsageCopySrc
	UsageCopyDst  = gputypes.BufferUsageCopyDst
	UsageIndex    = wgputypes.BufferUsageIndex
	UsageVertex   = gputypes.BufferUsageVertex
	UsageUniform  = gputypes.BufferUsageUniform
	UsageStorage  = gputypes.BufferUsageStorage
	UsageIndirect = wgputypes.BufferUsageIndirect
)

// MapMode selects the direction of a buffer mapping.
type MapMode = backend.MapMode

const (
	MapRead  = gputypes.MapModeRead
	MapWrite = gputypes.MapModeWrite
)

// ErrInvalidUsage is returned for empty, unknown, or contradictory
// usage flag combinations.
var ErrInvalidUsage = backend.ErrInvalidUsage

// Buffer state errors.
var (
	ErrBufferDestroyed     = errors.New("gpuflow: buffer destroyed")
	ErrBufferAlreadyMapped = errors.New("gpuflow: buffer already mapped")
	ErrBufferMapPending    = errors.New("gpuflow: buffer map in progress")
	ErrBufferNotMapped     = errors.New("gpuflow: buffer not mapped")
	ErrInvalidMapMode      = errors.New("gpuflow: invalid map mode")
	ErrInvalidMapRange     = errors.New("gpuflow: invalid map range")
	ErrMapUsageMismatch    = errors.New("gpuflow: map mode not permitted by buffer usage")
	ErrInvalidBufferSize   = errors.New("gpuflow: invalid buffer size")
	ErrBufferBusy          = errors.New("gpuflow: buffer is mapped or map-pending; unmap before GPU use")
)

// Buffer size and map range alignment requirements, in bytes.
const (
	sizeAlign      = 4
	mapOffsetAlign = 8
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes. Must be a positive multiple
	// of 4.
	Size uint64

	// Usage declares every way the buffer will be used. Validated:
	// UsageMapWrite only combines with UsageCopySrc, UsageMapRead
	// only with UsageCopyDst.
	Usage BufferUsage

	// MappedAtCreation creates the buffer already write-mapped so the
	// initial contents can be filled without a separate MapAsync.
	// Requires UsageMapWrite or UsageCopyDst.
	MappedAtCreation bool
}

// MapState is the mapping state of a Buffer. Transitions are checked:
// Unmapped -> Pending (MapAsync), Pending -> Mapped (completion),
// Mapped -> Unmapped (Unmap). Everything else is an error.
type MapState uint8

const (
	// MapStateUnmapped means the buffer is GPU-visible and usable in
	// command submissions.
	MapStateUnmapped MapState = iota

	// MapStatePending means a MapAsync is in flight.
	MapStatePending

	// MapStateMapped means the contents are CPU-visible through
	// GetMappedRange and the buffer must not be used in submissions.
	MapStateMapped
)

func (s MapState) String() string {
	switch s {
	case MapStateUnmapped:
		return "unmapped"
	case MapStatePending:
		return "pending"
	case MapStateMapped:
		return "mapped"
	default:
		return fmt.Sprintf("MapState(%d)", uint8(s))
	}
}

// MapResult is delivered on the channel returned by MapAsync.
type MapResult struct {
	// Err is nil when the buffer reached the mapped state.
	Err error
}

// Buffer is a device buffer with validated usage flags and a checked
// map-state machine. Safe for concurrent use.
type Buffer struct {
	ctx    *Context
	device backend.Device
	id     backend.BufferID
	label  string
	size   uint64
	usage  BufferUsage

	mu        sync.Mutex
	state     MapState
	mapMode   MapMode
	mapOffset uint64
	mapSize   uint64
	mapped    []byte
	destroyed bool
}

// CreateBuffer allocates a device buffer.
func (c *Context) CreateBuffer(desc *BufferDescriptor) (*Buffer, error) {
	dev, err := c.dev()
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidBufferSize)
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidBufferSize)
	}
	if desc.Size%sizeAlign != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", ErrInvalidBufferSize, desc.Size, sizeAlign)
	}
	if max := dev.MaxBufferSize(); desc.Size > max {
		return nil, fmt.Errorf("%w: size %d exceeds device limit %d", ErrInvalidBufferSize, desc.Size, max)
	}
	if err := backend.ValidateUsage(desc.Usage); err != nil {
		return nil, err
	}
	if desc.MappedAtCreation && !desc.Usage.Contains(UsageMapWrite) && !desc.Usage.Contains(UsageCopyDst) {
		return nil, fmt.Errorf("%w: mapped at creation requires MapWrite or CopyDst", ErrInvalidUsage)
	}

	id, err := dev.CreateBuffer(&backend.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		ctx:    c,
		device: dev,
		id:     id,
		label:  desc.Label,
		size:   desc.Size,
		usage:  desc.Usage,
	}
	if desc.MappedAtCreation {
		data, err := dev.MapBuffer(id, MapWrite, 0, desc.Size)
		if err != nil {
			dev.DestroyBuffer(id)
			return nil, err
		}
		b.state = MapStateMapped
		b.mapMode = MapWrite
		b.mapSize = desc.Size
		b.mapped = data
	}
	c.trackBuffer(b)
	slogger().Debug("buffer created", "label", desc.Label, "size", desc.Size, "usage", desc.Usage)
	return b, nil
}

// CreateUploadBuffer allocates a write-mappable staging buffer
// (MapWrite|CopySrc), already mapped so it can be filled immediately.
func (c *Context) CreateUploadBuffer(size uint64) (*Buffer, error) {
	return c.CreateBuffer(&BufferDescriptor{
		Label:            "gpuflow-upload",
		Size:             size,
		Usage:            UsageMapWrite | UsageCopySrc,
		MappedAtCreation: true,
	})
}

// CreateReadbackBuffer allocates a read-mappable staging buffer
// (MapRead|CopyDst) for copying results back to the CPU.
func (c *Context) CreateReadbackBuffer(size uint64) (*Buffer, error) {
	return c.CreateBuffer(&BufferDescriptor{
		Label: "gpuflow-readback",
		Size:  size,
		Usage: UsageMapRead | UsageCopyDst,
	})
}

// ID returns the backend buffer handle.
func (b *Buffer) ID() backend.BufferID { return b.id }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the buffer's usage flags.
func (b *Buffer) Usage() BufferUsage { return b.usage }

// State returns the current map state.
func (b *Buffer) State() MapState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MapAsync starts mapping the given range and returns a channel that
// delivers exactly one MapResult when the transition completes. For
// MapRead the result arrives only after all previously submitted GPU
// work has executed, so the mapped bytes reflect that work.
//
// The buffer enters the pending state immediately; submissions and
// further map calls fail until the result is consumed and, for
// successful maps, Unmap is called.
func (b *Buffer) MapAsync(mode MapMode, offset, size uint64) <-chan MapResult {
	ch := make(chan MapResult, 1)

	b.mu.Lock()
	if err := b.mapCheckLocked(mode, offset, size); err != nil {
		b.mu.Unlock()
		ch <- MapResult{Err: err}
		return ch
	}
	b.state = MapStatePending
	b.mu.Unlock()

	go func() {
		data, err := b.device.MapBuffer(b.id, mode, offset, size)

		b.mu.Lock()
		if b.destroyed {
			b.mu.Unlock()
			if err == nil {
				b.device.UnmapBuffer(b.id)
			}
			ch <- MapResult{Err: ErrBufferDestroyed}
			return
		}
		if err != nil {
			b.state = MapStateUnmapped
			b.mu.Unlock()
			ch <- MapResult{Err: err}
			return
		}
		b.state = MapStateMapped
		b.mapMode = mode
		b.mapOffset = offset
		b.mapSize = size
		b.mapped = data
		b.mu.Unlock()
		ch <- MapResult{}
	}()
	return ch
}

func (b *Buffer) mapCheckLocked(mode MapMode, offset, size uint64) error {
	if b.destroyed {
		return ErrBufferDestroyed
	}
	switch b.state {
	case MapStatePending:
		return ErrBufferMapPending
	case MapStateMapped:
		return ErrBufferAlreadyMapped
	}
	switch mode {
	case MapRead:
		if !b.usage.Contains(UsageMapRead) {
			return fmt.Errorf("%w: read map needs MapRead usage", ErrMapUsageMismatch)
		}
	case MapWrite:
		if !b.usage.Contains(UsageMapWrite) {
			return fmt.Errorf("%w: write map needs MapWrite usage", ErrMapUsageMismatch)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidMapMode, mode)
	}
	if offset%mapOffsetAlign != 0 {
		return fmt.Errorf("%w: offset %d not a multiple of %d", ErrInvalidMapRange, offset, mapOffsetAlign)
	}
	if size == 0 || size%sizeAlign != 0 {
		return fmt.Errorf("%w: size %d not a positive multiple of %d", ErrInvalidMapRange, size, sizeAlign)
	}
	if offset+size > b.size {
		return fmt.Errorf("%w: [%d, %d) exceeds buffer size %d", ErrInvalidMapRange, offset, offset+size, b.size)
	}
	return nil
}

// GetMappedRange returns a view of the mapped bytes. The offset is
// absolute within the buffer and must fall inside the mapped range;
// size 0 extends to the end of the mapped range. The slice is only
// valid until Unmap.
func (b *Buffer) GetMappedRange(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	if b.state != MapStateMapped {
		return nil, ErrBufferNotMapped
	}
	if size == 0 {
		if offset > b.mapOffset+b.mapSize {
			return nil, fmt.Errorf("%w: offset %d outside mapped range", ErrInvalidMapRange, offset)
		}
		size = b.mapOffset + b.mapSize - offset
	}
	if offset < b.mapOffset || offset+size > b.mapOffset+b.mapSize {
		return nil, fmt.Errorf("%w: [%d, %d) outside mapped [%d, %d)",
			ErrInvalidMapRange, offset, offset+size, b.mapOffset, b.mapOffset+b.mapSize)
	}
	start := offset - b.mapOffset
	return b.mapped[start : start+size], nil
}

// WriteBytes writes data into the buffer at offset.
//
// On a write-mapped buffer the bytes go into the mapped range
// directly. On an unmapped buffer with CopyDst usage they are staged
// through the device queue, ordered before subsequent submissions. A
// pending or read-mapped buffer rejects the write.
func (b *Buffer) WriteBytes(data []byte, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrBufferDestroyed
	}
	switch b.state {
	case MapStatePending:
		return ErrBufferMapPending
	case MapStateMapped:
		if b.mapMode != MapWrite {
			return fmt.Errorf("%w: buffer is read-mapped", ErrMapUsageMismatch)
		}
		if offset < b.mapOffset || offset+uint64(len(data)) > b.mapOffset+b.mapSize {
			return fmt.Errorf("%w: write [%d, %d) outside mapped [%d, %d)",
				ErrInvalidMapRange, offset, offset+uint64(len(data)), b.mapOffset, b.mapOffset+b.mapSize)
		}
		copy(b.mapped[offset-b.mapOffset:], data)
		return nil
	}
	if !b.usage.Contains(UsageCopyDst) {
		return fmt.Errorf("%w: unmapped write needs CopyDst usage", ErrMapUsageMismatch)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write [%d, %d) exceeds buffer size %d",
			ErrInvalidMapRange, offset, offset+uint64(len(data)), b.size)
	}
	return b.device.WriteBuffer(b.id, offset, data)
}

// Unmap releases the mapping and returns the buffer to the unmapped
// state, making it usable in submissions again. Write mappings are
// flushed to the device.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrBufferDestroyed
	}
	switch b.state {
	case MapStateUnmapped:
		return ErrBufferNotMapped
	case MapStatePending:
		return ErrBufferMapPending
	}
	if err := b.device.UnmapBuffer(b.id); err != nil {
		return err
	}
	b.state = MapStateUnmapped
	b.mapped = nil
	b.mapOffset = 0
	b.mapSize = 0
	return nil
}

// gpuUsable reports whether the buffer may be referenced by GPU
// commands right now.
func (b *Buffer) gpuUsable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrBufferDestroyed
	}
	if b.state != MapStateUnmapped {
		return fmt.Errorf("%w: %q is %s", ErrBufferBusy, b.label, b.state)
	}
	return nil
}

// Destroy releases the buffer. Destroy is idempotent; any mapping is
// dropped.
func (b *Buffer) Destroy() {
	b.destroy()
}

func (b *Buffer) destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	wasMapped := b.state == MapStateMapped
	b.state = MapStateUnmapped
	b.mapped = nil
	b.mu.Unlock()

	if wasMapped {
		b.device.UnmapBuffer(b.id)
	}
	b.device.DestroyBuffer(b.id)
}
