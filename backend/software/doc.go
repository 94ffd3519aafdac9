// Package software provides a pure Go compute device.
//
// The software device executes submitted command buffers on the CPU:
// buffer copies and clears operate on byte slices, and compute dispatches
// run registered Go kernels that mirror the shader algorithm. A background
// worker drains the submission queue in FIFO order, so asynchronous
// completion behaves like a hardware queue.
//
// The device registers itself under the name "software" on import and is
// always available, making it the fallback when no GPU is present and the
// reference device for tests.
package software
