// Package wgpu provides a hardware compute device built on gogpu/wgpu.
//
// The device drives the wgpu HAL directly: it creates a Vulkan instance,
// picks an adapter (preferring discrete over integrated GPUs), opens a
// device and queue, and tracks completion with a timeline fence whose
// values are the submission indices. It registers itself under the name
// "wgpu" on import; registration succeeds even when no adapter is
// present, in which case opening the device fails and backend.Default
// falls through to the software device.
//
// A host application that already owns a HAL device (for example a gogpu
// window) can share it through FromProvider instead of letting this
// package create a standalone one.
package wgpu
