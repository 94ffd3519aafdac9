// Command gpuflowinfo prints the device a gpuflow context would use.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gpuflow"
	"github.com/gogpu/gpuflow/backend"
)

func main() {
	var (
		name    = flag.String("backend", "", "force a backend (wgpu, software); empty negotiates")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		gpuflow.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	fmt.Printf("registered backends: %v\n", backend.Available())

	ctx, err := gpuflow.Acquire(&gpuflow.Options{Backend: *name})
	if err != nil {
		log.Fatalf("acquire device: %v", err)
	}
	defer ctx.Close()

	info := ctx.Info()
	fmt.Printf("backend:          %s\n", ctx.Backend())
	fmt.Printf("device:           %s\n", info)
	fmt.Printf("vendor:           %s\n", orNone(info.Vendor))
	fmt.Printf("driver:           %s\n", orNone(info.Driver))
	fmt.Printf("compute:          %v\n", ctx.Device().SupportsCompute())
	fmt.Printf("max workgroups:   %d per dimension\n", ctx.Device().MaxWorkgroups())
	fmt.Printf("max buffer size:  %d bytes\n", ctx.Device().MaxBufferSize())
}

func orNone(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
