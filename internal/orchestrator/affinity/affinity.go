//go:build linux

// Package affinity pins the calling goroutine's OS thread to a single CPU
// core, grounded on tools/twamp/pkg/light/scheduler_linux.go's
// PinCurrentThreadToCPU (runtime.LockOSThread + unix.SchedSetaffinity).
// Used by the orchestrator to honor sources[].pin_recv/pin_decode (spec
// §6, §9 supplemented feature 3).
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread and
// restricts that thread's scheduling to the given CPU core. Callers
// typically invoke this as the first statement of a dedicated pipeline
// goroutine (receive, decode, or relay).
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return nil
}
