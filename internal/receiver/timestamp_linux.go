//go:build linux

package receiver

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// parseTimespec reinterprets a raw SCM_TIMESTAMPNS control message payload
// as a unix.Timespec, matching the cast used by
// tools/twamp/pkg/udp/kernel_linux.go's KernelTimestampedReader.
func parseTimespec(data []byte) (time.Time, bool) {
	if len(data) < int(unsafe.Sizeof(unix.Timespec{})) {
		return time.Time{}, false
	}
	ts := *(*unix.Timespec)(unsafe.Pointer(&data[0]))
	return time.Unix(ts.Sec, ts.Nsec), true
}
