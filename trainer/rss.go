package trainer

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// residentSetBytes reports the process's peak resident set size so far
// (getrusage's maxrss, which never decreases), preferring the kernel's own
// accounting over Go's heap stats since the zero-RAM contract cares about
// total process memory, not just what the Go runtime allocated. The
// fallback reports runtime.MemStats.Sys instead.
func residentSetBytes() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024 // Maxrss is in KB on Linux
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}
