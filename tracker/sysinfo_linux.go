//go:build linux

package tracker

import (
	"time"

	"golang.org/x/sys/unix"
)

// loadAverages returns the 1/5/15 minute OS load averages.
func loadAverages() [3]float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return [3]float64{}
	}
	const scale = 1 << 16 // SI_LOAD_SHIFT
	return [3]float64{
		float64(info.Loads[0]) / scale,
		float64(info.Loads[1]) / scale,
		float64(info.Loads[2]) / scale,
	}
}

// processCPUTime returns the total user+system CPU time consumed by this
// process.
func processCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
