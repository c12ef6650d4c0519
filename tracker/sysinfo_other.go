//go:build !linux

package tracker

import "time"

func loadAverages() [3]float64 {
	return [3]float64{}
}

func processCPUTime() time.Duration {
	return 0
}
