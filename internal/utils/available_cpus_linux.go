// Count available CPUs based on affinity

//go:build linux

package utils

import (
	"runtime"

	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"
)

func CountAvailableCPUs() int {
	cpuSet := unix.CPUSet{}
	if err := unix.SchedGetaffinity(0, &cpuSet); err == nil {
		if count := cpuSet.Count(); count > 0 {
			return count
		}
	}
	// Fallback on the online count:
	if count, err := sysconf.Sysconf(sysconf.SC_NPROCESSORS_ONLN); err == nil && count > 0 {
		return int(count)
	}
	return runtime.NumCPU()
}
