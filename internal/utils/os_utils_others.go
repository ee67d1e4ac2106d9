// Misc Other OS related info

//go:build !linux

package utils

import (
	"runtime"
	"time"
)

// No boot time available, the process start time will do for uptime:
var processStartTime = time.Now()

func getOsBtime() time.Time {
	return processStartTime
}

func getLinuxOsRelease() (map[string]string, error) {
	return map[string]string{"NAME": runtime.GOOS}, nil
}
