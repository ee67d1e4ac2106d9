// Misc OS related info, reported as switch properties

package utils

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Used when neither /etc/os-release nor /usr/lib/os-release provide one:
	NETWORK_OS_UNKNOWN = "unknown"
)

var (
	OSName    string
	OSRelease string
	// Boot time, used for uptime:
	OSBtime time.Time
	// Parsed os-release file, empty for non Linux:
	LinuxOsRelease map[string]string
)

func zeroSuffixBufToString(buf []byte) string {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		i = len(buf)
	}
	return string(buf[:i])
}

func init() {
	uname := unix.Utsname{}
	err := unix.Uname(&uname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unix.Uname(): %v\n", err)
		os.Exit(1)
	}
	OSName = strings.ToLower(zeroSuffixBufToString(uname.Sysname[:]))
	OSRelease = zeroSuffixBufToString(uname.Release[:])

	OSBtime = getOsBtime()

	LinuxOsRelease, err = getLinuxOsRelease()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getLinuxOsRelease(): %v\n", err)
		LinuxOsRelease = map[string]string{}
	}
}

// The network OS description, a-la "Debian GNU/Linux 12 (bookworm) 6.1.0":
func NetworkOs() string {
	name := LinuxOsRelease["PRETTY_NAME"]
	if name == "" {
		name = LinuxOsRelease["NAME"]
	}
	if name == "" {
		name = OSName
	}
	if name == "" {
		return NETWORK_OS_UNKNOWN
	}
	if OSRelease != "" {
		name += " " + OSRelease
	}
	return name
}

func Uptime() time.Duration {
	return time.Since(OSBtime)
}
