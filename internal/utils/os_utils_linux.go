// Misc Linux OS related info

//go:build linux

package utils

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capnm/sysinfo"
)

func getOsBtime() time.Time {
	si := sysinfo.Get()
	return time.Now().Add(-si.Uptime)
}

// Parse os-release KEY=VALUE lines; comments, blank lines and keys w/o value
// are ignored, quoted values are unquoted.
func parseOsRelease(r io.Reader) (map[string]string, error) {
	osRelease := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if unquoted, err := strconv.Unquote(val); err == nil {
			val = unquoted
		} else {
			val = strings.Trim(val, `"'`)
		}
		if key == "" || val == "" {
			continue
		}
		osRelease[key] = val
	}
	return osRelease, scanner.Err()
}

func parseLinuxOsReleaseFile(filePath string) (map[string]string, error) {
	fh, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return parseOsRelease(fh)
}

func getLinuxOsRelease() (map[string]string, error) {
	errBuf := &bytes.Buffer{}

	for _, filePath := range []string{
		"/etc/os-release",
		"/usr/lib/os-release",
	} {
		if osRelease, err := parseLinuxOsReleaseFile(filePath); err == nil {
			return osRelease, nil
		} else {
			if errBuf.Len() > 0 {
				errBuf.WriteString(", ")
			}
			fmt.Fprintf(errBuf, "%v", err)
		}
	}
	return nil, fmt.Errorf("%s", errBuf.String())
}
