// Command line parsing utilities:

package bsta

import (
	"bytes"
	"flag"
	"strconv"
	"strings"
	"time"
)

const (
	// The help usage message line wraparound default width:
	DEFAULT_FLAG_USAGE_WIDTH = 58
)

// Flags which allow checking if they were set or not; this is needed for
// command line args that override a config file setting, but *only* if they
// were used on the command line.
type FlagCheckUsed[T any] struct {
	// Whether it was used on the command line or not:
	Used bool
	// Value, populated w/ the default:
	Value T
	parse func(string) (T, error)
}

func (fcu *FlagCheckUsed[T]) set(s string) error {
	val, err := fcu.parse(s)
	if err != nil {
		return err
	}
	fcu.Used = true
	fcu.Value = val
	return nil
}

// Apply the value to dst, if the flag was used:
func (fcu *FlagCheckUsed[T]) Override(dst *T) {
	if fcu.Used {
		*dst = fcu.Value
	}
}

func parseBoolFlag(s string) (bool, error) {
	// -flag w/o value means true:
	if s == "" {
		return true, nil
	}
	return strconv.ParseBool(s)
}

func parseStringFlag(s string) (string, error) {
	return s, nil
}

func parseIntFlag(s string) (int, error) {
	return strconv.Atoi(s)
}

// Durations are kept as strings in the config, they are validated here:
func parseDurationFlag(s string) (string, error) {
	_, err := time.ParseDuration(s)
	return s, err
}

func NewBoolFlagCheckUsed(name, usage string) *FlagCheckUsed[bool] {
	fcu := &FlagCheckUsed[bool]{parse: parseBoolFlag}
	flag.BoolFunc(name, FormatFlagUsage(usage), fcu.set)
	return fcu
}

func NewStringFlagCheckUsed(name, value, usage string) *FlagCheckUsed[string] {
	fcu := &FlagCheckUsed[string]{Value: value, parse: parseStringFlag}
	flag.Func(name, FormatFlagUsage(usage), fcu.set)
	return fcu
}

func NewIntFlagCheckUsed(name string, value int, usage string) *FlagCheckUsed[int] {
	fcu := &FlagCheckUsed[int]{Value: value, parse: parseIntFlag}
	flag.Func(name, FormatFlagUsage(usage), fcu.set)
	return fcu
}

func NewDurationFlagCheckUsed(name, value, usage string) *FlagCheckUsed[string] {
	fcu := &FlagCheckUsed[string]{Value: value, parse: parseDurationFlag}
	flag.Func(name, FormatFlagUsage(usage), fcu.set)
	return fcu
}

// Format command flag usage for help message, by wrapping the lines around a
// given width. The original line breaks and prefixing white spaces are ignored.
func FormatFlagUsageWidth(usage string, width int) string {
	buf := &bytes.Buffer{}
	lineLen := 0
	for i, word := range strings.Fields(strings.TrimSpace(usage)) {
		if i > 0 {
			if lineLen+len(word)+1 > width {
				buf.WriteByte('\n')
				lineLen = 0
			} else {
				buf.WriteByte(' ')
				lineLen++
			}
		}
		n, _ := buf.WriteString(word)
		lineLen += n
	}
	return buf.String()
}

func FormatFlagUsage(usage string) string {
	return FormatFlagUsageWidth(usage, DEFAULT_FLAG_USAGE_WIDTH)
}
