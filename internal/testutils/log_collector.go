// Collectable log, (*testing.T).Log style.

// If the test is not running in verbose mode, collect the app logger's output
// and display it JIT at Fatal[f]/Error[f] invocation:

package testutils

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"runtime"
	"testing"
)

// The interface expected from a collectable log:
type CollectableLog interface {
	GetLevel() any
	SetLevel(level any)
	GetOutput() io.Writer
	SetOutput(out io.Writer)
}

type TestingLogCollect struct {
	buf        *bytes.Buffer
	log        CollectableLog
	savedOut   io.Writer
	savedLevel any
	t          *testing.T
	// Whether the collected log was already displayed:
	dumped bool
}

func NewTestingLogCollect(t *testing.T, log CollectableLog, level any) *TestingLogCollect {
	tlc := &TestingLogCollect{t: t}
	if log != nil {
		tlc.log = log
		if !testing.Verbose() {
			tlc.buf = &bytes.Buffer{}
			tlc.savedOut = log.GetOutput()
			log.SetOutput(tlc.buf)
		}
		if level != nil {
			tlc.savedLevel = log.GetLevel()
			log.SetLevel(level)
		}
	}
	return tlc
}

func (tlc *TestingLogCollect) dumpLog() {
	if tlc.dumped || tlc.buf == nil || tlc.buf.Len() == 0 {
		return
	}
	tlc.t.Log("Collected log:\n\n" + tlc.buf.String())
	tlc.dumped = true
}

func (tlc *TestingLogCollect) callerPrefix() string {
	callers := make([]uintptr, 1)
	runtime.Callers(4, callers)
	frames := runtime.CallersFrames(callers)
	frame, _ := frames.Next()
	return fmt.Sprintf("from %s:%d:", path.Base(frame.File), frame.Line)
}

func (tlc *TestingLogCollect) report(fatal bool, format string, args ...any) {
	tlc.t.Helper()
	tlc.dumpLog()
	prefix := tlc.callerPrefix()
	var msg string
	if format != "" {
		msg = prefix + " " + fmt.Sprintf(format, args...)
	} else {
		msg = prefix + " " + fmt.Sprint(args...)
	}
	if fatal {
		tlc.t.Fatal(msg)
	} else {
		tlc.t.Error(msg)
	}
}

func (tlc *TestingLogCollect) Fatal(args ...any) {
	tlc.report(true, "%s", fmt.Sprint(args...))
}

func (tlc *TestingLogCollect) Fatalf(format string, args ...any) {
	tlc.report(true, format, args...)
}

func (tlc *TestingLogCollect) Error(args ...any) {
	tlc.report(false, "%s", fmt.Sprint(args...))
}

func (tlc *TestingLogCollect) Errorf(format string, args ...any) {
	tlc.report(false, format, args...)
}

// The collected log so far, useful for checking that a given message was
// logged:
func (tlc *TestingLogCollect) Collected() string {
	if tlc.buf == nil {
		return ""
	}
	return tlc.buf.String()
}

func (tlc *TestingLogCollect) RestoreLog() {
	if tlc.log != nil {
		if tlc.savedOut != nil {
			tlc.log.SetOutput(tlc.savedOut)
		}
		if tlc.savedLevel != nil {
			tlc.log.SetLevel(tlc.savedLevel)
		}
	}
}
