// Tests for logger.go

package bsta

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eparparita/bst-telemetry-agent/internal/testutils"
	"github.com/sirupsen/logrus"
)

func TestLogSortFieldKeys(t *testing.T) {
	keys := []string{
		logrus.FieldKeyMsg,
		"zeta",
		logrus.FieldKeyFile,
		LOGGER_COMMAND_FIELD_NAME,
		"alpha",
		LOGGER_UNIT_FIELD_NAME,
		logrus.FieldKeyLevel,
		LOGGER_COMPONENT_FIELD_NAME,
		logrus.FieldKeyTime,
	}
	LogSortFieldKeys(keys)
	errBuf := &bytes.Buffer{}
	testutils.CompareSlices(
		[]string{
			logrus.FieldKeyTime,
			logrus.FieldKeyLevel,
			LOGGER_COMPONENT_FIELD_NAME,
			LOGGER_UNIT_FIELD_NAME,
			LOGGER_COMMAND_FIELD_NAME,
			logrus.FieldKeyFile,
			"alpha",
			"zeta",
			logrus.FieldKeyMsg,
		},
		keys,
		"keys",
		errBuf,
	)
	if errBuf.Len() > 0 {
		t.Fatal(errBuf)
	}
}

func TestRequestLogger(t *testing.T) {
	entry := requestLogger(NewCompLogger("test"), 3, COMMAND_GET_REPORT)
	errBuf := &bytes.Buffer{}
	testutils.CompareValues[any]("test", entry.Data[LOGGER_COMPONENT_FIELD_NAME], "comp", errBuf)
	testutils.CompareValues[any](3, entry.Data[LOGGER_UNIT_FIELD_NAME], "unit", errBuf)
	testutils.CompareValues[any](COMMAND_GET_REPORT.String(), entry.Data[LOGGER_COMMAND_FIELD_NAME], "cmd", errBuf)
	if errBuf.Len() > 0 {
		t.Fatal(errBuf)
	}
}

func TestSetLogger(t *testing.T) {
	savedOut, savedLevel, savedFormatter := Log.Out, Log.Logger.GetLevel(), Log.Formatter
	defer func() {
		Log.SetOutput(savedOut)
		Log.Logger.SetLevel(savedLevel)
		Log.SetFormatter(savedFormatter)
	}()

	logFile := filepath.Join(t.TempDir(), "log", "bsta.log")
	err := SetLogger(&LoggerConfig{Level: "debug", File: logFile})
	if err != nil {
		t.Fatal(err)
	}
	if Log.Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level: want: %s, got: %s", logrus.DebugLevel, Log.Logger.GetLevel())
	}
	NewCompLogger("test").Debug("to file")
	if f, ok := Log.Out.(*os.File); ok {
		f.Close()
	}
	Log.SetOutput(savedOut)
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "to file") || !strings.Contains(string(content), "comp=test") {
		t.Fatalf("log file content: %q", content)
	}

	if err := SetLogger(&LoggerConfig{Level: "chatty"}); err == nil {
		t.Fatal("invalid level: want: error, got: nil")
	}
	if err := SetLogger(42); err == nil {
		t.Fatal("invalid config type: want: error, got: nil")
	}
}
