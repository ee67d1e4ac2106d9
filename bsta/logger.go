package bsta

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_LOG_LEVEL = logrus.InfoLevel
	// Extra field added for component sub loggers:
	LOGGER_COMPONENT_FIELD_NAME = "comp"
	// Request scoped fields:
	LOGGER_UNIT_FIELD_NAME    = "unit"
	LOGGER_COMMAND_FIELD_NAME = "cmd"
)

type LoggerConfig struct {
	UseJson bool   `yaml:"use_json"`
	Level   string `yaml:"level"`
	// Log file, appended to; empty means stderr:
	File string `yaml:"file"`
}

func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		UseJson: false,
		Level:   DEFAULT_LOG_LEVEL.String(),
	}
}

var loggerUseJsonArg = NewBoolFlagCheckUsed(
	"log-json-format",
	"Enable log in JSON format",
)

var loggerLevelArg = NewStringFlagCheckUsed(
	"log-level",
	DEFAULT_LOG_LEVEL.String(),
	fmt.Sprintf(`
	Set log level, it should be one of the %s values. 
	`, GetLogLevelNames()),
)

var loggerFileArg = NewStringFlagCheckUsed(
	"log-file",
	"",
	"Log to file instead of stderr",
)

var logSourceRoot string

func GetSourceRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("cannot determine source root: runtime.Caller(0) failed")
	}
	return path.Dir(path.Dir(file)), nil
}

func init() {
	root, err := GetSourceRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if root != "/" {
		logSourceRoot = root + "/"
	} else {
		logSourceRoot = root
	}
}

// Maintain a cache for caller PC -> (file:line#, function) to speed up the
// formatting:
type LogFuncFilePair struct {
	function string
	file     string
}

type LogFuncFileCache struct {
	m             *sync.Mutex
	funcFileCache map[uintptr]*LogFuncFilePair
}

// Return the function name and filename:line# info from the frame. The filename is
// relative to the source root dir.
func (c *LogFuncFileCache) LogCallerPrettyfier(f *runtime.Frame) (function string, file string) {
	c.m.Lock()
	defer c.m.Unlock()
	funcFile := c.funcFileCache[f.PC]
	if funcFile == nil {
		filename := ""
		if logSourceRoot != "" && strings.HasPrefix(f.File, logSourceRoot) {
			filename = f.File[len(logSourceRoot):]
		} else {
			_, filename = path.Split(f.File)
		}
		funcFile = &LogFuncFilePair{
			"",
			fmt.Sprintf("%s:%d", filename, f.Line),
		}
		c.funcFileCache[f.PC] = funcFile
	}
	return funcFile.function, funcFile.file
}

var logFunctionFileCache = &LogFuncFileCache{
	m:             &sync.Mutex{},
	funcFileCache: make(map[uintptr]*LogFuncFilePair),
}

var LogFieldKeySortOrder = map[string]int{
	// Desired order: time, level, comp, unit, cmd, file, func, the rest
	// alphabetically, msg. Unlisted keys look up as 0.
	logrus.FieldKeyTime:         -7,
	logrus.FieldKeyLevel:        -6,
	LOGGER_COMPONENT_FIELD_NAME: -5,
	LOGGER_UNIT_FIELD_NAME:      -4,
	LOGGER_COMMAND_FIELD_NAME:   -3,
	logrus.FieldKeyFile:         -2,
	logrus.FieldKeyFunc:         -1,
	logrus.FieldKeyMsg:          1,
}

type LogFieldKeySortable struct {
	keys []string
}

func (d *LogFieldKeySortable) Len() int {
	return len(d.keys)
}

func (d *LogFieldKeySortable) Less(i, j int) bool {
	key_i, key_j := d.keys[i], d.keys[j]
	order_i, order_j := LogFieldKeySortOrder[key_i], LogFieldKeySortOrder[key_j]
	if order_i != 0 || order_j != 0 {
		return order_i < order_j
	}
	return strings.Compare(key_i, key_j) == -1
}

func (d *LogFieldKeySortable) Swap(i, j int) {
	d.keys[i], d.keys[j] = d.keys[j], d.keys[i]
}

func LogSortFieldKeys(keys []string) {
	sort.Sort(&LogFieldKeySortable{keys})
}

var LogTextFormatter = &logrus.TextFormatter{
	DisableColors:    true,
	FullTimestamp:    true,
	CallerPrettyfier: logFunctionFileCache.LogCallerPrettyfier,
	DisableSorting:   false,
	SortingFunc:      LogSortFieldKeys,
}

var LogJsonFormatter = &logrus.JSONFormatter{
	CallerPrettyfier: logFunctionFileCache.LogCallerPrettyfier,
}

// The logger w/ the level and output accessors needed for test log collection:
type CollectableLogger struct {
	*logrus.Logger
}

func (log *CollectableLogger) GetLevel() any {
	return log.Logger.GetLevel()
}

func (log *CollectableLogger) SetLevel(level any) {
	switch level := level.(type) {
	case logrus.Level:
		log.Logger.SetLevel(level)
	case string:
		if lvl, err := logrus.ParseLevel(level); err == nil {
			log.Logger.SetLevel(lvl)
		}
	}
}

func (log *CollectableLogger) GetOutput() io.Writer {
	return log.Logger.Out
}

var Log = &CollectableLogger{
	Logger: &logrus.Logger{
		ReportCaller: true,
		Out:          os.Stderr,
		Formatter:    LogTextFormatter,
		Hooks:        make(logrus.LevelHooks),
		Level:        DEFAULT_LOG_LEVEL,
	},
}

func NewCompLogger(compName string) *logrus.Entry {
	return Log.WithField(LOGGER_COMPONENT_FIELD_NAME, compName)
}

// Scope a component logger to a request:
func requestLogger(log *logrus.Entry, unit int, command Command) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		LOGGER_UNIT_FIELD_NAME:    unit,
		LOGGER_COMMAND_FIELD_NAME: command.String(),
	})
}

func GetLogLevelNames() []string {
	levelNames := make([]string, len(logrus.AllLevels))
	for i, level := range logrus.AllLevels {
		levelNames[i] = level.String()
	}
	return levelNames
}

// Set the logger based on config overridden by command line args, if the latter
// were used:
func SetLogger(cfg any) error {
	var logCfg *LoggerConfig
	switch cfg := cfg.(type) {
	case *BstaConfig:
		logCfg = cfg.LoggerConfig
	case *LoggerConfig:
		logCfg = cfg
	case nil:
	default:
		return fmt.Errorf("SetLogger: %T invalid config type", cfg)
	}

	var levelName string
	if loggerLevelArg.Used {
		levelName = loggerLevelArg.Value
	} else if logCfg != nil {
		levelName = logCfg.Level
	}
	if levelName != "" {
		level, err := logrus.ParseLevel(levelName)
		if err != nil {
			return err
		}
		Log.Logger.SetLevel(level)
	}
	if loggerUseJsonArg.Used || (logCfg != nil && logCfg.UseJson) {
		Log.SetFormatter(LogJsonFormatter)
	}

	logFile := ""
	if loggerFileArg.Used {
		logFile = loggerFileArg.Value
	} else if logCfg != nil {
		logFile = logCfg.File
	}
	if logFile != "" {
		if err := os.MkdirAll(path.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("SetLogger: %v", err)
		}
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("SetLogger: %v", err)
		}
		Log.SetOutput(f)
	}
	return nil
}
