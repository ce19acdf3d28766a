package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger is the process-wide structured logger.
	Logger *logrus.Logger
	// ErrorLogger receives Warn/Error/Fatal records, optionally to a separate file.
	ErrorLogger *logrus.Logger
)

// Config controls where log records land and at what level.
type Config struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

func init() {
	// Usable before InitLogger is called, e.g. from package-level test helpers.
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)
	ErrorLogger = Logger
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger wires Logger/ErrorLogger to the configured files, falling back
// to stdout/stderr when a log path cannot be opened.
func InitLogger(config Config) error {
	level := parseLogLevel(config.LogLevel)

	Logger = logrus.New()
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			Logger.SetOutput(os.Stdout)
			Logger.Warnf("failed to open info log %s, falling back to stdout: %v", config.InfoLogPath, err)
		} else {
			Logger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	} else {
		Logger.SetOutput(os.Stdout)
	}

	ErrorLogger = logrus.New()
	ErrorLogger.SetLevel(level)
	ErrorLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.SetOutput(os.Stderr)
			ErrorLogger.Warnf("failed to open error log %s, falling back to stderr: %v", config.ErrorLogPath, err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	} else {
		ErrorLogger.SetOutput(os.Stderr)
	}

	return nil
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Component returns a logger pre-tagged with the owning subsystem via a
// "component" field.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

func Info(args ...interface{})                 { Logger.Info(args...) }
func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }
func Debug(args ...interface{})                 { Logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Warn(args ...interface{})                  { ErrorLogger.Warn(args...) }
func Warnf(format string, args ...interface{})  { ErrorLogger.Warnf(format, args...) }
func Error(args ...interface{})                 { ErrorLogger.Error(args...) }
func Errorf(format string, args ...interface{}) { ErrorLogger.Errorf(format, args...) }

// Fatal logs at fatal level and terminates the process, matching the
// original firmware's "assert and halt" error model for invariant
// violations and unrecoverable exhaustion (spec §7).
func Fatal(args ...interface{})                 { ErrorLogger.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { ErrorLogger.Fatalf(format, args...) }
