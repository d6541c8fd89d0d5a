package internalblue

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("internalblue")

var logFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)

// SetupLogging configures the package-wide logger, mirroring the
// teacher's logging.go: a single leveled stderr backend, one format
// string, and an environment override for the default level
// (INTERNALBLUE_LOG_LEVEL takes precedence over the config value so a
// running session can be bumped to DEBUG without recompiling).
//
// Workers receive this *logging.Logger value at spawn time rather than
// reaching for the package global mid-iteration — SPEC_FULL.md §5's
// "workers inherit a configuration snapshot at start" note.
func SetupLogging(defaultLevel logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetFormatter(logFormat)
	leveled := logging.AddModuleLevel(backend)

	level := defaultLevel
	switch os.Getenv("INTERNALBLUE_LOG_LEVEL") {
	case "CRITICAL":
		level = logging.CRITICAL
	case "ERROR":
		level = logging.ERROR
	case "WARNING":
		level = logging.WARNING
	case "NOTICE":
		level = logging.NOTICE
	case "INFO":
		level = logging.INFO
	case "DEBUG":
		level = logging.DEBUG
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
	return log
}

// levelFromString parses the Config.LogLevel setting (spec.md §6).
func levelFromString(s string) logging.Level {
	switch s {
	case "critical":
		return logging.CRITICAL
	case "error":
		return logging.ERROR
	case "warning":
		return logging.WARNING
	case "notice":
		return logging.NOTICE
	case "debug":
		return logging.DEBUG
	default:
		return logging.INFO
	}
}
