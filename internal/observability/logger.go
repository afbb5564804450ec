// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It writes to stderr so
// that stdout stays reserved for JSONL records.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger named after the
// binary. Verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewCLILogger(name, level)
}

// InitCLILoggerLevel is InitCLILogger with an explicit level name
// ("debug", "info", "warn", "error"). Unknown names fall back to info.
func InitCLILoggerLevel(name, levelName string) {
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		level = zapcore.InfoLevel
	}
	CLILogger = NewCLILogger(name, level)
}

// NewCLILogger builds a console-encoded logger at the given level.
func NewCLILogger(name string, level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core).Named(name)
}
