package config

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is the user-facing verbosity tier.
type LogLevel string

const (
	LogQuiet   LogLevel = "quiet"
	LogError   LogLevel = "error"
	LogInfo    LogLevel = "info"
	LogVerbose LogLevel = "verbose"
)

// ParseLogLevel maps a tier name to a LogLevel; unknown or empty means info.
func ParseLogLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogQuiet:
		return LogQuiet
	case LogError:
		return LogError
	case LogVerbose, "debug":
		return LogVerbose
	default:
		return LogInfo
	}
}

// ZapLevel returns the zap level for the tier.
func (l LogLevel) ZapLevel() zapcore.Level {
	switch l {
	case LogQuiet:
		return zapcore.FatalLevel
	case LogError:
		return zapcore.ErrorLevel
	case LogVerbose:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds a console logger named name writing to w.
func NewLogger(name string, level LogLevel, w io.Writer) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	encoderConfig.CallerKey = ""
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(level.ZapLevel()),
	)
	return zap.New(core).Named(name)
}
