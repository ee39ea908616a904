package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// No-op until Initialize so library use never panics on a nil logger
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects zap's production
// JSON encoder; otherwise a human-readable console encoder is used. The level
// is derived from the CLI verbosity count (see VerbosityToLevel).
func Initialize(jsonOutput bool, verbosity int) error {
	zapLogger, err := Build(jsonOutput, verbosity)
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = zapLogger.Sugar()
	return nil
}

// Build constructs a zap logger without touching the global instance.
func Build(jsonOutput bool, verbosity int) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(VerbosityToLevel(verbosity))

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = level
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		return config.Build()
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return zap.New(
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stderr),
			level,
		),
	), nil
}

// OrNop returns l, or a no-op logger when l is nil. Components accept an
// optional logger and call this once at construction.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
