// Package logging builds the structured logger every shmchan component
// shares: a console-encoded zap.SugaredLogger, colorized when attached
// to a TTY and plain otherwise.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init builds the default logger at the given level, used by channel.Open
// whenever a caller doesn't supply its own logger via WithLogger.
func Init(level zapcore.Level) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}

// Nop returns a logger that discards everything. channel.Open falls
// back to it when Init fails; callers that don't care about
// channel-lifecycle diagnostics can pass it via WithLogger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
