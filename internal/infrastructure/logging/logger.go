// Package logging builds the logr.Logger shared by the lockstep runtime.
// Records are emitted through zap; verbosity follows logr conventions.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr.Logger.V.
const (
	DEFAULT = 0
	DEBUG   = 1
	TRACE   = 2
)

// Level names accepted by ParseLevel and the configuration layer.
const (
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelTrace = "trace"
)

// ParseLevel maps a level name to a logr verbosity. The empty string is info.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", LevelInfo:
		return DEFAULT, nil
	case LevelDebug:
		return DEBUG, nil
	case LevelTrace:
		return TRACE, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger at the named level. Development mode switches to
// zap's console encoder with caller and stacktrace annotations.
func New(level string, development bool) (logr.Logger, error) {
	v, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	// logr V(n) is emitted at zap level -n.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * v))
	cfg.DisableStacktrace = !development

	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// NewTestLogger returns a development logger that emits every verbosity.
func NewTestLogger() logr.Logger {
	logger, err := New(LevelTrace, true)
	if err != nil {
		return logr.Discard()
	}
	return logger
}

// NewObserved returns a logger writing into core, used to assert on log
// output in tests.
func NewObserved(core zapcore.Core) logr.Logger {
	return zapr.NewLogger(zap.New(core))
}
