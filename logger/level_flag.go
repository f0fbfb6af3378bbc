package logger

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

// LevelFlagValue is a pflag.Value that applies the parsed level through a callback.
type LevelFlagValue struct {
	level    zapcore.Level
	setLevel func(zapcore.Level)
}

func NewLevelFlagValue(setLevel func(zapcore.Level)) *LevelFlagValue {
	return &LevelFlagValue{level: zapcore.InfoLevel, setLevel: setLevel}
}

func (v *LevelFlagValue) String() string {
	return v.level.String()
}

func (v *LevelFlagValue) Set(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	v.level = level
	if v.setLevel != nil {
		v.setLevel(level)
	}
	return nil
}

func (v *LevelFlagValue) Type() string {
	return "level"
}

// ParseLevel accepts zap level names or a positive logr verbosity. Verbosity n
// maps to zap level -n, so -v=1 enables logr V(1) output.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return zapcore.Level(-n), nil
}
