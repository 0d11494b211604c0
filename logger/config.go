package logger

import (
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Format string        `toml:"format"` // "auto", "console", "json" or "logfmt"
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}
