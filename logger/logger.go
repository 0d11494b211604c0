package logger

import (
	"fmt"
	"io"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing to w in the configured format.
func New(w io.Writer, c Config) (*zap.Logger, error) {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}

	var enc zapcore.Encoder
	switch c.Format {
	case "", "auto", "console":
		enc = zapcore.NewConsoleEncoder(config)
	case "json":
		enc = zapcore.NewJSONEncoder(config)
	case "logfmt":
		enc = zaplogfmt.NewEncoder(config)
	default:
		return nil, fmt.Errorf("unknown log format: %q", c.Format)
	}

	return zap.New(zapcore.NewCore(
		enc,
		zapcore.Lock(zapcore.AddSync(w)),
		c.Level,
	)), nil
}

// DurationLiteral logs a duration in its human form ("1.5s") rather than
// nanoseconds.
func DurationLiteral(key string, d time.Duration) zap.Field {
	return zap.String(key, d.String())
}
