package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide structured logger. Production gets
// JSON to stdout; anything else gets the human-readable development
// encoder.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		return cfg.Build()
	}
	return zap.NewDevelopment()
}
