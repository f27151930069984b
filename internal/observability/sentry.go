package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry wires error reporting. An empty DSN disables it, which is
// the normal local setup.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
}

// FlushSentry drains buffered events on shutdown.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
