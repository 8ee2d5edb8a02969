// Package telemetry wraps Sentry error reporting for the limiter.
//
// Expected domain errors (model.ErrAuth, model.ErrPanelUnavailable,
// model.ErrNotFound, model.ErrParse, model.ErrGeoUnavailable) are
// handled by each component's own retry/fallback policy and only
// logged; they are not reported here, to keep signal-to-noise high.
// CaptureError is for genuinely unexpected failures: panics recovered
// in a goroutine, a JSON shape that defeats even the tolerant decoders,
// programmer errors.
package telemetry

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Init initializes the Sentry SDK. dsn may be empty — Sentry is then
// disabled and every other function in this package becomes a no-op.
// release should be a version string (git SHA or tag).
func Init(dsn, release string) error {
	env := os.Getenv("IPLIMITER_ENV")
	if env == "" {
		env = "production"
	}

	if dsn == "" {
		fmt.Fprintln(os.Stderr, "[telemetry] SENTRY_DSN not set — Sentry disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": "iplimiter",
		},
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrubPII(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	return nil
}

// CaptureError reports an unexpected error with optional context tags
// (e.g. "username", "node_id", "operation"). Safe to call when Sentry
// is disabled.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports a non-error event worth operator attention,
// e.g. a cleanup run that aborted on the safety guard.
func CaptureMessage(message string, level sentry.Level, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(message)
	})
}

// RecoverGoroutine should be deferred at the top of every long-lived
// goroutine (node streams, control loops). It reports the panic to
// Sentry and re-panics so the caller's own supervision (restart with
// backoff) still applies.
func RecoverGoroutine(tags map[string]string) {
	if rec := recover(); rec != nil {
		var err error
		switch v := rec.(type) {
		case error:
			err = v
		default:
			err = fmt.Errorf("panic: %v", v)
		}
		CaptureError(err, tags)
		Flush()
		panic(rec)
	}
}

// Flush waits briefly for buffered events to be sent. Call before
// process exit.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// scrubPII removes IP addresses and auth-looking headers before an
// event leaves the process. Usernames are kept as tags (they are the
// panel's own account identifiers, not incidental PII here).
func scrubPII(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User.IPAddress = ""
	if event.Request != nil {
		for k := range event.Request.Headers {
			switch k {
			case "Authorization", "Cookie", "X-Api-Key":
				event.Request.Headers[k] = "[redacted]"
			}
		}
	}
	return event
}
