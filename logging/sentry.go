package logging

import (
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
)

// InitSentry creates a hub reporting to dsn, tagged with the module name.
func InitSentry(dsn, release, module string, debug bool) (*sentry.Hub, error) {
	if dsn == "" {
		return nil, errors.New("sentry dsn not set")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		TracesSampleRate: 1.0,
		AttachStacktrace: true,
		Release:          release,
		Debug:            debug,
	})
	if err != nil {
		return nil, err
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("module", module)
	})
	return hub, nil
}

type sentryLogger struct {
	Logger
	hub *sentry.Hub
}

// WithSentry returns a Logger that also captures every Errorf message on hub.
// A nil hub returns l unchanged.
func WithSentry(l Logger, hub *sentry.Hub) Logger {
	if hub == nil {
		return l
	}
	return &sentryLogger{Logger: OrNop(l), hub: hub}
}

func (s *sentryLogger) Errorf(format string, args ...any) {
	s.Logger.Errorf(format, args...)
	msg := fmt.Sprintf(format, args...)
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		s.hub.CaptureMessage(msg)
	})
}
