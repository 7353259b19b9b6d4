package sentry

import (
	"time"

	"github.com/finch-technologies/queue-drain/log"
	"github.com/getsentry/sentry-go"
)

type Options struct {
	Dsn         string
	Environment string
	SampleRate  float64
	// Transport replaces the HTTP transport, used by tests.
	Transport sentry.Transport
}

var enabled bool

// Init configures the sentry client. Without a DSN reporting stays disabled.
func Init(opts Options) {
	if opts.Dsn == "" {
		enabled = false
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.Dsn,
		Environment:      opts.Environment,
		TracesSampleRate: opts.SampleRate,
		Transport:        opts.Transport,
	})
	if err != nil {
		log.Error("failed to initialise sentry: ", err)
		return
	}

	enabled = true
}

// CaptureException reports err with the given tags when sentry is enabled.
func CaptureException(err error, tags map[string]string) {
	if !enabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func Flush(timeout time.Duration) {
	if enabled {
		sentry.Flush(timeout)
	}
}
