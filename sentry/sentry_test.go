package sentry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *recordingTransport) Configure(options sentry.ClientOptions) {}

func (t *recordingTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *recordingTransport) Flush(timeout time.Duration) bool { return true }

func (t *recordingTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func TestCaptureExceptionDisabledWithoutDsn(t *testing.T) {
	transport := &recordingTransport{}
	Init(Options{Transport: transport})

	CaptureException(errors.New("boom"), nil)

	assert.Empty(t, transport.Events())
}

func TestCaptureException(t *testing.T) {
	transport := &recordingTransport{}
	Init(Options{
		Dsn:         "https://public@sentry.example.com/1",
		Environment: "test",
		Transport:   transport,
	})
	t.Cleanup(func() { Init(Options{}) })

	CaptureException(errors.New("store unavailable"), map[string]string{"stage": "persist"})
	CaptureException(nil, nil)

	events := transport.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "persist", events[0].Tags["stage"])
	assert.Equal(t, "test", events[0].Environment)
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "store unavailable", events[0].Exception[0].Value)
}
