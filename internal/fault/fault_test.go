package fault

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureExit(t *testing.T) <-chan int {
	t.Helper()
	codes := make(chan int, 1)
	prev := Exit
	Exit = func(code int) { codes <- code }
	t.Cleanup(func() { Exit = prev })
	return codes
}

func TestGo_PanicExitsWithFailure(t *testing.T) {
	codes := captureExit(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Go(logger, "cache-monitor", func() { panic("boom") })

	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not exit")
	}
	assert.Contains(t, buf.String(), `"goroutine":"cache-monitor"`)
	assert.Contains(t, buf.String(), `"panic":"boom"`)
}

func TestGo_NormalReturnDoesNotExit(t *testing.T) {
	codes := captureExit(t)
	done := make(chan struct{})

	Go(slog.New(slog.DiscardHandler), "worker", func() { close(done) })

	<-done
	select {
	case code := <-codes:
		require.Failf(t, "unexpected exit", "code %d", code)
	case <-time.After(50 * time.Millisecond):
	}
}
