package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)
	require.Same(t, recorder, OrDefault(nil))

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("poll failed", F("symbol", "tBTCUSD"), F("attempt", 3), Err(errors.New("backend timeout")))
	logger.Debug("hidden")

	out := buf.String()
	require.Contains(t, out, "INFO poll failed")
	require.Contains(t, out, "symbol=tBTCUSD")
	require.Contains(t, out, "attempt=3")
	require.Contains(t, out, `error="backend timeout"`)
	require.False(t, strings.Contains(out, "hidden"), "debug output should be suppressed")
}

func TestStdLoggerDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), true)
	logger.Debug("frame ignored", F("conn_id", "abc"))
	require.Contains(t, buf.String(), "DEBUG frame ignored conn_id=abc")
}

func TestAggregateErrors(t *testing.T) {
	recorder := new(recordingLogger)
	require.NoError(t, AggregateErrors(recorder, "noop", []error{nil, nil}))
	require.Zero(t, recorder.errors)

	first := errors.New("server")
	err := AggregateErrors(recorder, "shutdown", []error{first, nil, errors.New("transport")})
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "shutdown failed")
	require.Equal(t, 1, recorder.errors)
}
