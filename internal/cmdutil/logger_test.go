package cmdutil

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var ll LogLevel
	require.NoError(t, ll.Set("warn"))

	var buf bytes.Buffer
	l := newLogger(&buf, "finefs", ll)

	level.Info(l).Log("msg", "filtered")
	level.Warn(l).Log("msg", "kept")

	out := buf.String()
	require.NotContains(t, out, "filtered")
	require.Contains(t, out, "msg=kept")
	require.Contains(t, out, "program=finefs")
	require.Contains(t, out, "caller=logger_test.go")
}

func TestLogLevel(t *testing.T) {
	var ll LogLevel
	require.Equal(t, "info", ll.String())

	require.NoError(t, ll.Set("DEBUG"))
	require.Equal(t, "debug", ll.String())

	require.Error(t, ll.Set("verbose"))
}

func TestLogLevel_None(t *testing.T) {
	var ll LogLevel
	require.NoError(t, ll.Set("none"))

	var buf bytes.Buffer
	l := newLogger(&buf, "finefs", ll)
	level.Error(l).Log("msg", "dropped")
	require.Empty(t, buf.String())
}
