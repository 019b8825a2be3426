package zrshare

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	lines []string
}

func (c *captureSink) Print(args ...interface{}) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(strings.TrimSpace(asString(a)))
	}
	c.lines = append(c.lines, sb.String())
}

func (c *captureSink) Prefix() string { return "" }

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return ""
}

func TestLoggerLevelFilter(t *testing.T) {
	sink := &captureSink{}
	l := NewLogWrapper(sink, "root", LogLevelInfo)

	l.ILogf("visible %d", 1)
	l.DLogf("hidden %d", 2)
	l.WLog("also visible")

	require.Len(t, sink.lines, 2)
	assert.Contains(t, sink.lines[0], "visible 1")
	assert.Contains(t, sink.lines[1], "also visible")
}

func TestLoggerForkAddsPrefix(t *testing.T) {
	sink := &captureSink{}
	l := NewLogWrapper(sink, "root", LogLevelDebug)
	child := l.Fork("child#%d", 7)

	child.ILog("hello")
	require.Len(t, sink.lines, 1)
	assert.Contains(t, sink.lines[0], "root")
	assert.Contains(t, sink.lines[0], "child#7")
}

func TestLoggerErrorfCarriesPrefix(t *testing.T) {
	sink := &captureSink{}
	l := NewLogWrapper(sink, "svc", LogLevelError)

	err := l.Errorf("boom %d", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "svc")
	assert.Contains(t, err.Error(), "boom 3")
}

func TestDLogErrorfLogsAndReturns(t *testing.T) {
	sink := &captureSink{}
	l := NewLogWrapper(sink, "svc", LogLevelDebug)

	err := l.DLogErrorf("bad thing %s", "happened")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad thing happened")
	require.Len(t, sink.lines, 1)
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, StringToLogLevel("debug"))
	assert.Equal(t, LogLevelUnknown, StringToLogLevel("nonsense"))
	var lv LogLevel
	require.NoError(t, lv.FromString("warning"))
	assert.Equal(t, LogLevelWarning, lv)
	assert.Error(t, lv.FromString("nope"))
}
