package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := New(Config{Level: "debug", Format: format, OutputPaths: []string{"stdout"}})
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}

func TestNew_BadOutput(t *testing.T) {
	_, err := New(Config{OutputPaths: []string{"/nonexistent-dir/x/y.log"}})
	assert.Error(t, err)
}

func TestFromCore_FieldsAndNames(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromCore(core).Named("bem").With(String("model", "abc"))

	l.Info("solved", Int("vertices", 642), Float64("cond", 1.5e3), Duration("took", time.Second), Err(errors.New("x")))
	l.Debug("detail", Bool("ip", true))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "bem", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "abc", ctx["model"])
	assert.Equal(t, int64(642), ctx["vertices"])
	assert.Equal(t, "x", ctx["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNop(t *testing.T) {
	l := OrNop(nil)
	l.Info("ignored")
	assert.NoError(t, l.With(String("a", "b")).Named("x").Sync())
}
