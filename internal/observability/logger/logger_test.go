package logger

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMarkers_WarnOnceDeduplicates(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core)
	m := NewMarkers(time.Minute)
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.WarnOnce(l, "stale:n2", "stale publish", Peer("n2"))
	}
	m.WarnOnce(l, "stale:n3", "stale publish", Peer("n3"))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "n2", logs.All()[0].ContextMap()["peer"])
}

func TestMarkers_ExpireAndClose(t *testing.T) {
	m := NewMarkers(20 * time.Millisecond)
	assert.True(t, m.First("k"))
	assert.False(t, m.First("k"))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, m.First("k"))

	m.Close()
	assert.True(t, m.First("k"))

	var nilMarkers *Markers
	assert.True(t, nilMarkers.First("k"))
	assert.True(t, nilMarkers.First("k"))
}

func TestMarkers_StartNoBackgroundGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()
	ms := make([]*Markers, 50)
	for i := range ms {
		ms[i] = NewMarkers(time.Millisecond)
	}
	assert.Less(t, runtime.NumGoroutine()-before, 10)
	for _, m := range ms {
		m.Close()
	}
}

func TestFrom_FallsBackToProvidedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fallback := zap.New(core)

	From(context.Background(), fallback).Info("fallback")
	assert.Equal(t, 1, logs.Len())

	scopedCore, scopedLogs := observer.New(zapcore.InfoLevel)
	ctx := ToContext(context.Background(), zap.New(scopedCore))
	From(ctx, fallback).Info("scoped")
	assert.Equal(t, 1, scopedLogs.Len())
	assert.Equal(t, 1, logs.Len())

	assert.NotNil(t, From(context.Background(), nil))
}

func TestStart_BuildsProcessLogger(t *testing.T) {
	p := Start(Config{Env: "prod", Level: "warn", NodeID: "n1"})
	require.NotNil(t, p.Logger)
	assert.False(t, p.Logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, p.Logger.Core().Enabled(zapcore.WarnLevel))
	assert.NoError(t, p.Stop())
}
