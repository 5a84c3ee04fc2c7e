package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestEmitterAddRemove verifies listeners fire until removed and removal is
// idempotent.
func TestEmitterAddRemove(t *testing.T) {
	t.Parallel()

	e := NewEmitter(zap.NewNop())
	var calls int
	h := e.AddListener("evt", func([]byte) { calls++ })

	e.Emit("evt", nil)
	require.Equal(t, 1, calls)

	e.RemoveListener(h)
	e.RemoveListener(h)
	e.Emit("evt", nil)
	require.Equal(t, 1, calls)
}

// TestEmitterMultipleListeners checks every listener for an event observes the
// payload.
func TestEmitterMultipleListeners(t *testing.T) {
	t.Parallel()

	e := NewEmitter(zap.NewNop())
	var first, second []byte
	e.AddListener("evt", func(data []byte) { first = data })
	e.AddListener("evt", func(data []byte) { second = data })

	e.Emit("evt", []byte(`{"a":1}`))
	require.Equal(t, []byte(`{"a":1}`), first)
	require.Equal(t, []byte(`{"a":1}`), second)
}

// TestEmitterPanickingListener ensures a panic in one listener does not stop
// delivery to the others.
func TestEmitterPanickingListener(t *testing.T) {
	t.Parallel()

	e := NewEmitter(zap.NewNop())
	delivered := 0
	e.AddListener("evt", func([]byte) { panic("boom") })
	e.AddListener("evt", func([]byte) { delivered++ })
	e.AddListener("evt", func([]byte) { delivered++ })

	require.NotPanics(t, func() { e.Emit("evt", nil) })
	require.Equal(t, 2, delivered)
}

// TestEmitterUnknownEvent asserts emitting with no listeners is harmless.
func TestEmitterUnknownEvent(t *testing.T) {
	t.Parallel()

	e := NewEmitter(nil)
	require.NotPanics(t, func() { e.Emit("nobody-home", []byte("x")) })
}
