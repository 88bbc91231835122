package accountant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/config"
)

func TestTryReserveRespectsEachBudget(t *testing.T) {
	a := New(config.NodeDaemonConfig{CPUFraction: 1.0, MemoryBytes: 100, AcceleratorSlots: 2}, 10)

	tok1, ok := a.TryReserve(Request{CPUFraction: 0.6, MemoryBytes: 50, AcceleratorSlots: 1})
	require.True(t, ok)

	_, ok = a.TryReserve(Request{CPUFraction: 0.5, MemoryBytes: 10, AcceleratorSlots: 0})
	require.False(t, ok, "cpu budget exceeded")

	a.Release(tok1)

	tok2, ok := a.TryReserve(Request{CPUFraction: 0.9, MemoryBytes: 90, AcceleratorSlots: 2})
	require.True(t, ok)
	require.NotZero(t, tok2)
}

func TestTryReserveRespectsWorkerCeiling(t *testing.T) {
	a := New(config.NodeDaemonConfig{}, 1)
	_, ok := a.TryReserve(Request{})
	require.True(t, ok)
	_, ok = a.TryReserve(Request{})
	require.False(t, ok)
}

func TestReleaseIsIdempotentOnUnknownToken(t *testing.T) {
	a := New(config.NodeDaemonConfig{CPUFraction: 1}, 10)
	require.NotPanics(t, func() { a.Release(Token(999)) })
}

func TestLoadReflectsOutstandingReservations(t *testing.T) {
	a := New(config.NodeDaemonConfig{CPUFraction: 2, MemoryBytes: 1000, AcceleratorSlots: 4}, 10)
	tok, ok := a.TryReserve(Request{CPUFraction: 0.5, MemoryBytes: 200, AcceleratorSlots: 1})
	require.True(t, ok)

	load := a.Load()
	require.Equal(t, 1, load.ActiveWorkers)
	require.InDelta(t, 0.5, load.ReservedCPU, 1e-9)
	require.Equal(t, int64(200), load.ReservedMemory)
	require.Equal(t, 1, load.ReservedSlots)

	a.Release(tok)
	load = a.Load()
	require.Equal(t, 0, load.ActiveWorkers)
	require.InDelta(t, 0, load.ReservedCPU, 1e-9)
}
