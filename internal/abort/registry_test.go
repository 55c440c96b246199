package abort

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"case-pipeline/internal/models"
)

func TestSignalCancelsContext(t *testing.T) {
	reg := NewRegistry()
	key := models.UnitKey{CaseID: "case-1", StageID: "draft"}

	h := reg.Register(context.Background(), key)
	require.False(t, h.Requested())

	require.True(t, reg.Signal(key))
	require.True(t, h.Requested())

	select {
	case <-h.Context().Done():
	default:
		t.Fatal("handle context not cancelled after signal")
	}
}

func TestSignalUnknownKeyIsNothingToCancel(t *testing.T) {
	reg := NewRegistry()
	require.False(t, reg.Signal(models.UnitKey{CaseID: "nope", StageID: "draft"}))
}

func TestSignalIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	key := models.UnitKey{CaseID: "case-1", StageID: "draft"}
	h := reg.Register(context.Background(), key)

	require.True(t, reg.Signal(key))
	require.True(t, reg.Signal(key))
	require.True(t, h.Requested())
}

func TestReleaseRemovesHandle(t *testing.T) {
	reg := NewRegistry()
	key := models.UnitKey{CaseID: "case-1", StageID: "draft"}
	h := reg.Register(context.Background(), key)

	reg.Release(key)
	require.Equal(t, 0, reg.Len())
	require.False(t, reg.Signal(key), "released handle must not be signalable")

	// Release also tears down the context so abandoned calls unwind.
	select {
	case <-h.Context().Done():
	default:
		t.Fatal("released handle context still live")
	}
}

func TestRegisterReplacesAcrossExecutions(t *testing.T) {
	reg := NewRegistry()
	key := models.UnitKey{CaseID: "case-1", StageID: "draft"}

	first := reg.Register(context.Background(), key)
	second := reg.Register(context.Background(), key)
	require.NotSame(t, first, second)

	got, ok := reg.Get(key)
	require.True(t, ok)
	require.Same(t, second, got)
}
