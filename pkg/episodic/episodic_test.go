package episodic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/config"
)

func TestContextHash(t *testing.T) {
	h1 := ContextHash([]string{"a", "b"})
	h2 := ContextHash([]string{"a", "b"})
	h3 := ContextHash([]string{"b", "a"})

	assert.Equal(t, h1, h2, "same context hashes identically")
	assert.NotEqual(t, h1, h3, "order matters")
	assert.Len(t, h1, 32)
	assert.NotEmpty(t, ContextHash(nil))
}

func TestOutcomeRates(t *testing.T) {
	o := Outcome{Total: 4, Successes: 3, Failures: 1}
	assert.InDelta(t, 0.75, o.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.25, o.FailureRate(), 1e-9)
	assert.Zero(t, Outcome{}.SuccessRate())
}

func TestMemoryRecordLookup(t *testing.T) {
	m := NewMemory()
	ctx := ContextHash([]string{"fs:read"})

	_, ok := m.Lookup(ctx, "fs:write")
	assert.False(t, ok)

	m.Record(ctx, "fs:write", true)
	m.Record(ctx, "fs:write", false)

	o, ok := m.Lookup(ctx, "fs:write")
	require.True(t, ok)
	assert.Equal(t, 2, o.Total)
	assert.Equal(t, 1, o.Successes)
}

func TestAdjust(t *testing.T) {
	cfg := config.DefaultScoring().Episodic
	m := NewMemory()
	ctx := ContextHash([]string{"a"})

	t.Run("no history keeps base", func(t *testing.T) {
		got, excluded := m.Adjust(cfg, ctx, "b", 0.7)
		assert.False(t, excluded)
		assert.InDelta(t, 0.7, got, 1e-9)
	})

	t.Run("successes boost up to the cap", func(t *testing.T) {
		m := NewMemory()
		for i := 0; i < 10; i++ {
			m.Record(ctx, "b", true)
		}
		got, excluded := m.Adjust(cfg, ctx, "b", 0.7)
		assert.False(t, excluded)
		// success rate 1.0: boost = min(0.15, 1.0*0.20) = 0.15
		assert.InDelta(t, 0.85, got, 1e-9)
	})

	t.Run("majority failures exclude", func(t *testing.T) {
		m := NewMemory()
		m.Record(ctx, "b", false)
		m.Record(ctx, "b", false)
		m.Record(ctx, "b", true)
		_, excluded := m.Adjust(cfg, ctx, "b", 0.7)
		assert.True(t, excluded)
	})

	t.Run("half failures penalize without excluding", func(t *testing.T) {
		m := NewMemory()
		m.Record(ctx, "b", false)
		m.Record(ctx, "b", true)
		got, excluded := m.Adjust(cfg, ctx, "b", 0.7)
		assert.False(t, excluded)
		// 0.7 + min(0.15, 0.5*0.20) - min(0.15, 0.5*0.25) = 0.675
		assert.InDelta(t, 0.675, got, 1e-9)
	})
}
