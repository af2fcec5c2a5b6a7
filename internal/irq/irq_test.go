package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMasksAndUnmasksAroundHandlers(t *testing.T) {
	var masked, unmasked int
	l := NewLine(7, func() { masked++ }, func() { unmasked++ })

	l.Attach(func() Result { return Handled }, nil)
	claimed := l.Dispatch()

	assert.True(t, claimed)
	assert.Equal(t, 1, masked)
	assert.Equal(t, 1, unmasked)
}

func TestDispatchInvokesEveryHandler(t *testing.T) {
	l := NewLine(1, nil, nil)

	var calls []int
	l.Attach(func() Result { calls = append(calls, 1); return None }, nil)
	l.Attach(func() Result { calls = append(calls, 2); return Handled }, nil)
	l.Attach(func() Result { calls = append(calls, 3); return None }, nil)

	claimed := l.Dispatch()
	assert.True(t, claimed)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestUnclaimedDispatchReportsFalse(t *testing.T) {
	l := NewLine(1, nil, nil)
	l.Attach(func() Result { return None }, nil)
	assert.False(t, l.Dispatch())
}

func TestDetachRemovesHandler(t *testing.T) {
	l := NewLine(1, nil, nil)
	id := l.Attach(func() Result { return Handled }, nil)
	l.Detach(id)
	assert.False(t, l.Dispatch())
}

func TestWakeThreadFiresOnWakeThreadResult(t *testing.T) {
	l := NewLine(1, nil, nil)
	l.Attach(func() Result { return WakeThread }, nil)

	woke := false
	l.OnWakeThread(func() { woke = true })

	claimed := l.Dispatch()
	assert.True(t, claimed)
	assert.True(t, woke)
}

func TestRegistryLineForReusesSameLinePerVector(t *testing.T) {
	r := NewRegistry()
	a := r.LineFor(3, nil, nil)
	b := r.LineFor(3, nil, nil)
	assert.Same(t, a, b)
}

func TestRegistryDispatchRoutesByVector(t *testing.T) {
	r := NewRegistry()
	l := r.LineFor(5, nil, nil)
	l.Attach(func() Result { return Handled }, nil)

	require.True(t, r.Dispatch(5))
	assert.False(t, r.Dispatch(99)) // unattached vector: spurious/foreign interrupt
}
