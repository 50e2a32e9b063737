package chart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

var curve = []model.CurvePoint{{X: 0, Y: 2.5}, {X: 50, Y: 5}, {X: 120, Y: 10.2}}

func TestRenderDrawsReferenceLinesAndMarker(t *testing.T) {
	c := NewCanvas()
	est := 118.5
	require.NoError(t, c.Render(curve, 2.5, 10, &est, "days"))

	html, ok := c.HTML()
	require.True(t, ok)
	page := string(html)
	assert.Contains(t, page, "Initial size")
	assert.Contains(t, page, "Critical threshold")
	assert.Contains(t, page, "Estimated time")
	assert.Contains(t, page, "118.50 days")
}

func TestRenderWithoutEstimateHasNoMarker(t *testing.T) {
	c := NewCanvas()
	require.NoError(t, c.Render(curve, 2.5, 10, nil, ""))

	html, ok := c.HTML()
	require.True(t, ok)
	assert.NotContains(t, string(html), "Estimated time")
}

func TestRenderDisposesPreviousChart(t *testing.T) {
	renders := 0
	c := NewCanvas(WithRenderHook(func() { renders++ }))

	require.NoError(t, c.Render(curve, 2.5, 10, nil, "days"))
	first := c.Current()
	require.NoError(t, c.Render(curve, 3, 12, nil, "days"))
	second := c.Current()

	assert.True(t, first.Disposed())
	assert.False(t, second.Disposed())
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, renders)
}

func TestRenderWithoutPointsLeavesNoChart(t *testing.T) {
	c := NewCanvas()
	require.NoError(t, c.Render(curve, 2.5, 10, nil, "days"))
	prev := c.Current()

	assert.ErrorIs(t, c.Render(nil, 2.5, 10, nil, "days"), ErrNoCurve)
	assert.True(t, prev.Disposed())
	assert.Nil(t, c.Current())
	_, ok := c.HTML()
	assert.False(t, ok)
}

func TestDispose(t *testing.T) {
	c := NewCanvas()
	require.NoError(t, c.Render(curve, 2.5, 10, nil, "days"))
	ch := c.Current()
	c.Dispose()
	assert.True(t, ch.Disposed())
	assert.Nil(t, c.Current())
}

func TestSuggestedMax(t *testing.T) {
	assert.Equal(t, 12.0, suggestedMax(2, 10))
	assert.Equal(t, 20.0, suggestedMax(10, 10))
}
