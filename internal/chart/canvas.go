// Package chart draws the predicted growth curve.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

var ErrNoCurve = errors.New("chart: no curve points")

// Chart is one drawn chart instance.
type Chart struct {
	html     []byte
	disposed bool
}

func (c *Chart) Disposed() bool {
	return c.disposed
}

func (c *Chart) dispose() {
	c.disposed = true
	c.html = nil
}

// Canvas owns at most one live Chart. Drawing disposes the previous one first.
type Canvas struct {
	mu       sync.Mutex
	current  *Chart
	onRender func()
}

type CanvasOption func(*Canvas)

// WithRenderHook is called after every successful draw.
func WithRenderHook(fn func()) CanvasOption {
	return func(c *Canvas) { c.onRender = fn }
}

func NewCanvas(opts ...CanvasOption) *Canvas {
	c := &Canvas{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render draws the curve with the initial-size and critical-threshold reference lines.
// estimatedTime, when set, places a marker where the curve crosses the threshold.
func (c *Canvas) Render(points []model.CurvePoint, currentSize, criticalThreshold float64, estimatedTime *float64, timeUnit string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.dispose()
		c.current = nil
	}
	if len(points) == 0 {
		return ErrNoCurve
	}

	line := buildLine(points, currentSize, criticalThreshold, estimatedTime, timeUnit)
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}

	c.current = &Chart{html: buf.Bytes()}
	if c.onRender != nil {
		c.onRender()
	}
	return nil
}

// Current returns the live chart, or nil.
func (c *Canvas) Current() *Chart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// HTML returns the page of the live chart.
func (c *Canvas) HTML() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	out := make([]byte, len(c.current.html))
	copy(out, c.current.html)
	return out, true
}

func (c *Canvas) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.dispose()
		c.current = nil
	}
}

func buildLine(points []model.CurvePoint, currentSize, critical float64, estimatedTime *float64, timeUnit string) *charts.Line {
	xName := "Time"
	if timeUnit != "" {
		xName = fmt.Sprintf("Time (%s)", timeUnit)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Tumor growth prediction",
			Width:     "900px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Predicted tumor growth",
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(false),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Type: "value",
			Name: xName,
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Type: "value",
			Name: "Size (cm³)",
			Max:  suggestedMax(currentSize, critical),
		}),
	)

	data := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		data = append(data, opts.LineData{Value: []interface{}{p.X, p.Y}})
	}

	seriesOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{
			Smooth:     opts.Bool(true),
			ShowSymbol: opts.Bool(false),
		}),
		func(s *charts.SingleSeries) {
			s.MarkLines = &opts.MarkLines{
				Data: []interface{}{
					opts.MarkLineNameYAxisItem{Name: "Initial size", YAxis: currentSize},
					opts.MarkLineNameYAxisItem{Name: "Critical threshold", YAxis: critical},
				},
				MarkLineStyle: opts.MarkLineStyle{
					Symbol: []string{"none", "none"},
					LineStyle: &opts.LineStyle{
						Type:  "dashed",
						Width: 1.5,
					},
				},
			}
		},
	}
	if estimatedTime != nil {
		seriesOpts = append(seriesOpts, charts.WithMarkPointNameCoordItemOpts(opts.MarkPointNameCoordItem{
			Name:       "Estimated time",
			Coordinate: []interface{}{*estimatedTime, critical},
			Label: &opts.Label{
				Show:      opts.Bool(true),
				Formatter: types.FuncStr(markerLabel(*estimatedTime, timeUnit)),
			},
		}))
	}

	line.AddSeries("Tumor size", data, seriesOpts...)
	return line
}

func suggestedMax(currentSize, critical float64) float64 {
	return math.Max(critical*1.2, currentSize*2)
}

func markerLabel(t float64, unit string) string {
	s := strconv.FormatFloat(t, 'f', 2, 64)
	if unit == "" {
		return s
	}
	return s + " " + unit
}
