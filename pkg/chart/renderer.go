package chart

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sort"
	"strings"

	"github.com/fogleman/gg"

	"datalens/pkg/dataset"
	"datalens/pkg/domain"
)

// ErrNoPlottable reports that the dataset lacks the columns or numeric data
// a chart needs. Callers treat it as "skip the chart", not a failure.
var ErrNoPlottable = errors.New("no plottable data for chart")

const (
	imageWidth  = 720
	imageHeight = 480

	marginLeft   = 64.0
	marginRight  = 24.0
	marginTop    = 44.0
	marginBottom = 56.0

	defaultBins = 20
	maxPieSlice = 8
	maxBarLabel = 24
)

var palette = []color.Color{
	color.RGBA{R: 0x4e, G: 0x79, B: 0xa7, A: 0xff},
	color.RGBA{R: 0xf2, G: 0x8e, B: 0x2b, A: 0xff},
	color.RGBA{R: 0xe1, G: 0x57, B: 0x59, A: 0xff},
	color.RGBA{R: 0x76, G: 0xb7, B: 0xb2, A: 0xff},
	color.RGBA{R: 0x59, G: 0xa1, B: 0x4f, A: 0xff},
	color.RGBA{R: 0xed, G: 0xc9, B: 0x48, A: 0xff},
	color.RGBA{R: 0xb0, G: 0x7a, B: 0xa1, A: 0xff},
	color.RGBA{R: 0xff, G: 0x9d, B: 0xa7, A: 0xff},
}

// DefaultSpec picks the chart drawn for a freshly uploaded dataset: a
// histogram of the first numeric column.
func DefaultSpec(t *dataset.Table) (domain.ChartSpec, bool) {
	numeric := t.NumericColumns()
	if len(numeric) == 0 {
		return domain.ChartSpec{}, false
	}
	return domain.ChartSpec{
		Type:  "hist",
		X:     numeric[0],
		Bins:  defaultBins,
		Title: "Distribution of " + numeric[0],
	}, true
}

// Render draws the chart described by spec over the table and returns it as
// a base64-encoded PNG.
func Render(spec domain.ChartSpec, t *dataset.Table) (string, error) {
	dc := gg.NewContext(imageWidth, imageHeight)
	dc.SetColor(color.White)
	dc.Clear()

	var err error
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "hist":
		err = drawHistogram(dc, spec, t)
	case "pie":
		err = drawPie(dc, spec, t)
	case "box":
		err = drawBox(dc, spec, t)
	case "bar":
		err = drawBar(dc, spec, t)
	case "line":
		err = drawLine(dc, spec, t)
	case "scatter":
		err = drawScatter(dc, spec, t)
	default:
		err = fmt.Errorf("%w: unknown chart type %q", ErrNoPlottable, spec.Type)
	}
	if err != nil {
		return "", err
	}

	drawTitle(dc, spec.Title)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return "", fmt.Errorf("encode chart: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func drawHistogram(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	col := spec.X
	if col == "" {
		col = spec.Y
	}
	if !t.IsNumeric(col) {
		return fmt.Errorf("%w: histogram needs a numeric column", ErrNoPlottable)
	}
	values := t.Floats(col)
	if len(values) == 0 {
		return fmt.Errorf("%w: column %q has no values", ErrNoPlottable, col)
	}
	bins := spec.Bins
	if bins <= 0 {
		bins = defaultBins
	}
	min, max := minMax(values)
	if min == max {
		max = min + 1
	}
	counts := make([]float64, bins)
	for _, v := range values {
		idx := int(float64(bins) * (v - min) / (max - min))
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	top := maxOf(counts)
	plot := plotArea()
	drawFrame(dc, plot, top)
	barW := plot.w / float64(bins)
	dc.SetColor(palette[0])
	for i, c := range counts {
		h := plot.h * c / top
		dc.DrawRectangle(plot.x+float64(i)*barW+1, plot.y+plot.h-h, barW-2, h)
		dc.Fill()
	}
	drawXLabel(dc, col)
	return nil
}

func drawPie(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	col := spec.X
	if col == "" {
		col = spec.Y
	}
	if !t.HasColumn(col) {
		return fmt.Errorf("%w: unknown column %q", ErrNoPlottable, col)
	}
	labels, counts := t.ValueCounts(col)
	if len(labels) == 0 {
		return fmt.Errorf("%w: column %q has no values", ErrNoPlottable, col)
	}
	if len(labels) > maxPieSlice {
		other := 0.0
		for _, c := range counts[maxPieSlice:] {
			other += c
		}
		labels = append(labels[:maxPieSlice:maxPieSlice], "other")
		counts = append(counts[:maxPieSlice:maxPieSlice], other)
	}
	total := 0.0
	for _, c := range counts {
		total += c
	}
	cx := float64(imageWidth) * 0.4
	cy := float64(imageHeight) * 0.52
	radius := math.Min(float64(imageWidth), float64(imageHeight)) * 0.32
	angle := -math.Pi / 2
	for i, c := range counts {
		sweep := 2 * math.Pi * c / total
		dc.SetColor(palette[i%len(palette)])
		dc.MoveTo(cx, cy)
		dc.DrawArc(cx, cy, radius, angle, angle+sweep)
		dc.ClosePath()
		dc.Fill()
		angle += sweep
	}
	// legend
	dc.SetColor(color.Black)
	for i, label := range labels {
		y := marginTop + 18*float64(i)
		dc.SetColor(palette[i%len(palette)])
		dc.DrawRectangle(float64(imageWidth)*0.72, y, 12, 12)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawString(truncate(label, maxBarLabel), float64(imageWidth)*0.72+18, y+10)
	}
	return nil
}

func drawBox(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	if !t.IsNumeric(spec.Y) {
		return fmt.Errorf("%w: box plot needs a numeric y column", ErrNoPlottable)
	}
	values := t.Floats(spec.Y)
	if len(values) == 0 {
		return fmt.Errorf("%w: column %q has no values", ErrNoPlottable, spec.Y)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q2 := quantile(sorted, 0.5)
	q3 := quantile(sorted, 0.75)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		hi = lo + 1
	}

	plot := plotArea()
	drawFrameRange(dc, plot, lo, hi)
	scale := func(v float64) float64 {
		return plot.y + plot.h - plot.h*(v-lo)/(hi-lo)
	}
	cx := plot.x + plot.w/2
	boxW := plot.w * 0.3

	dc.SetColor(color.Black)
	dc.SetLineWidth(1.5)
	// whiskers
	dc.DrawLine(cx, scale(lo), cx, scale(q1))
	dc.DrawLine(cx, scale(q3), cx, scale(hi))
	dc.DrawLine(cx-boxW/4, scale(lo), cx+boxW/4, scale(lo))
	dc.DrawLine(cx-boxW/4, scale(hi), cx+boxW/4, scale(hi))
	dc.Stroke()
	// box
	dc.SetColor(palette[3])
	dc.DrawRectangle(cx-boxW/2, scale(q3), boxW, scale(q1)-scale(q3))
	dc.Fill()
	dc.SetColor(color.Black)
	dc.DrawRectangle(cx-boxW/2, scale(q3), boxW, scale(q1)-scale(q3))
	dc.Stroke()
	// median
	dc.DrawLine(cx-boxW/2, scale(q2), cx+boxW/2, scale(q2))
	dc.Stroke()

	drawXLabel(dc, spec.Y)
	return nil
}

func drawBar(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	if !t.HasColumn(spec.X) || !t.HasColumn(spec.Y) {
		return fmt.Errorf("%w: bar chart needs existing x and y columns", ErrNoPlottable)
	}
	agg := spec.Agg
	if agg == "" {
		agg = "sum"
	}
	labels, values, err := t.GroupBy(spec.X, spec.Y, agg)
	if err != nil || len(labels) == 0 {
		return fmt.Errorf("%w: cannot aggregate %q by %q", ErrNoPlottable, spec.Y, spec.X)
	}
	top := maxOf(values)
	if top <= 0 {
		top = 1
	}
	plot := plotArea()
	drawFrame(dc, plot, top)
	barW := plot.w / float64(len(labels))
	for i, v := range values {
		h := plot.h * v / top
		if h < 0 {
			h = 0
		}
		dc.SetColor(palette[i%len(palette)])
		dc.DrawRectangle(plot.x+float64(i)*barW+3, plot.y+plot.h-h, barW-6, h)
		dc.Fill()
	}
	dc.SetColor(color.Black)
	step := 1
	if len(labels) > 12 {
		step = len(labels) / 12
	}
	for i := 0; i < len(labels); i += step {
		x := plot.x + float64(i)*barW + barW/2
		dc.DrawStringAnchored(truncate(labels[i], 10), x, plot.y+plot.h+14, 0.5, 0.5)
	}
	drawXLabel(dc, spec.X)
	return nil
}

func drawLine(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	return drawXY(dc, spec, t, true)
}

func drawScatter(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table) error {
	return drawXY(dc, spec, t, false)
}

func drawXY(dc *gg.Context, spec domain.ChartSpec, t *dataset.Table, connect bool) error {
	if !t.HasColumn(spec.X) || !t.HasColumn(spec.Y) {
		return fmt.Errorf("%w: needs existing x and y columns", ErrNoPlottable)
	}
	if !t.IsNumeric(spec.Y) {
		return fmt.Errorf("%w: y column %q is not numeric", ErrNoPlottable, spec.Y)
	}
	ys := t.Floats(spec.Y)
	if len(ys) == 0 {
		return fmt.Errorf("%w: column %q has no values", ErrNoPlottable, spec.Y)
	}
	var xs []float64
	if t.IsNumeric(spec.X) {
		xs = t.Floats(spec.X)
	} else {
		// categorical x: plot y values in row order
		xs = make([]float64, len(ys))
		for i := range xs {
			xs[i] = float64(i)
		}
	}
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	xs, ys = xs[:n], ys[:n]

	xmin, xmax := minMax(xs)
	ymin, ymax := minMax(ys)
	if xmin == xmax {
		xmax = xmin + 1
	}
	if ymin == ymax {
		ymax = ymin + 1
	}
	plot := plotArea()
	drawFrameRange(dc, plot, ymin, ymax)
	px := func(v float64) float64 { return plot.x + plot.w*(v-xmin)/(xmax-xmin) }
	py := func(v float64) float64 { return plot.y + plot.h - plot.h*(v-ymin)/(ymax-ymin) }

	dc.SetColor(palette[0])
	if connect {
		dc.SetLineWidth(2)
		for i := 0; i < n; i++ {
			dc.LineTo(px(xs[i]), py(ys[i]))
		}
		dc.Stroke()
	} else {
		for i := 0; i < n; i++ {
			dc.DrawCircle(px(xs[i]), py(ys[i]), 3)
			dc.Fill()
		}
	}
	drawXLabel(dc, spec.X)
	return nil
}

type area struct{ x, y, w, h float64 }

func plotArea() area {
	return area{
		x: marginLeft,
		y: marginTop,
		w: float64(imageWidth) - marginLeft - marginRight,
		h: float64(imageHeight) - marginTop - marginBottom,
	}
}

func drawFrame(dc *gg.Context, plot area, top float64) {
	drawFrameRange(dc, plot, 0, top)
}

func drawFrameRange(dc *gg.Context, plot area, lo, hi float64) {
	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawRectangle(plot.x, plot.y, plot.w, plot.h)
	dc.Stroke()
	if hi == lo {
		hi = lo + 1
	}
	for i := 0; i <= 4; i++ {
		frac := float64(i) / 4
		v := lo + (hi-lo)*frac
		y := plot.y + plot.h - plot.h*frac
		dc.DrawLine(plot.x-4, y, plot.x, y)
		dc.Stroke()
		dc.DrawStringAnchored(formatTick(v), plot.x-8, y, 1, 0.5)
	}
}

func drawTitle(dc *gg.Context, title string) {
	if strings.TrimSpace(title) == "" {
		return
	}
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(truncate(title, 80), float64(imageWidth)/2, marginTop/2, 0.5, 0.5)
}

func drawXLabel(dc *gg.Context, label string) {
	if label == "" {
		return
	}
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(truncate(label, 40), float64(imageWidth)/2, float64(imageHeight)-16, 0.5, 0.5)
}

func formatTick(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e9 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func minMax(values []float64) (float64, float64) {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func maxOf(values []float64) float64 {
	top := 0.0
	for _, v := range values {
		if v > top {
			top = v
		}
	}
	return top
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
