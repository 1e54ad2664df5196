// Package waterfall keeps a bounded in-memory window of aggregated sweep
// samples and renders it as a heatmap image, newest row at the bottom.
package waterfall

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/sweepd/sdr"
)

var (
	// Colors defining the gradient in the heatmap. The higher the index, the warmer.
	colors = map[int]color.RGBA{
		0: {0, 0, 0, 255},       // black
		1: {0, 0, 255, 255},     // blue
		2: {0, 255, 255, 255},   // cyan
		3: {0, 255, 0, 255},     // green
		4: {255, 255, 0, 255},   // yellow
		5: {255, 0, 0, 255},     // red
		6: {255, 255, 255, 255}, // white
	}

	gridColor           = color.RGBA{0, 0, 0, 255}
	gridBackgroundColor = color.RGBA{255, 255, 255, 255}

	expSuffixLookup = map[int]string{
		0: "Hz",  // 10^0
		1: "kHz", // 10^3
		2: "MHz", // 10^6
		3: "GHz", // 10^9
		4: "THz", // 10^12
	}

	ErrNoData = errors.New("no samples in window")
)

const (
	timeFmt        = "2006-01-02T15:04:05"
	gridMarginTop  = 20  // pixels
	gridMarginLeft = 150 // pixels
	gridTickLen    = 10  // pixels
	gridMinStepX   = 100 // pixels
	gridMinStepY   = 20  // pixels

	// DefaultMaxRows bounds the window; one row per aggregation interval.
	DefaultMaxRows = 512

	// rowMergeWindow groups samples of one aggregation flush into the same
	// image row even when their timestamps differ slightly.
	rowMergeWindow = time.Second
)

type row struct {
	at    time.Time
	cells map[uint64]float64 // FreqCenter -> strongest dB seen
}

// Window is the live sample sink behind the waterfall endpoint. Add is safe
// from the aggregation goroutine while Render serves requests.
type Window struct {
	mu      sync.Mutex
	maxRows int
	rows    []*row
}

func NewWindow(maxRows int) *Window {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Window{maxRows: maxRows}
}

// Add folds one aggregated sample into the window. Samples arriving within
// rowMergeWindow of the newest row land in that row; older rows are never
// touched.
func (w *Window) Add(s sdr.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var r *row
	if n := len(w.rows); n > 0 {
		last := w.rows[n-1]
		if d := s.End.Sub(last.at); d > -rowMergeWindow && d < rowMergeWindow {
			r = last
		}
	}
	if r == nil {
		r = &row{at: s.End, cells: map[uint64]float64{}}
		w.rows = append(w.rows, r)
		if len(w.rows) > w.maxRows {
			w.rows = w.rows[len(w.rows)-w.maxRows:]
		}
	}
	if db, ok := r.cells[s.FreqCenter]; !ok || s.DBHigh > db {
		r.cells[s.FreqCenter] = s.DBHigh
	}
}

// Rows reports how many time rows the window currently holds.
func (w *Window) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

// Clear drops the window's contents, e.g. on a fresh sweep start.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = nil
}

// Render draws the current window. One pixel column per distinct frequency
// bucket, one pixel row per aggregation interval, optionally wrapped in a
// labeled grid.
func (w *Window) Render(addGrid bool) (image.Image, error) {
	w.mu.Lock()
	rows := make([]*row, len(w.rows))
	copy(rows, w.rows)
	w.mu.Unlock()
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	// Column per distinct frequency, in ascending order.
	freqSet := map[uint64]bool{}
	for _, r := range rows {
		for f := range r.cells {
			freqSet[f] = true
		}
	}
	freqs := make([]uint64, 0, len(freqSet))
	for f := range freqSet {
		freqs = append(freqs, f)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })
	col := make(map[uint64]int, len(freqs))
	for i, f := range freqs {
		col[f] = i
	}

	globalMinDB := float64(1000)  // assuming no dB value will be higher than this so it constantly gets corrected downwards
	globalMaxDB := float64(-1000) // assuming no dB value will be lower than this so it constantly gets corrected upwards
	for _, r := range rows {
		for _, db := range r.cells {
			if db < globalMinDB {
				globalMinDB = db
			}
			if db > globalMaxDB {
				globalMaxDB = db
			}
		}
	}
	dbRange := globalMaxDB - globalMinDB
	if dbRange == 0 {
		dbRange = 1
	}

	canvas := image.NewRGBA(image.Rectangle{
		Min: image.Point{0, 0},
		Max: image.Point{len(freqs), len(rows)},
	})
	for y, r := range rows {
		for f, db := range r.cells {
			lvl := uint16((db - globalMinDB) * math.MaxUint16 / dbRange)
			canvas.SetRGBA(col[f], y, GetColor(lvl))
		}
	}

	if addGrid {
		lowFreq := int64(freqs[0])
		highFreq := int64(freqs[len(freqs)-1])
		return DrawGrid(canvas, lowFreq, highFreq, rows[0].at, rows[len(rows)-1].at), nil
	}
	return canvas, nil
}

// GetColor determines the color of a pixel based on a color gradient and a pixel "level".
// http://www.andrewnoske.com/wiki/Code_-_heatmaps_and_color_gradients
func GetColor(lvl uint16) color.RGBA {
	// Find the first gradient stop above the level, then interpolate between
	// it and the previous stop.
	for i := 0; i < len(colors); i++ {
		currV := i * math.MaxUint16 / len(colors)
		if int(lvl) < currV {
			prevV := (i - 1) * math.MaxUint16 / len(colors)
			prevC := colors[i-1]
			currC := colors[i]
			fract := float64(int(lvl)-prevV) / float64(currV-prevV)
			return color.RGBA{
				uint8(float64(prevC.R) + fract*(float64(currC.R)-float64(prevC.R))),
				uint8(float64(prevC.G) + fract*(float64(currC.G)-float64(prevC.G))),
				uint8(float64(prevC.B) + fract*(float64(currC.B)-float64(prevC.B))),
				uint8(float64(prevC.A) + fract*(float64(currC.A)-float64(prevC.A))),
			}
		}
	}
	return colors[len(colors)-1]
}

func GetReadableFreq(freq int64) string {
	exp := 0
	for f := float64(freq); f > 1000; f = f / 1000.0 {
		exp += 1
	}
	suffix, ok := expSuffixLookup[exp]
	if !ok {
		return fmt.Sprintf("%d Hz", freq)
	}
	return fmt.Sprintf("%.2f %s", float64(freq)/math.Pow(1000, float64(exp)), suffix)
}

func drawTick(canvas *image.RGBA, start image.Point, length int, horizontal bool) {
	for i := 0; i <= length; i++ {
		if horizontal {
			canvas.SetRGBA(start.X+i, start.Y, gridColor)
		} else {
			canvas.SetRGBA(start.X, start.Y+i, gridColor)
		}
	}
}

func findGridStepSize(step int, horizontal bool) int {
	gridMinStep := gridMinStepY
	if horizontal {
		gridMinStep = gridMinStepX
	}
	for step > gridMinStep {
		n := step / 2
		if n < gridMinStep {
			return step
		}
		step = n
	}
	return step
}

// DrawGrid wraps the waterfall in margins with frequency ticks on the X axis
// and timestamps on the Y axis.
func DrawGrid(source *image.RGBA, lowFreq, highFreq int64, startTime, endTime time.Time) *image.RGBA {
	// Enlarge existing image.
	canvas := image.NewRGBA(image.Rectangle{
		Min: image.Point{source.Bounds().Min.X, source.Bounds().Min.Y},
		Max: image.Point{source.Bounds().Max.X - 1 + gridMarginLeft, source.Bounds().Max.Y - 1 + gridMarginTop},
	})
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{gridBackgroundColor}, canvas.Bounds().Min, draw.Src)
	r := canvas.Bounds()
	r.Min.X += gridMarginLeft
	r.Min.Y += gridMarginTop
	draw.Draw(canvas, r, source, source.Bounds().Min, draw.Src)

	// Draw X ticks.
	xStep := findGridStepSize(source.Bounds().Max.X, true)
	for i := source.Bounds().Min.X; i < source.Bounds().Max.X; i += xStep {
		drawTick(canvas, image.Point{
			canvas.Bounds().Min.X + gridMarginLeft + i,
			canvas.Bounds().Min.Y + gridMarginTop - gridTickLen,
		}, gridTickLen, false)
		point := fixed.Point26_6{
			X: fixed.Int26_6((canvas.Bounds().Min.X + gridMarginLeft + i + 5) * 64),
			Y: fixed.Int26_6((canvas.Bounds().Min.Y + gridMarginTop - 2) * 64),
		}
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(gridColor),
			Face: basicfont.Face7x13,
			Dot:  point,
		}
		freq := lowFreq + ((int64(i) * (highFreq - lowFreq)) / int64(source.Bounds().Max.X))
		d.DrawString(GetReadableFreq(freq))
	}

	// Draw Y ticks.
	yStep := findGridStepSize(source.Bounds().Max.Y, false)
	for i := source.Bounds().Min.Y; i < source.Bounds().Max.Y; i += yStep {
		drawTick(canvas, image.Point{
			canvas.Bounds().Min.X + gridMarginLeft - gridTickLen,
			canvas.Bounds().Min.Y + gridMarginTop + i,
		}, gridTickLen, true)
		timePoint := fixed.Point26_6{
			X: fixed.Int26_6((canvas.Bounds().Min.X + 5) * 64),
			Y: fixed.Int26_6((canvas.Bounds().Min.Y + gridMarginTop + i + 17) * 64),
		}
		timeDrawer := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(gridColor),
			Face: basicfont.Face7x13,
			Dot:  timePoint,
		}
		durPoint := fixed.Point26_6{
			X: fixed.Int26_6((canvas.Bounds().Min.X + 5) * 64),
			Y: fixed.Int26_6((canvas.Bounds().Min.Y + gridMarginTop + i + 5) * 64),
		}
		durDrawer := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(gridColor),
			Face: basicfont.Face7x13,
			Dot:  durPoint,
		}
		t := (int64(i) * endTime.Sub(startTime).Milliseconds()) / int64(source.Bounds().Max.Y)
		dur, _ := time.ParseDuration(fmt.Sprintf("%dms", t))
		timeDrawer.DrawString(startTime.Add(dur).Format(timeFmt))
		durDrawer.DrawString(dur.String())
	}

	return canvas
}
