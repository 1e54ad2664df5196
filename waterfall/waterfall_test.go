package waterfall

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/sweepd/sdr"
)

func sample(freq uint64, db float64, at time.Time) sdr.Sample {
	return sdr.Sample{FreqCenter: freq, DBHigh: db, End: at}
}

func TestWindowRowGrouping(t *testing.T) {
	w := NewWindow(10)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// One aggregation flush: three buckets within the merge window.
	w.Add(sample(433000000, -70, base))
	w.Add(sample(433500000, -65, base.Add(100*time.Millisecond)))
	w.Add(sample(434000000, -72, base.Add(200*time.Millisecond)))
	assert.Equal(t, 1, w.Rows())

	// Next flush lands in a new row.
	w.Add(sample(433000000, -68, base.Add(5*time.Second)))
	assert.Equal(t, 2, w.Rows())
}

func TestWindowBounded(t *testing.T) {
	w := NewWindow(4)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		w.Add(sample(433000000, -70, base.Add(time.Duration(i)*5*time.Second)))
	}
	assert.Equal(t, 4, w.Rows())
}

func TestRenderDimensions(t *testing.T) {
	w := NewWindow(10)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * 5 * time.Second)
		w.Add(sample(433000000, -70+float64(i), at))
		w.Add(sample(433500000, -60, at))
		w.Add(sample(434000000, -80, at))
	}

	img, err := w.Render(false)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx(), "one column per frequency bucket")
	assert.Equal(t, 3, img.Bounds().Dy(), "one row per flush")

	// With the grid the canvas grows by the label margins.
	img, err = w.Render(true)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 3)
	assert.Greater(t, img.Bounds().Dy(), 3)
}

func TestRenderEmpty(t *testing.T) {
	w := NewWindow(10)
	_, err := w.Render(false)
	assert.ErrorIs(t, err, ErrNoData)

	w.Add(sample(433000000, -70, time.Now()))
	w.Clear()
	_, err = w.Render(false)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestGetColorGradient(t *testing.T) {
	assert.Equal(t, colors[0], GetColor(0), "the coldest level is the first stop")
	assert.Equal(t, colors[len(colors)-1], GetColor(math.MaxUint16), "the hottest level is the last stop")

	// Exactly on a stop boundary yields that stop's color.
	step := uint16(math.MaxUint16 / len(colors))
	assert.Equal(t, colors[1], GetColor(step))

	// Halfway between black and blue interpolates the blue channel.
	mid := GetColor(step / 2)
	assert.Equal(t, uint8(0), mid.R)
	assert.Equal(t, uint8(0), mid.G)
	assert.Equal(t, uint8(127), mid.B)
	assert.Equal(t, uint8(255), mid.A)
}

func TestGetReadableFreq(t *testing.T) {
	assert.Equal(t, "433.00 MHz", GetReadableFreq(433000000))
	assert.Equal(t, "1.50 kHz", GetReadableFreq(1500))
	assert.Equal(t, "2.40 GHz", GetReadableFreq(2400000000))
	assert.Equal(t, "100.00 Hz", GetReadableFreq(100))
}
