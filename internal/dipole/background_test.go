package dipole

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

func surfaceImage(r image.Rectangle, f func(x, y float64) float64) *imaging.MaskedImage {
	mi := imaging.NewMaskedImage(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			i := mi.Image.Index(x, y)
			mi.Image.Pix[i] = f(float64(x), float64(y))
			mi.Variance.Pix[i] = 1
		}
	}
	return mi
}

func TestFitBackground_RecoversPlane(t *testing.T) {
	t.Parallel()

	plane := func(x, y float64) float64 { return 5 + 0.3*x - 0.2*y }
	mi := surfaceImage(image.Rect(0, 0, 60, 60), plane)
	// Put a bright source on the footprint; it must not leak into the fit.
	fp := imaging.NewFootprintFromBox(image.Rect(25, 25, 35, 35), nil)
	fp.ForEach(func(x, y int) { mi.Image.Set(x, y, 1e4) })

	g, err := FitBackground(fp, mi, 1, 5)
	require.NoError(t, err)
	require.Len(t, g.Coeffs, 3)
	assert.Equal(t, 1, g.Order())
	assert.InDelta(t, 29.5, g.X0, 1e-12)
	assert.InDelta(t, 29.5, g.Y0, 1e-12)
	for _, pt := range [][2]float64{{0, 0}, {30, 30}, {59, 12}} {
		assert.InDelta(t, plane(pt[0], pt[1]), g.Eval(pt[0], pt[1]), 1e-9)
	}
	assert.InDelta(t, 0.3, g.Coeffs[1], 1e-10)
	assert.InDelta(t, -0.2, g.Coeffs[2], 1e-10)
}

func TestFitBackground_Quadratic(t *testing.T) {
	t.Parallel()

	surf := func(x, y float64) float64 { return 1 + 0.1*x + 0.2*y + 0.01*x*y - 0.003*x*x + 0.002*y*y }
	mi := surfaceImage(image.Rect(0, 0, 50, 40), surf)
	fp := imaging.NewFootprintFromBox(image.Rect(20, 15, 28, 24), nil)

	g, err := FitBackground(fp, mi, 2, 5)
	require.NoError(t, err)
	require.Len(t, g.Coeffs, 6)

	s := g.Surface(fp.BBox())
	for y := fp.BBox().Min.Y; y < fp.BBox().Max.Y; y++ {
		for x := fp.BBox().Min.X; x < fp.BBox().Max.X; x++ {
			assert.InDelta(t, surf(float64(x), float64(y)), s.At(x, y), 1e-8)
		}
	}
}

func TestFitBackground_ConstantOrderZero(t *testing.T) {
	t.Parallel()

	mi := surfaceImage(image.Rect(0, 0, 30, 30), func(x, y float64) float64 { return 7 })
	fp := imaging.NewFootprintFromBox(image.Rect(10, 10, 20, 20), nil)

	g, err := FitBackground(fp, mi, 0, 3)
	require.NoError(t, err)
	require.Len(t, g.Coeffs, 1)
	assert.InDelta(t, 7, g.Coeffs[0], 1e-12)
}

func TestFitBackground_SkipsNonFinitePixels(t *testing.T) {
	t.Parallel()

	mi := surfaceImage(image.Rect(0, 0, 30, 30), func(x, y float64) float64 { return 2 + 0.5*x })
	mi.Image.Set(5, 5, math.NaN())
	mi.Variance.Set(6, 6, math.Inf(1))
	fp := imaging.NewFootprintFromBox(image.Rect(10, 10, 20, 20), nil)

	g, err := FitBackground(fp, mi, 1, 10)
	require.NoError(t, err)
	assert.InDelta(t, 2+0.5*15, g.Eval(15, 15), 1e-9)
}

func TestFitBackground_Degenerate(t *testing.T) {
	t.Parallel()

	t.Run("footprint covers box", func(t *testing.T) {
		t.Parallel()
		mi := surfaceImage(image.Rect(0, 0, 20, 20), func(x, y float64) float64 { return 1 })
		fp := imaging.NewFootprintFromBox(mi.Bounds(), nil)
		_, err := FitBackground(fp, mi, 1, 5)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDegenerateBackground))
	})

	t.Run("all background pixels invalid", func(t *testing.T) {
		t.Parallel()
		mi := surfaceImage(image.Rect(0, 0, 20, 20), func(x, y float64) float64 { return math.NaN() })
		fp := imaging.NewFootprintFromBox(image.Rect(5, 5, 15, 15), nil)
		_, err := FitBackground(fp, mi, 0, 5)
		assert.ErrorIs(t, err, ErrDegenerateBackground)
	})

	t.Run("single row is rank deficient", func(t *testing.T) {
		t.Parallel()
		mi := surfaceImage(image.Rect(0, 0, 20, 1), func(x, y float64) float64 { return x })
		fp := imaging.NewFootprintFromBox(image.Rect(8, 0, 12, 1), nil)
		_, err := FitBackground(fp, mi, 1, 5)
		assert.ErrorIs(t, err, ErrDegenerateBackground)
	})

	t.Run("bad order", func(t *testing.T) {
		t.Parallel()
		mi := surfaceImage(image.Rect(0, 0, 20, 20), func(x, y float64) float64 { return 1 })
		fp := imaging.NewFootprintFromBox(image.Rect(5, 5, 15, 15), nil)
		_, err := FitBackground(fp, mi, 3, 5)
		assert.Error(t, err)
	})
}

func TestGradientParameters_NilIsZero(t *testing.T) {
	t.Parallel()

	var g *GradientParameters
	assert.Equal(t, -1, g.Order())
	assert.Equal(t, 0.0, g.Eval(3, 4))
	assert.Nil(t, g.Clone())
	s := g.Surface(image.Rect(0, 0, 2, 2))
	assert.Equal(t, []float64{0, 0, 0, 0}, s.Pix)
}
