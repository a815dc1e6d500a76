package psf

import (
	"image"
	"math"
	"testing"

	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firstMoments(im *imaging.Image) (float64, float64) {
	var sx, sy, s float64
	for y := im.Bounds.Min.Y; y < im.Bounds.Max.Y; y++ {
		for x := im.Bounds.Min.X; x < im.Bounds.Max.X; x++ {
			v := im.At(x, y)
			sx += v * float64(x)
			sy += v * float64(y)
			s += v
		}
	}
	return sx / s, sy / s
}

func TestGaussian_RenderIsNormalizedAndCentred(t *testing.T) {
	t.Parallel()

	g, err := NewGaussian(2.0, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, g.StampSize())

	im := g.ComputeImage(30.3, 40.7)
	assert.Equal(t, image.Rect(18, 29, 43, 54), im.Bounds)
	assert.InDelta(t, 1.0, im.NaNSum(), 1e-8)

	cx, cy := firstMoments(im)
	assert.InDelta(t, 30.3, cx, 1e-6)
	assert.InDelta(t, 40.7, cy, 1e-6)
}

func TestGaussian_CentredRenderPeak(t *testing.T) {
	t.Parallel()

	g, err := NewGaussian(1.5, 0)
	require.NoError(t, err)

	// The central pixel integrates the Gaussian over [-0.5, 0.5] on each axis.
	c := math.Erf(0.5 / (1.5 * math.Sqrt2))
	im := g.ComputeImage(10, 10)
	assert.InDelta(t, c*c, im.At(10, 10), 1e-15)
	assert.Equal(t, 1.5, g.Sigma())
}

func TestGaussian_InvalidArguments(t *testing.T) {
	t.Parallel()

	_, err := NewGaussian(0, 0)
	assert.Error(t, err)
	_, err = NewGaussian(math.NaN(), 0)
	assert.Error(t, err)
	_, err = NewGaussian(2, 10)
	assert.Error(t, err)

	g, err := NewGaussian(2, 11)
	require.NoError(t, err)
	assert.Equal(t, 11, g.StampSize())
}

func TestDoubleGaussian(t *testing.T) {
	t.Parallel()

	d, err := NewDoubleGaussian(1.5, 3.0, 0.1, 0)
	require.NoError(t, err)

	im := d.ComputeImage(5.25, 5.0)
	assert.InDelta(t, 1.0, im.NaNSum(), 1e-7)
	cx, _ := firstMoments(im)
	assert.InDelta(t, 5.25, cx, 1e-6)

	wantSigma := math.Sqrt(0.9*1.5*1.5 + 0.1*3.0*3.0)
	assert.InDelta(t, wantSigma, d.Sigma(), 1e-12)
	c1, c2 := math.Erf(0.5/(1.5*math.Sqrt2)), math.Erf(0.5/(3.0*math.Sqrt2))
	assert.InDelta(t, 0.9*c1*c1+0.1*c2*c2, d.ComputeImage(7, 7).At(7, 7), 1e-15)

	_, err = NewDoubleGaussian(1, 2, 1.5, 0)
	assert.Error(t, err)
}

func TestPSFInterface(t *testing.T) {
	t.Parallel()

	var _ imaging.PSF = (*Gaussian)(nil)
	var _ imaging.PSF = (*DoubleGaussian)(nil)
}
