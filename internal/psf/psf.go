// Package psf provides analytic point-spread functions that satisfy
// imaging.PSF. Renders integrate the profile over each pixel so sub-pixel
// shifts move flux smoothly between pixels.
package psf

import (
	"fmt"
	"image"
	"math"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// stampSigmas is the default stamp half-width in units of sigma. At six sigma
// the truncated tail is below 1e-8 of the total flux.
const stampSigmas = 6.0

// Gaussian is a circular Gaussian PSF.
type Gaussian struct {
	sigma    float64
	halfSize int
}

// NewGaussian returns a Gaussian PSF with the given sigma in pixels. size is
// the stamp width/height and must be odd; zero picks a stamp wide enough to
// hold the profile out to six sigma.
func NewGaussian(sigma float64, size int) (*Gaussian, error) {
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return nil, fmt.Errorf("psf: sigma must be positive, got %v", sigma)
	}
	hs, err := halfSizeFor(sigma, size)
	if err != nil {
		return nil, err
	}
	return &Gaussian{sigma: sigma, halfSize: hs}, nil
}

// ComputeImage renders a unit-flux stamp centred at (x, y).
func (g *Gaussian) ComputeImage(x, y float64) *imaging.Image {
	r, x0, y0 := stampBounds(x, y, g.halfSize)
	im := imaging.NewImage(r)
	n := 2*g.halfSize + 1
	px := pixelIntegrals(x, x0, n, g.sigma)
	py := pixelIntegrals(y, y0, n, g.sigma)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			im.Pix[j*n+i] = px[i] * py[j]
		}
	}
	return im
}

// Sigma returns the Gaussian width.
func (g *Gaussian) Sigma() float64 { return g.sigma }

// StampSize returns the stamp width in pixels.
func (g *Gaussian) StampSize() int { return 2*g.halfSize + 1 }

// DoubleGaussian is a core Gaussian plus a broader wing Gaussian sharing a
// centre. Wing is the fraction of flux in the second component.
type DoubleGaussian struct {
	sigma1, sigma2 float64
	wing           float64
	halfSize       int
}

// NewDoubleGaussian builds a two-component PSF. wing must lie in [0, 1].
func NewDoubleGaussian(sigma1, sigma2, wing float64, size int) (*DoubleGaussian, error) {
	if !(sigma1 > 0) || !(sigma2 > 0) {
		return nil, fmt.Errorf("psf: sigmas must be positive, got %v and %v", sigma1, sigma2)
	}
	if wing < 0 || wing > 1 || math.IsNaN(wing) {
		return nil, fmt.Errorf("psf: wing fraction must be in [0, 1], got %v", wing)
	}
	hs, err := halfSizeFor(math.Max(sigma1, sigma2), size)
	if err != nil {
		return nil, err
	}
	return &DoubleGaussian{sigma1: sigma1, sigma2: sigma2, wing: wing, halfSize: hs}, nil
}

// ComputeImage renders a unit-flux stamp centred at (x, y).
func (d *DoubleGaussian) ComputeImage(x, y float64) *imaging.Image {
	r, x0, y0 := stampBounds(x, y, d.halfSize)
	im := imaging.NewImage(r)
	n := 2*d.halfSize + 1
	px1 := pixelIntegrals(x, x0, n, d.sigma1)
	py1 := pixelIntegrals(y, y0, n, d.sigma1)
	px2 := pixelIntegrals(x, x0, n, d.sigma2)
	py2 := pixelIntegrals(y, y0, n, d.sigma2)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			im.Pix[j*n+i] = (1-d.wing)*px1[i]*py1[j] + d.wing*px2[i]*py2[j]
		}
	}
	return im
}

// Sigma returns the determinant radius of the combined second moments.
func (d *DoubleGaussian) Sigma() float64 {
	return math.Sqrt((1-d.wing)*d.sigma1*d.sigma1 + d.wing*d.sigma2*d.sigma2)
}

func halfSizeFor(sigma float64, size int) (int, error) {
	if size == 0 {
		return int(math.Ceil(stampSigmas * sigma)), nil
	}
	if size < 0 || size%2 == 0 {
		return 0, fmt.Errorf("psf: stamp size must be a positive odd number, got %d", size)
	}
	return size / 2, nil
}

// stampBounds centres a (2*hs+1)-wide stamp on the pixel nearest (x, y).
func stampBounds(x, y float64, hs int) (image.Rectangle, int, int) {
	cx := int(math.Floor(x + 0.5))
	cy := int(math.Floor(y + 0.5))
	x0, y0 := cx-hs, cy-hs
	return image.Rect(x0, y0, cx+hs+1, cy+hs+1), x0, y0
}

// pixelIntegrals returns the 1-D Gaussian mass falling in each of n pixels
// starting at pixel index start, for a profile centred at mu.
func pixelIntegrals(mu float64, start, n int, sigma float64) []float64 {
	out := make([]float64, n)
	k := 1 / (sigma * math.Sqrt2)
	lo := math.Erf((float64(start) - 0.5 - mu) * k)
	for i := 0; i < n; i++ {
		hi := math.Erf((float64(start+i) + 0.5 - mu) * k)
		out[i] = 0.5 * (hi - lo)
		lo = hi
	}
	return out
}

