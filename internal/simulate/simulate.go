// Package simulate builds synthetic difference-image scenes with known
// dipoles, for tests and demos.
package simulate

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/banshee-data/dipolefit/internal/psf"
)

// Background is a planar sky level: Level + SlopeX·x + SlopeY·y.
type Background struct {
	Level  float64
	SlopeX float64
	SlopeY float64
}

// At evaluates the plane at pixel (x, y).
func (b Background) At(x, y float64) float64 {
	return b.Level + b.SlopeX*x + b.SlopeY*y
}

// Source is one point source.
type Source struct {
	X, Y float64
	Flux float64
}

// Dipole is a ground-truth dipole: a source present at (PosX, PosY) in the
// science image and at (NegX, NegY) in the template.
type Dipole struct {
	PosX, PosY float64
	NegX, NegY float64
	PosFlux    float64
	NegFlux    float64 // magnitude; the lobe is negative in the diffim
}

// Separation returns the lobe distance in pixels.
func (d Dipole) Separation() float64 { return math.Hypot(d.PosX-d.NegX, d.PosY-d.NegY) }

// Orientation returns the pos-minus-neg direction in degrees.
func (d Dipole) Orientation() float64 {
	return math.Atan2(d.PosY-d.NegY, d.PosX-d.NegX) * 180 / math.Pi
}

// Centre returns the lobe midpoint.
func (d Dipole) Centre() (float64, float64) {
	return (d.PosX + d.NegX) / 2, (d.PosY + d.NegY) / 2
}

// Scene is a science (pos), template (neg) and difference exposure sharing
// one PSF.
type Scene struct {
	Diff    *imaging.Exposure
	Pos     *imaging.Exposure
	Neg     *imaging.Exposure
	Dipoles []Dipole
}

// Generator renders scenes. Zero-valued fields fall back to the defaults
// set by NewGenerator.
type Generator struct {
	Width, Height int
	PSFSigma      float64
	Noise         float64 // per-pixel Gaussian sigma of each pre-subtraction image
	Background    Background

	// FootprintRadius is the circle radius around each lobe used by
	// Footprint, in PSF sigmas.
	FootprintRadius float64

	rng *rand.Rand
}

// NewGenerator returns a generator with a seeded random source.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		Width:           101,
		Height:          101,
		PSFSigma:        2.0,
		Noise:           10.0,
		FootprintRadius: 3.0,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// PSF returns the Gaussian PSF used for every render.
func (g *Generator) PSF() (*psf.Gaussian, error) {
	return psf.NewGaussian(g.PSFSigma, 0)
}

// StarImage renders sources on the background with Gaussian noise. The
// variance plane is Noise².
func (g *Generator) StarImage(sources []Source) (*imaging.Exposure, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return nil, fmt.Errorf("simulate: invalid image size %dx%d", g.Width, g.Height)
	}
	p, err := g.PSF()
	if err != nil {
		return nil, err
	}
	mi := imaging.NewMaskedImage(image.Rect(0, 0, g.Width, g.Height))
	for _, s := range sources {
		stamp := p.ComputeImage(s.X, s.Y)
		mi.Image.AddClipped(stamp, s.Flux/stamp.NaNSum())
	}
	variance := g.Noise * g.Noise
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			i := mi.Image.Index(x, y)
			mi.Image.Pix[i] += g.Background.At(float64(x), float64(y)) + g.Noise*g.rng.NormFloat64()
			mi.Variance.Pix[i] = variance
		}
	}
	return imaging.NewExposure(mi, p), nil
}

// DipoleScene renders the science and template images and their
// difference. The background is shared so it cancels in the diffim.
func (g *Generator) DipoleScene(dipoles []Dipole) (*Scene, error) {
	if len(dipoles) == 0 {
		return nil, errors.New("simulate: no dipoles requested")
	}
	var posSrc, negSrc []Source
	for _, d := range dipoles {
		posSrc = append(posSrc, Source{X: d.PosX, Y: d.PosY, Flux: d.PosFlux})
		negSrc = append(negSrc, Source{X: d.NegX, Y: d.NegY, Flux: d.NegFlux})
	}
	pos, err := g.StarImage(posSrc)
	if err != nil {
		return nil, err
	}
	neg, err := g.StarImage(negSrc)
	if err != nil {
		return nil, err
	}
	diffMI, err := imaging.Combine(pos.MaskedImage, neg.MaskedImage, -1)
	if err != nil {
		return nil, fmt.Errorf("simulate: difference image: %w", err)
	}
	return &Scene{
		Diff:    imaging.NewExposure(diffMI, pos.PSF),
		Pos:     pos,
		Neg:     neg,
		Dipoles: append([]Dipole(nil), dipoles...),
	}, nil
}

// Footprint returns the union of circles around both lobes of d, clipped to
// the diffim, with a peak at the brightest pixel near the positive lobe and
// one at the faintest pixel near the negative lobe.
func (g *Generator) Footprint(diff *imaging.Exposure, d Dipole) *imaging.Footprint {
	r := g.FootprintRadius * g.PSFSigma
	box := image.Rect(
		int(math.Floor(math.Min(d.PosX, d.NegX)-r)),
		int(math.Floor(math.Min(d.PosY, d.NegY)-r)),
		int(math.Ceil(math.Max(d.PosX, d.NegX)+r))+1,
		int(math.Ceil(math.Max(d.PosY, d.NegY)+r))+1,
	).Intersect(diff.Bounds())

	near := func(x, y int, cx, cy float64) bool {
		return math.Hypot(float64(x)-cx, float64(y)-cy) <= r
	}
	member := func(x, y int) bool {
		return near(x, y, d.PosX, d.PosY) || near(x, y, d.NegX, d.NegY)
	}
	posPk := extremum(diff.Image, box, func(x, y int) bool { return near(x, y, d.PosX, d.PosY) }, 1)
	negPk := extremum(diff.Image, box, func(x, y int) bool { return near(x, y, d.NegX, d.NegY) }, -1)
	return imaging.NewFootprintFromMask(box, member, []imaging.Peak{posPk, negPk})
}

// SinglePeakFootprint is like Footprint but keeps only the positive peak.
func (g *Generator) SinglePeakFootprint(diff *imaging.Exposure, d Dipole) *imaging.Footprint {
	fp := g.Footprint(diff, d)
	return imaging.NewFootprint(fp.Spans(), fp.Peaks[:1])
}

// extremum finds the pixel maximizing sign·value among pixels in box passing
// keep.
func extremum(im *imaging.Image, box image.Rectangle, keep func(x, y int) bool, sign float64) imaging.Peak {
	best := imaging.Peak{X: math.NaN(), Y: math.NaN(), Value: math.NaN()}
	bestScore := math.Inf(-1)
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if !keep(x, y) {
				continue
			}
			v := im.At(x, y)
			if math.IsNaN(v) {
				continue
			}
			if s := sign * v; s > bestScore {
				bestScore = s
				best = imaging.Peak{X: float64(x), Y: float64(y), Value: v}
			}
		}
	}
	return best
}

// RandomDipoles places n dipoles at least minSpacing pixels apart and a
// margin away from the edges. Fluxes are drawn from [minFlux, maxFlux),
// separations from [0.5, 2.5] PSF sigmas, orientations uniformly. A
// fraction unbalanced of them get a negative lobe at a fifth of the
// positive flux.
func (g *Generator) RandomDipoles(n int, minFlux, maxFlux, minSpacing, unbalanced float64) []Dipole {
	margin := (g.FootprintRadius + 3) * g.PSFSigma
	var out []Dipole
	for tries := 0; len(out) < n && tries < 100*n; tries++ {
		cx := margin + g.rng.Float64()*(float64(g.Width)-2*margin)
		cy := margin + g.rng.Float64()*(float64(g.Height)-2*margin)
		tooClose := false
		for _, d := range out {
			ox, oy := d.Centre()
			if math.Hypot(cx-ox, cy-oy) < minSpacing {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		sep := (0.5 + 2*g.rng.Float64()) * g.PSFSigma
		theta := g.rng.Float64() * 2 * math.Pi
		flux := minFlux + g.rng.Float64()*(maxFlux-minFlux)
		negFlux := flux
		if g.rng.Float64() < unbalanced {
			negFlux = flux / 5
		}
		dx, dy := sep/2*math.Cos(theta), sep/2*math.Sin(theta)
		out = append(out, Dipole{
			PosX: cx + dx, PosY: cy + dy,
			NegX: cx - dx, NegY: cy - dy,
			PosFlux: flux, NegFlux: negFlux,
		})
	}
	return out
}
