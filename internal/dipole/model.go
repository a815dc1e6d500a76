package dipole

import (
	"fmt"
	"image"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// Model synthesizes dipole pixel planes over a footprint bounding box.
type Model struct {
	PSF       imaging.PSF
	Box       image.Rectangle
	RelWeight float64
}

// Planes returns how many planes Synthesize produces.
func (m *Model) Planes() int {
	if m.RelWeight > 0 {
		return 3
	}
	return 1
}

// Synthesize renders the model. The result is [diff] or, when RelWeight is
// positive, [diff, pos, neg], where pos and neg each include their lobe's
// gradient surface.
func (m *Model) Synthesize(p FitParameters) ([]*imaging.Image, error) {
	pos, err := m.lobe(p.XPos, p.YPos, p.Flux)
	if err != nil {
		return nil, err
	}
	neg, err := m.lobe(p.XNeg, p.YNeg, p.NegativeFlux())
	if err != nil {
		return nil, err
	}
	diff := imaging.NewImage(m.Box)
	for i := range diff.Pix {
		diff.Pix[i] = pos.Pix[i] - neg.Pix[i]
	}
	// A shared gradient cancels in the difference; only separate lobe
	// gradients reach it.
	if p.NegGradient != nil {
		addGradient(diff, p.PosGradient, 1)
		addGradient(diff, p.NegGradient, -1)
	}
	addGradient(pos, p.PosGradient, 1)
	addGradient(neg, p.negativeGradient(), 1)
	if m.RelWeight > 0 {
		return []*imaging.Image{diff, pos, neg}, nil
	}
	return []*imaging.Image{diff}, nil
}

// lobe renders one point source of the given flux cropped to the box.
func (m *Model) lobe(x, y, flux float64) (*imaging.Image, error) {
	out := imaging.NewImage(m.Box)
	stamp := m.PSF.ComputeImage(x, y)
	norm := stamp.NaNSum()
	if !(norm > 0) {
		return nil, newFitError(ErrFitFailed, "Model.Synthesize", fmt.Errorf("psf render at (%.2f, %.2f) has sum %g", x, y, norm))
	}
	if used := out.AddClipped(stamp, flux/norm); used.Empty() {
		return nil, newFitError(ErrEdge, "Model.Synthesize", fmt.Errorf("lobe at (%.2f, %.2f) renders outside %v", x, y, m.Box))
	}
	return out, nil
}

func addGradient(im *imaging.Image, g *GradientParameters, sign float64) {
	if g == nil || len(g.Coeffs) == 0 {
		return
	}
	for y := im.Bounds.Min.Y; y < im.Bounds.Max.Y; y++ {
		for x := im.Bounds.Min.X; x < im.Bounds.Max.X; x++ {
			im.Pix[im.Index(x, y)] += sign * g.Eval(float64(x), float64(y))
		}
	}
}
