package dipole

import (
	"fmt"
	"math"
)

// Fixed slots at the front of the parameter vector.
const (
	idxXPos = iota
	idxYPos
	idxXNeg
	idxYNeg
	idxFlux
	nFixedParams
)

// paramLayout enumerates the free parameters for one fit configuration and
// maps FitParameters to and from the solver's flat vector:
//
//	xPos yPos xNeg yNeg flux [fluxNeg] [posGradient...] [negGradient...]
//
// The negative gradient is free only when negative parameters are separate.
type paramLayout struct {
	separateNeg bool
	gradTerms   int     // 0 when gradients are not free
	gx0, gy0    float64 // gradient origin
}

func newParamLayout(separateNeg bool, gradientOrder int, origin Point) paramLayout {
	return paramLayout{
		separateNeg: separateNeg,
		gradTerms:   gradientTerms(gradientOrder),
		gx0:         origin.X,
		gy0:         origin.Y,
	}
}

func (l paramLayout) fluxNegIndex() int {
	if !l.separateNeg {
		return -1
	}
	return nFixedParams
}

func (l paramLayout) posGradientIndex() int {
	if l.separateNeg {
		return nFixedParams + 1
	}
	return nFixedParams
}

func (l paramLayout) negGradientIndex() int {
	if !l.separateNeg || l.gradTerms == 0 {
		return -1
	}
	return l.posGradientIndex() + l.gradTerms
}

// Len is the number of free parameters.
func (l paramLayout) Len() int {
	n := nFixedParams + l.gradTerms
	if l.separateNeg {
		n += 1 + l.gradTerms
	}
	return n
}

// names labels each slot, for diagnostics and error messages.
func (l paramLayout) names() []string {
	out := []string{"xPos", "yPos", "xNeg", "yNeg", "flux"}
	if l.separateNeg {
		out = append(out, "fluxNeg")
	}
	gradNames := []string{"b", "x1", "y1", "xy", "x2", "y2"}
	out = append(out, gradNames[:l.gradTerms]...)
	if l.negGradientIndex() >= 0 {
		for _, n := range gradNames[:l.gradTerms] {
			out = append(out, n+"Neg")
		}
	}
	return out
}

// pack flattens p. Gradient coefficients missing from p start at zero.
func (l paramLayout) pack(p FitParameters) []float64 {
	x := make([]float64, l.Len())
	x[idxXPos], x[idxYPos] = p.XPos, p.YPos
	x[idxXNeg], x[idxYNeg] = p.XNeg, p.YNeg
	x[idxFlux] = p.Flux
	if i := l.fluxNegIndex(); i >= 0 {
		x[i] = p.FluxNeg
	}
	if l.gradTerms > 0 {
		l.packGradient(x[l.posGradientIndex():], p.PosGradient)
	}
	if i := l.negGradientIndex(); i >= 0 {
		neg := p.NegGradient
		if neg == nil {
			neg = p.PosGradient
		}
		l.packGradient(x[i:], neg)
	}
	return x
}

func (l paramLayout) packGradient(dst []float64, g *GradientParameters) {
	if g == nil {
		return
	}
	if g.X0 == l.gx0 && g.Y0 == l.gy0 {
		copy(dst[:l.gradTerms], g.Coeffs)
		return
	}
	shifted := reoriginGradient(g, l.gx0, l.gy0)
	copy(dst[:l.gradTerms], shifted.Coeffs)
}

// unpack builds FitParameters from x.
func (l paramLayout) unpack(x []float64) FitParameters {
	p := FitParameters{
		XPos:        x[idxXPos],
		YPos:        x[idxYPos],
		XNeg:        x[idxXNeg],
		YNeg:        x[idxYNeg],
		Flux:        x[idxFlux],
		SeparateNeg: l.separateNeg,
	}
	if i := l.fluxNegIndex(); i >= 0 {
		p.FluxNeg = x[i]
	}
	if l.gradTerms > 0 {
		i := l.posGradientIndex()
		p.PosGradient = &GradientParameters{X0: l.gx0, Y0: l.gy0, Coeffs: append([]float64(nil), x[i:i+l.gradTerms]...)}
	}
	if i := l.negGradientIndex(); i >= 0 {
		p.NegGradient = &GradientParameters{X0: l.gx0, Y0: l.gy0, Coeffs: append([]float64(nil), x[i:i+l.gradTerms]...)}
	}
	return p
}

// bounds returns per-slot limits. Centroids are confined to a square of
// half-width maxOffset about (cx, cy); fluxes are bounded below by minFlux;
// gradient coefficients are free.
func (l paramLayout) bounds(cx, cy, maxOffset, minFlux float64) (lo, hi []float64) {
	n := l.Len()
	lo = make([]float64, n)
	hi = make([]float64, n)
	for i := range lo {
		lo[i] = math.Inf(-1)
		hi[i] = math.Inf(1)
	}
	lo[idxXPos], hi[idxXPos] = cx-maxOffset, cx+maxOffset
	lo[idxXNeg], hi[idxXNeg] = cx-maxOffset, cx+maxOffset
	lo[idxYPos], hi[idxYPos] = cy-maxOffset, cy+maxOffset
	lo[idxYNeg], hi[idxYNeg] = cy-maxOffset, cy+maxOffset
	lo[idxFlux] = minFlux
	if i := l.fluxNegIndex(); i >= 0 {
		lo[i] = minFlux
	}
	return lo, hi
}

// reoriginGradient rewrites g so that it evaluates identically about a new
// origin (x0, y0).
func reoriginGradient(g *GradientParameters, x0, y0 float64) *GradientParameters {
	// With u = x - g.X0 = dx + ox and v = y - g.Y0 = dy + oy, expand each
	// term in powers of the new offsets (dx, dy).
	ox, oy := x0-g.X0, y0-g.Y0
	c := make([]float64, 6)
	copy(c, g.Coeffs)
	b, x1, y1, xy, x2, y2 := c[0], c[1], c[2], c[3], c[4], c[5]
	out := []float64{
		b + x1*ox + y1*oy + xy*ox*oy + x2*ox*ox + y2*oy*oy,
		x1 + xy*oy + 2*x2*ox,
		y1 + xy*ox + 2*y2*oy,
		xy,
		x2,
		y2,
	}
	return &GradientParameters{X0: x0, Y0: y0, Coeffs: out[:len(g.Coeffs)]}
}

// String is used in log lines.
func (l paramLayout) String() string {
	return fmt.Sprintf("params(n=%d, separateNeg=%t, gradTerms=%d)", l.Len(), l.separateNeg, l.gradTerms)
}
