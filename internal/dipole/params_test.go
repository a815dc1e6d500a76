package dipole

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParamLayout_Lengths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		separateNeg bool
		order       int
		want        int
		names       []string
	}{
		{false, -1, 5, []string{"xPos", "yPos", "xNeg", "yNeg", "flux"}},
		{true, -1, 6, []string{"xPos", "yPos", "xNeg", "yNeg", "flux", "fluxNeg"}},
		{false, 0, 6, []string{"xPos", "yPos", "xNeg", "yNeg", "flux", "b"}},
		{false, 1, 8, []string{"xPos", "yPos", "xNeg", "yNeg", "flux", "b", "x1", "y1"}},
		{true, 1, 12, []string{"xPos", "yPos", "xNeg", "yNeg", "flux", "fluxNeg", "b", "x1", "y1", "bNeg", "x1Neg", "y1Neg"}},
		{false, 2, 11, []string{"xPos", "yPos", "xNeg", "yNeg", "flux", "b", "x1", "y1", "xy", "x2", "y2"}},
	}
	for _, tt := range tests {
		l := newParamLayout(tt.separateNeg, tt.order, Point{})
		assert.Equal(t, tt.want, l.Len(), "%v", l)
		if diff := cmp.Diff(tt.names, l.names()); diff != "" {
			t.Errorf("names mismatch for %v (-want +got):\n%s", l, diff)
		}
	}
}

func TestParamLayout_PackUnpack(t *testing.T) {
	t.Parallel()

	l := newParamLayout(true, 1, Point{X: 20, Y: 30})
	p := FitParameters{
		XPos: 21.5, YPos: 30.5, XNeg: 18.2, YNeg: 29.1,
		Flux: 1200, FluxNeg: 900, SeparateNeg: true,
		PosGradient: &GradientParameters{X0: 20, Y0: 30, Coeffs: []float64{4, 0.1, -0.2}},
		NegGradient: &GradientParameters{X0: 20, Y0: 30, Coeffs: []float64{1, 0, 0.3}},
	}
	x := l.pack(p)
	assert.Equal(t, []float64{21.5, 30.5, 18.2, 29.1, 1200, 900, 4, 0.1, -0.2, 1, 0, 0.3}, x)

	got := l.unpack(x)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParamLayout_PackTiedNegative(t *testing.T) {
	t.Parallel()

	l := newParamLayout(false, 0, Point{X: 5, Y: 5})
	x := l.pack(FitParameters{Flux: 10, FluxNeg: 99, PosGradient: &GradientParameters{X0: 5, Y0: 5, Coeffs: []float64{2}}})
	assert.Equal(t, []float64{0, 0, 0, 0, 10, 2}, x)

	p := l.unpack(x)
	assert.Nil(t, p.NegGradient)
	assert.False(t, p.SeparateNeg)
	assert.Equal(t, 10.0, p.NegativeFlux())
}

func TestParamLayout_PackReoriginsGradient(t *testing.T) {
	t.Parallel()

	g := &GradientParameters{X0: 0, Y0: 0, Coeffs: []float64{1, 0.5, -0.25, 0.01, 0.02, -0.03}}
	l := newParamLayout(false, 2, Point{X: 12, Y: -7})
	p := l.unpack(l.pack(FitParameters{PosGradient: g}))

	for _, pt := range [][2]float64{{0, 0}, {12, -7}, {3.5, 9}, {-4, 2}} {
		assert.InDelta(t, g.Eval(pt[0], pt[1]), p.PosGradient.Eval(pt[0], pt[1]), 1e-9)
	}
	assert.Equal(t, 12.0, p.PosGradient.X0)
}

func TestParamLayout_Bounds(t *testing.T) {
	t.Parallel()

	l := newParamLayout(true, 0, Point{})
	lo, hi := l.bounds(50, 40, 10, 0.1)
	assert.Equal(t, 8, l.Len())
	assert.Equal(t, []float64{40, 30, 40, 30, 0.1, 0.1, math.Inf(-1), math.Inf(-1)}, lo)
	assert.Equal(t, []float64{60, 50, 60, 50, math.Inf(1), math.Inf(1), math.Inf(1), math.Inf(1)}, hi)
}
