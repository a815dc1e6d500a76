package dipole

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// expDecay returns residuals of y = a·exp(-b·t) against noiseless samples.
func expDecay(a, b float64) (lmProblem, []float64) {
	ts := make([]float64, 40)
	ys := make([]float64, len(ts))
	for i := range ts {
		ts[i] = float64(i) * 0.25
		ys[i] = a * math.Exp(-b*ts[i])
	}
	p := lmProblem{
		m:     len(ts),
		nData: len(ts),
		lower: []float64{math.Inf(-1), math.Inf(-1)},
		upper: []float64{math.Inf(1), math.Inf(1)},
		residuals: func(dst, x []float64) error {
			for i, t := range ts {
				dst[i] = ys[i] - x[0]*math.Exp(-x[1]*t)
			}
			return nil
		},
	}
	return p, ys
}

func TestLevenbergMarquardt_ConvergesOnExponential(t *testing.T) {
	t.Parallel()

	p, _ := expDecay(3.5, 0.7)
	res, err := levenbergMarquardt(p, []float64{1, 0.1}, lmSettings{ftol: 1e-10, xtol: 1e-10, gtol: 1e-10, maxEval: 5000})
	require.NoError(t, err)
	assert.InDelta(t, 3.5, res.x[0], 1e-6)
	assert.InDelta(t, 0.7, res.x[1], 1e-6)
	assert.Less(t, res.chi2, 1e-12)
	assert.Equal(t, 38, res.dof)
	assert.NotEmpty(t, res.converged)
	assert.Greater(t, res.nEval, 0)
}

func TestLevenbergMarquardt_BoundPinsParameter(t *testing.T) {
	t.Parallel()

	p, _ := expDecay(3.5, 0.7)
	p.lower = []float64{math.Inf(-1), 1.0}
	res, err := levenbergMarquardt(p, []float64{2, 1.5}, lmSettings{ftol: 1e-10, xtol: 1e-10, gtol: 1e-10, maxEval: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.x[1])
	assert.True(t, res.pinned[1])
	assert.False(t, res.pinned[0])
	assert.Equal(t, 0.0, res.stderr[1])
	assert.Greater(t, res.stderr[0], 0.0)
}

func TestLevenbergMarquardt_BudgetExhausted(t *testing.T) {
	t.Parallel()

	p, _ := expDecay(3.5, 0.7)
	_, err := levenbergMarquardt(p, []float64{1, 0.1}, lmSettings{ftol: 1e-15, xtol: 1e-15, gtol: 1e-15, maxEval: 6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBudgetExhausted))
}

func TestLevenbergMarquardt_StartingPointError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := lmProblem{
		m: 3, nData: 3,
		lower:     []float64{math.Inf(-1)},
		upper:     []float64{math.Inf(1)},
		residuals: func(dst, x []float64) error { return boom },
	}
	_, err := levenbergMarquardt(p, []float64{0}, lmSettings{ftol: 1e-8, xtol: 1e-8, gtol: 1e-8, maxEval: 100})
	assert.ErrorIs(t, err, boom)
}

func TestStandardErrors(t *testing.T) {
	t.Parallel()

	// Straight line y = a + b·x: inv(JᵀJ) is known in closed form.
	j := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
	})
	se := standardErrors(j, []bool{false, false}, 1)
	// JᵀJ = [[4 6] [6 14]], det 20, inverse diag = 14/20, 4/20.
	assert.InDelta(t, math.Sqrt(0.7), se[0], 1e-12)
	assert.InDelta(t, math.Sqrt(0.2), se[1], 1e-12)

	se = standardErrors(j, []bool{false, true}, 4)
	assert.InDelta(t, math.Sqrt(4.0/4), se[0], 1e-12)
	assert.Equal(t, 0.0, se[1])

	singular := mat.NewDense(3, 2, []float64{1, 2, 1, 2, 1, 2})
	assert.Equal(t, []float64{0, 0}, standardErrors(singular, []bool{false, false}, 1))
}

func TestFreeIndices(t *testing.T) {
	t.Parallel()

	lower := []float64{0, 0, 0}
	upper := []float64{1, 1, 1}
	x := []float64{0, 1, 0.5}
	// Objective gradient +1 pushes x[0] down (out), -1 pushes x[1] up (out).
	assert.Equal(t, []int{2}, freeIndices(x, []float64{1, -1, 1}, lower, upper))
	assert.Equal(t, []int{0, 1, 2}, freeIndices(x, []float64{-1, 1, 1}, lower, upper))
}

func TestDampedStep_FloorsWeakDiagonal(t *testing.T) {
	t.Parallel()

	// The second parameter's column is roundoff: its diagonal is far below
	// the coupling term, so only a scale-aware floor keeps the damped system
	// positive definite at ordinary λ.
	jtj := mat.NewSymDense(2, []float64{
		1e16, 1e3,
		1e3, 1e-30,
	})
	grad := mat.NewVecDense(2, []float64{1e8, 1e-10})
	step, ok := dampedStep(jtj, grad, []int{0, 1}, lmInitialLambda)
	require.True(t, ok)
	assert.InDelta(t, -1e8/(1e16*(1+lmInitialLambda)), step[0], 1e-12)
	assert.InDelta(t, 0, step[1], 1e-9)

	// A column that is exactly zero takes no step.
	jtj = mat.NewSymDense(2, []float64{
		4, 0,
		0, 0,
	})
	step, ok = dampedStep(jtj, mat.NewVecDense(2, []float64{-2, 0}), []int{0, 1}, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.25, step[0], 1e-12)
	assert.Equal(t, 0.0, step[1])
}

func TestLevenbergMarquardt_InertParameter(t *testing.T) {
	t.Parallel()

	p, _ := expDecay(3.5, 0.7)
	inner := p.residuals
	p.lower = append(p.lower, math.Inf(-1))
	p.upper = append(p.upper, math.Inf(1))
	p.residuals = func(dst, x []float64) error { return inner(dst, x[:2]) }

	res, err := levenbergMarquardt(p, []float64{1, 0.1, 42}, lmSettings{ftol: 1e-10, xtol: 1e-10, gtol: 1e-10, maxEval: 5000})
	require.NoError(t, err)
	assert.NotEqual(t, "damping limit", res.converged)
	assert.InDelta(t, 3.5, res.x[0], 1e-6)
	assert.InDelta(t, 0.7, res.x[1], 1e-6)
	assert.Equal(t, 42.0, res.x[2])
	// JᵀJ is singular, so no parameter gets an error estimate.
	assert.Equal(t, []float64{0, 0, 0}, res.stderr)
}
