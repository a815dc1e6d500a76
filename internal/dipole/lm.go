package dipole

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Damping limits for the Levenberg–Marquardt driver.
const (
	lmInitialLambda = 1e-3
	lmLambdaUp      = 10.0
	lmLambdaDown    = 10.0
	lmMaxLambda     = 1e16
	lmJacobianStep  = 1e-6
	lmDiagFloor     = 1e-6 // damping diagonal floor relative to the largest free diagonal
)

var errBudgetExhausted = errors.New("evaluation budget exhausted")

// lmProblem is a bounded nonlinear least-squares problem. residuals fills
// dst (length m) with weighted residuals at x.
type lmProblem struct {
	m            int
	nData        int // residuals carrying non-zero weight
	residuals    func(dst, x []float64) error
	lower, upper []float64
}

type lmSettings struct {
	ftol, xtol, gtol float64
	maxEval          int
}

type lmResult struct {
	x         []float64
	stderr    []float64
	pinned    []bool
	chi2      float64
	redChi2   float64
	dof       int
	nEval     int
	converged string
}

// levenbergMarquardt minimizes the sum of squared residuals from x0. Bounds
// are enforced by projection: parameters sitting on a bound whose gradient
// points outward are frozen for the step. Function evaluations made for the
// finite-difference Jacobian count against the budget.
func levenbergMarquardt(p lmProblem, x0 []float64, s lmSettings) (*lmResult, error) {
	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)
	clampTo(x, p.lower, p.upper)

	evals := 0
	r := make([]float64, p.m)
	if err := p.residuals(r, x); err != nil {
		return nil, err
	}
	evals++
	chi2 := floats.Dot(r, r)
	if math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return nil, fmt.Errorf("non-finite chi-square %g at starting point", chi2)
	}

	jac := mat.NewDense(p.m, n, nil)
	grad := mat.NewVecDense(n, nil)
	rTrial := make([]float64, p.m)
	xTrial := make([]float64, n)
	lambda := lmInitialLambda
	converged := ""

outer:
	for {
		if evals+2*n > s.maxEval {
			return nil, fmt.Errorf("%w after %d evaluations", errBudgetExhausted, evals)
		}
		if err := jacobianAt(jac, p, x); err != nil {
			return nil, err
		}
		evals += 2 * n

		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(p.m, r))

		free := freeIndices(x, grad.RawVector().Data, p.lower, p.upper)
		if len(free) == 0 {
			converged = "all parameters at bounds"
			break
		}
		if chi2 == 0 || gradientConverged(jac, grad, free, math.Sqrt(chi2), s.gtol) {
			converged = "gtol"
			break
		}

		for {
			if evals >= s.maxEval {
				return nil, fmt.Errorf("%w after %d evaluations", errBudgetExhausted, evals)
			}
			step, ok := dampedStep(&jtj, grad, free, lambda)
			if !ok {
				lambda *= lmLambdaUp
				if lambda > lmMaxLambda {
					converged = "damping limit"
					break outer
				}
				continue
			}
			for i := range x {
				xTrial[i] = x[i] + step[i]
			}
			clampTo(xTrial, p.lower, p.upper)

			dx := make([]float64, n)
			floats.SubTo(dx, xTrial, x)
			dxNorm := floats.Norm(dx, 2)
			xNorm := floats.Norm(x, 2)

			err := p.residuals(rTrial, xTrial)
			evals++
			trial := math.Inf(1)
			if err == nil {
				trial = floats.Dot(rTrial, rTrial)
			}
			if err == nil && trial < chi2 && !math.IsNaN(trial) {
				reduction := chi2 - trial
				copy(x, xTrial)
				copy(r, rTrial)
				prev := chi2
				chi2 = trial
				lambda = math.Max(lambda/lmLambdaDown, 1e-12)
				if reduction <= s.ftol*prev {
					converged = "ftol"
					break outer
				}
				if dxNorm <= s.xtol*(xNorm+s.xtol) {
					converged = "xtol"
					break outer
				}
				break
			}
			if dxNorm <= s.xtol*(xNorm+s.xtol) {
				converged = "xtol"
				break outer
			}
			lambda *= lmLambdaUp
			if lambda > lmMaxLambda {
				converged = "damping limit"
				break outer
			}
		}
	}

	// Final Jacobian for the covariance; not charged against the budget
	// so a fit that converged on its last evaluation still reports errors.
	if err := jacobianAt(jac, p, x); err != nil {
		return nil, err
	}
	evals += 2 * n

	res := &lmResult{
		x:         x,
		chi2:      chi2,
		nEval:     evals,
		converged: converged,
		dof:       p.nData - n,
	}
	res.redChi2 = chi2 / float64(max(res.dof, 1))
	res.pinned = pinnedAt(x, p.lower, p.upper)
	res.stderr = standardErrors(jac, res.pinned, res.redChi2)
	return res, nil
}

// jacobianAt fills jac with central-difference derivatives of the residuals.
func jacobianAt(jac *mat.Dense, p lmProblem, x []float64) error {
	var firstErr error
	f := func(y, xx []float64) {
		if err := p.residuals(y, xx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fd.Jacobian(jac, f, x, &fd.JacobianSettings{
		Formula: fd.Central,
		Step:    lmJacobianStep,
	})
	if firstErr != nil {
		return fmt.Errorf("jacobian: %w", firstErr)
	}
	return nil
}

// freeIndices drops parameters on a bound whose descent direction leaves the
// feasible box.
func freeIndices(x, grad, lower, upper []float64) []int {
	free := make([]int, 0, len(x))
	for i := range x {
		descent := -grad[i]
		if x[i] <= lower[i] && descent < 0 {
			continue
		}
		if x[i] >= upper[i] && descent > 0 {
			continue
		}
		free = append(free, i)
	}
	return free
}

// gradientConverged applies the MINPACK orthogonality test: every free
// Jacobian column is nearly orthogonal to the residual vector.
func gradientConverged(jac *mat.Dense, grad *mat.VecDense, free []int, rNorm, gtol float64) bool {
	worst := 0.0
	for _, i := range free {
		colNorm := mat.Norm(jac.ColView(i), 2)
		if colNorm == 0 {
			continue
		}
		worst = math.Max(worst, math.Abs(grad.AtVec(i))/(colNorm*rNorm))
	}
	return worst <= gtol
}

// dampedStep solves (A + λ·D) δ = −g over the free parameters, where D is
// diag(A) floored at lmDiagFloor times its largest free entry so parameters
// with a vanishing Jacobian column are still damped on the problem's scale.
func dampedStep(jtj *mat.SymDense, grad *mat.VecDense, free []int, lambda float64) ([]float64, bool) {
	k := len(free)
	a := mat.NewSymDense(k, nil)
	b := mat.NewVecDense(k, nil)
	var maxDiag float64
	for _, i := range free {
		maxDiag = math.Max(maxDiag, jtj.At(i, i))
	}
	floor := lmDiagFloor * maxDiag
	for ii, i := range free {
		for jj := ii; jj < k; jj++ {
			a.SetSym(ii, jj, jtj.At(i, free[jj]))
		}
		d := math.Max(jtj.At(i, i), floor)
		if d <= 0 {
			d = 1
		}
		a.SetSym(ii, ii, jtj.At(i, i)+lambda*d)
		b.SetVec(ii, -grad.AtVec(i))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, b); err != nil {
		return nil, false
	}
	step := make([]float64, jtj.SymmetricDim())
	for ii, i := range free {
		step[i] = sol.AtVec(ii)
	}
	return step, true
}

// standardErrors returns sqrt(diag(inv(JᵀJ))·redChi2) for parameters not
// pinned at a bound. Pinned parameters, and all parameters when JᵀJ is
// singular, get zero.
func standardErrors(jac *mat.Dense, pinned []bool, redChi2 float64) []float64 {
	_, n := jac.Dims()
	out := make([]float64, n)
	var free []int
	for i := 0; i < n; i++ {
		if !pinned[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return out
	}
	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())
	a := mat.NewSymDense(len(free), nil)
	for ii, i := range free {
		for jj := ii; jj < len(free); jj++ {
			a.SetSym(ii, jj, jtj.At(i, free[jj]))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return out
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return out
	}
	for ii, i := range free {
		v := cov.At(ii, ii) * redChi2
		if v > 0 && !math.IsInf(v, 0) {
			out[i] = math.Sqrt(v)
		}
	}
	return out
}

func pinnedAt(x, lower, upper []float64) []bool {
	out := make([]bool, len(x))
	for i := range x {
		out[i] = x[i] <= lower[i] || x[i] >= upper[i]
	}
	return out
}

func clampTo(x, lower, upper []float64) {
	for i := range x {
		if x[i] < lower[i] {
			x[i] = lower[i]
		}
		if x[i] > upper[i] {
			x[i] = upper[i]
		}
	}
}
