package ensemble

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type logisticConfig struct {
	maxIter int
	tol     float64 // stop once the largest Newton step component is below tol
	c       float64 // inverse L2 strength, as in the usual C parameter
}

func defaultLogisticConfig() logisticConfig {
	return logisticConfig{maxIter: 100, tol: 1e-10, c: 1.0}
}

// fitLogistic minimises the L2-regularised mean log loss by Newton's method
// with step halving, and returns the feature coefficients (the intercept is
// fitted but neither penalised nor returned). The system is (m+1)x(m+1), m
// being the number of detectors, so each step is a direct solve. Both
// classes must be present.
func fitLogistic(X [][]float64, y []bool, cfg logisticConfig) ([]float64, error) {
	n := len(X)
	if n == 0 {
		return nil, fmt.Errorf("%w: no calibration rows", domain.ErrInvalidInput)
	}
	var positives int
	for _, label := range y {
		if label {
			positives++
		}
	}
	if positives == 0 || positives == n {
		return nil, fmt.Errorf("%w: calibration labels need both classes", domain.ErrInvalidInput)
	}

	m := len(X[0])
	for i, row := range X {
		if len(row) != m {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", domain.ErrDimensionMismatch, i, len(row), m)
		}
	}
	p := &logisticProblem{X: X, y: y, m: m, lambda: 1 / (cfg.c * float64(n))}
	theta, err := p.newton(cfg)
	if err != nil {
		return nil, err
	}
	return theta[:m], nil
}

type logisticProblem struct {
	X      [][]float64
	y      []bool
	m      int
	lambda float64
}

// newton returns the minimiser as the m coefficients followed by the
// intercept.
func (p *logisticProblem) newton(cfg logisticConfig) ([]float64, error) {
	theta := make([]float64, p.m+1)
	loss := p.loss(theta)
	for it := 0; it < cfg.maxIter; it++ {
		grad, hess := p.derivatives(theta)
		step, err := solve(hess, grad)
		if err != nil {
			return nil, fmt.Errorf("logistic fit: %w", err)
		}

		t := 1.0
		next := make([]float64, len(theta))
		for {
			for j := range theta {
				next[j] = theta[j] - t*step[j]
			}
			nextLoss := p.loss(next)
			if nextLoss <= loss || t < 1e-10 {
				loss = nextLoss
				break
			}
			t /= 2
		}
		theta = next

		var largest float64
		for _, s := range step {
			largest = math.Max(largest, math.Abs(t*s))
		}
		if largest < cfg.tol {
			break
		}
	}
	for _, v := range theta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: logistic fit diverged", domain.ErrInvalidInput)
		}
	}
	return theta, nil
}

func (p *logisticProblem) z(theta []float64, row []float64) float64 {
	z := theta[p.m]
	for j, v := range row {
		z += theta[j] * v
	}
	return z
}

// loss is mean(log(1+e^z) - t*z) + lambda/2 * |w|^2.
func (p *logisticProblem) loss(theta []float64) float64 {
	var sum float64
	for i, row := range p.X {
		z := p.z(theta, row)
		sum += math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
		if p.y[i] {
			sum -= z
		}
	}
	var reg float64
	for _, w := range theta[:p.m] {
		reg += w * w
	}
	return sum/float64(len(p.X)) + p.lambda/2*reg
}

func (p *logisticProblem) derivatives(theta []float64) ([]float64, [][]float64) {
	d := p.m + 1
	grad := make([]float64, d)
	hess := make([][]float64, d)
	for j := range hess {
		hess[j] = make([]float64, d)
	}

	x := make([]float64, d)
	x[p.m] = 1
	for i, row := range p.X {
		copy(x, row)
		prob := sigmoid(p.z(theta, row))
		target := 0.0
		if p.y[i] {
			target = 1
		}
		diff := prob - target
		curv := prob * (1 - prob)
		for j := 0; j < d; j++ {
			grad[j] += diff * x[j]
			for k := 0; k <= j; k++ {
				hess[j][k] += curv * x[j] * x[k]
			}
		}
	}

	n := float64(len(p.X))
	for j := 0; j < d; j++ {
		grad[j] /= n
		for k := 0; k <= j; k++ {
			hess[j][k] /= n
			hess[k][j] = hess[j][k]
		}
	}
	for j := 0; j < p.m; j++ {
		grad[j] += p.lambda * theta[j]
		hess[j][j] += p.lambda
	}
	return grad, hess
}

// solve returns x with A x = b by Gaussian elimination with partial
// pivoting. A and b are left untouched.
func solve(A [][]float64, b []float64) ([]float64, error) {
	d := len(b)
	a := make([][]float64, d)
	for i := range A {
		a[i] = make([]float64, d+1)
		copy(a[i], A[i])
		a[i][d] = b[i]
	}

	for col := 0; col < d; col++ {
		pivot := col
		for r := col + 1; r < d; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-300 {
			return nil, fmt.Errorf("singular hessian at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := col + 1; r < d; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c <= d; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	x := make([]float64, d)
	for r := d - 1; r >= 0; r-- {
		sum := a[r][d]
		for c := r + 1; c < d; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
