package training

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// biasPenalty keeps the Newton system positive definite when the
// intercept is otherwise unregularized.
const biasPenalty = 1e-8

// LogisticParams are the fitted coefficients of a logistic regression on
// standardized features.
type LogisticParams struct {
	Intercept    float64    `json:"intercept"`
	Coefficients []float64  `json:"coefficients"`
	Iterations   int        `json:"iterations"`
	ClassWeights [2]float64 `json:"class_weights"`
	FinalLoss    float64    `json:"final_loss"`
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Score returns P(malicious) for a standardized row.
func (p *LogisticParams) Score(x []float64) float64 {
	return sigmoid(p.Intercept + floats.Dot(p.Coefficients, x))
}

type logisticFit struct {
	l2        float64
	maxIter   int
	tolerance float64
	weights   [2]float64
}

var (
	errNotConverged = errors.New("did not converge")
	errNaNLoss      = errors.New("loss is not finite")
	errSingular     = errors.New("hessian is not positive definite")
)

// fit runs Newton-Raphson (IRLS) on the L2-penalized weighted log-loss.
// x holds standardized rows, y the 0/1 labels.
func (f logisticFit) fit(ctx context.Context, x [][]float64, y []int) (*LogisticParams, error) {
	n := len(x)
	d := len(x[0])
	k := d + 1
	beta := make([]float64, k)
	p := &LogisticParams{Coefficients: make([]float64, d), ClassWeights: f.weights}

	row := make([]float64, k)
	grad := make([]float64, k)
	hess := make([]float64, k*k)
	for iter := 1; iter <= f.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clear(grad)
		clear(hess)
		loss := 0.0
		for i := 0; i < n; i++ {
			row[0] = 1
			copy(row[1:], x[i])
			mu := sigmoid(floats.Dot(beta, row))
			w := f.weights[y[i]]
			yi := float64(y[i])
			loss -= w * (yi*math.Log(math.Max(mu, 1e-300)) + (1-yi)*math.Log(math.Max(1-mu, 1e-300)))
			r := w * (yi - mu)
			s := w * mu * (1 - mu)
			for a := 0; a < k; a++ {
				grad[a] += r * row[a]
				sa := s * row[a]
				for b := a; b < k; b++ {
					hess[a*k+b] += sa * row[b]
				}
			}
		}
		for a := 0; a < k; a++ {
			pen := f.l2
			if a == 0 {
				pen = biasPenalty
			}
			loss += 0.5 * pen * beta[a] * beta[a]
			grad[a] -= pen * beta[a]
			hess[a*k+a] += pen
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, fmt.Errorf("iteration %d: %w", iter, errNaNLoss)
		}
		p.FinalLoss = loss

		var chol mat.Cholesky
		if ok := chol.Factorize(mat.NewSymDense(k, hess)); !ok {
			return nil, fmt.Errorf("iteration %d: %w", iter, errSingular)
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, mat.NewVecDense(k, grad)); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}
		maxStep := 0.0
		for a := 0; a < k; a++ {
			beta[a] += step.AtVec(a)
			maxStep = math.Max(maxStep, math.Abs(step.AtVec(a)))
		}
		if maxStep < f.tolerance {
			p.Iterations = iter
			p.Intercept = beta[0]
			copy(p.Coefficients, beta[1:])
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w after %d iterations", errNotConverged, f.maxIter)
}

// constantLogistic is the model of a single-class training set: no
// coefficients and an intercept at the smoothed class prior.
func constantLogistic(d, positives, n int) *LogisticParams {
	prior := (float64(positives) + 0.5) / (float64(n) + 1)
	return &LogisticParams{
		Intercept:    math.Log(prior / (1 - prior)),
		Coefficients: make([]float64, d),
		ClassWeights: [2]float64{1, 1},
	}
}
