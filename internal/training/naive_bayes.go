package training

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// NaiveBayesParams are the per-class Gaussian parameters of a naive Bayes
// model on standardized features. Index 0 is benign, 1 malicious.
type NaiveBayesParams struct {
	LogPrior [2]float64   `json:"log_prior"`
	Mean     [2][]float64 `json:"mean"`
	Var      [2][]float64 `json:"var"`
	// Present marks classes seen during training.
	Present [2]bool `json:"present"`
}

// fitNaiveBayes estimates class priors, means and variances. Every
// variance gets smoothing × the largest feature variance added.
func fitNaiveBayes(x [][]float64, y []int, smoothing float64) *NaiveBayesParams {
	d := len(x[0])
	p := &NaiveBayesParams{}

	var counts [2]int
	for _, label := range y {
		counts[label]++
	}

	maxVar := 0.0
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		if v := stat.PopVariance(col, nil); v > maxVar {
			maxVar = v
		}
	}
	eps := smoothing * maxVar
	if eps == 0 {
		eps = smoothing
	}

	for c := 0; c < 2; c++ {
		p.Mean[c] = make([]float64, d)
		p.Var[c] = make([]float64, d)
		if counts[c] == 0 {
			continue
		}
		p.Present[c] = true
		p.LogPrior[c] = math.Log(float64(counts[c]) / float64(len(y)))
		vals := make([]float64, 0, counts[c])
		for j := 0; j < d; j++ {
			vals = vals[:0]
			for i := range x {
				if y[i] == c {
					vals = append(vals, x[i][j])
				}
			}
			mean, variance := stat.PopMeanVariance(vals, nil)
			p.Mean[c][j] = mean
			p.Var[c][j] = variance + eps
		}
	}
	return p
}

// Score returns P(malicious) for a standardized row.
func (p *NaiveBayesParams) Score(x []float64) float64 {
	switch {
	case !p.Present[1]:
		return 0
	case !p.Present[0]:
		return 1
	}
	var ll [2]float64
	for c := 0; c < 2; c++ {
		ll[c] = p.LogPrior[c]
		for j, v := range x {
			diff := v - p.Mean[c][j]
			ll[c] -= 0.5*math.Log(2*math.Pi*p.Var[c][j]) + diff*diff/(2*p.Var[c][j])
		}
	}
	return math.Exp(ll[1] - floats.LogSumExp(ll[:]))
}
