package nmt

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
)

// An Optimizer applies gradients to parameters.
type Optimizer interface {
	Step(params []*anydiff.Var, grad anydiff.Grad, learningRate float64)
}

// NewOptimizer creates the optimizer named by h.Optimizer.
func NewOptimizer(h *HParams) (Optimizer, error) {
	switch h.Optimizer {
	case "sgd":
		return SGD{}, nil
	case "adam":
		return &Adam{Transformer: &anysgd.Adam{
			DecayRate1: 0.9,
			DecayRate2: 0.999,
			Damping:    1e-8,
		}}, nil
	default:
		return nil, configErr("optimizer", h.Optimizer, "unknown optimizer")
	}
}

// SGD is plain gradient descent.
type SGD struct{}

// Step subtracts the scaled gradient.
func (SGD) Step(params []*anydiff.Var, grad anydiff.Grad, learningRate float64) {
	applyStep(paramGrad(params, grad), learningRate)
}

// Adam scales the gradient with an anysgd.Adam before
// taking a descent step.
type Adam struct {
	Transformer *anysgd.Adam
}

// Step applies one bias-corrected Adam update.
func (a *Adam) Step(params []*anydiff.Var, grad anydiff.Grad, learningRate float64) {
	applyStep(a.Transformer.Transform(paramGrad(params, grad)), learningRate)
}

// paramGrad restricts grad to the parameters.
func paramGrad(params []*anydiff.Var, grad anydiff.Grad) anydiff.Grad {
	res := anydiff.Grad{}
	for _, p := range params {
		if g, ok := grad[p]; ok {
			res[p] = g
		}
	}
	return res
}

func applyStep(grad anydiff.Grad, learningRate float64) {
	grad.ScaleFloat64(-learningRate)
	grad.AddToVars()
}

// clipGlobalNorm scales the gradient so that its global
// norm is at most maxNorm.
// It returns the norm before clipping.
func clipGlobalNorm(params []*anydiff.Var, grad anydiff.Grad, maxNorm float64) float64 {
	g := paramGrad(params, grad)
	var sqSum float64
	for _, vec := range g {
		norm := numericFloat(anyvec.Norm(vec))
		sqSum += norm * norm
	}
	norm := math.Sqrt(sqSum)
	if maxNorm > 0 && norm > maxNorm {
		g.ScaleFloat64(maxNorm / norm)
	}
	return norm
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		panic("unsupported numeric type")
	}
}
