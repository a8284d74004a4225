package nmt

import (
	"testing"

	"github.com/unixpickle/anydiff"
)

func TestClipGlobalNorm(t *testing.T) {
	m := testModel(t, testHParams(), Eval)
	params := m.Parameters()[:2]
	gr := anydiff.NewGrad(params...)
	for _, p := range params {
		gr[p].AddScalar(gr[p].Creator().MakeNumeric(3))
	}
	norm := clipGlobalNorm(params, gr, 1)
	var expected float64
	for _, p := range params {
		expected += 9 * float64(p.Vector.Len())
	}
	if diff := norm*norm - expected; diff > 1e-8 || diff < -1e-8 {
		t.Errorf("expected squared norm %f but got %f", expected, norm*norm)
	}
	var sq float64
	for _, p := range params {
		for _, x := range floatsOf(gr[p]) {
			sq += x * x
		}
	}
	if sq > 1+1e-8 || sq < 1-1e-8 {
		t.Errorf("clipped norm should be 1 but squared norm is %f", sq)
	}
}

func TestAdamStep(t *testing.T) {
	m := testModel(t, testHParams(), Eval)
	params := m.Parameters()[:1]
	before := append([]float64{}, floatsOf(params[0].Vector)...)
	grad := anydiff.NewGrad(params...)
	grad[params[0]].AddScalar(grad[params[0]].Creator().MakeNumeric(2))

	// The first bias-corrected step moves every entry by
	// almost exactly the learning rate.
	h := testHParams()
	h.Optimizer = "adam"
	opt, err := NewOptimizer(h)
	if err != nil {
		t.Fatal(err)
	}
	opt.Step(params, grad, 0.01)
	for i, x := range floatsOf(params[0].Vector) {
		if diff := before[i] - x; diff < 0.01-1e-6 || diff > 0.01+1e-6 {
			t.Fatalf("entry %d moved by %f", i, diff)
		}
	}
}

func TestSGDStep(t *testing.T) {
	m := testModel(t, testHParams(), Eval)
	params := m.Parameters()[:2]
	before := append([]float64{}, floatsOf(params[0].Vector)...)
	untouched := append([]float64{}, floatsOf(params[1].Vector)...)
	grad := anydiff.NewGrad(params[0])
	grad[params[0]].AddScalar(grad[params[0]].Creator().MakeNumeric(2))

	SGD{}.Step(params, grad, 0.5)
	for i, x := range floatsOf(params[0].Vector) {
		if diff := before[i] - x; diff < 1-1e-8 || diff > 1+1e-8 {
			t.Fatalf("entry %d moved by %f", i, diff)
		}
	}
	for i, x := range floatsOf(params[1].Vector) {
		if x != untouched[i] {
			t.Fatalf("parameter without gradient changed at %d", i)
		}
	}
}
