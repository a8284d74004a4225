package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const layerNormEpsilon = 1e-5

// LayerNormLSTM is an LSTM layer which layer-normalizes
// every gate pre-activation and the new cell vector.
type LayerNormLSTM struct {
	NumUnits   int
	ForgetBias float64

	InGates     [numGates]*Dense
	HiddenGates [numGates]*Dense
	GateNorms   [numGates]*LayerNorm
	CellNorm    *LayerNorm
}

// NewLayerNormLSTM creates a layer-normalized LSTM.
func NewLayerNormLSTM(c anyvec.Creator, inSize, numUnits int, forgetBias float64,
	init Initializer) *LayerNormLSTM {
	res := &LayerNormLSTM{
		NumUnits:   numUnits,
		ForgetBias: forgetBias,
		CellNorm:   NewLayerNorm(c, numUnits),
	}
	for i := range res.InGates {
		res.InGates[i] = NewDense(c, inSize, numUnits, false, init)
		res.HiddenGates[i] = NewDense(c, numUnits, numUnits, false, init)
		res.GateNorms[i] = NewLayerNorm(c, numUnits)
	}
	return res
}

// StateSizes returns the cell and hidden sizes.
func (l *LayerNormLSTM) StateSizes() []int {
	return []int{l.NumUnits, l.NumUnits}
}

// OutSize returns the number of units.
func (l *LayerNormLSTM) OutSize() int {
	return l.NumUnits
}

// Apply runs the LSTM for a timestep.
func (l *LayerNormLSTM) Apply(state []anydiff.Res, in anydiff.Res,
	n int) ([]anydiff.Res, anydiff.Res) {
	cell, hidden := state[0], state[1]
	gate := func(idx int) anydiff.Res {
		sum := anydiff.Add(l.InGates[idx].Apply(in, n), l.HiddenGates[idx].Apply(hidden, n))
		return l.GateNorms[idx].Apply(sum, n)
	}
	inGate := anydiff.Sigmoid(gate(gateIn))
	candidate := anydiff.Tanh(gate(gateCandidate))
	forget := anydiff.Sigmoid(anydiff.AddScalar(gate(gateForget),
		scalar(in, l.ForgetBias)))
	outGate := anydiff.Sigmoid(gate(gateOut))

	newCell := l.CellNorm.Apply(anydiff.Add(anydiff.Mul(cell, forget),
		anydiff.Mul(inGate, candidate)), n)
	newHidden := anydiff.Mul(anydiff.Tanh(newCell), outGate)
	return []anydiff.Res{newCell, newHidden}, newHidden
}

// Parameters returns the gate weights and the
// normalization gains and shifts.
func (l *LayerNormLSTM) Parameters() []*anydiff.Var {
	res := append(denseParams(l.InGates[:]...), denseParams(l.HiddenGates[:]...)...)
	for _, norm := range l.GateNorms {
		res = append(res, norm.Parameters()...)
	}
	return append(res, l.CellNorm.Parameters()...)
}

// LayerNorm normalizes each packed row to zero mean and
// unit variance, then applies a learned gain and shift.
type LayerNorm struct {
	Size  int
	Gain  *anydiff.Var
	Shift *anydiff.Var

	// mean maps a row to a row filled with its mean.
	mean *Dense
}

// NewLayerNorm creates a LayerNorm with unit gain and zero
// shift.
func NewLayerNorm(c anyvec.Creator, size int) *LayerNorm {
	gain := c.MakeVector(size)
	gain.AddScalar(c.MakeNumeric(1))
	mean := NewDense(c, size, size, false, func(v anyvec.Vector, fanIn, fanOut int) {
		v.Scale(c.MakeNumeric(0))
		v.AddScalar(c.MakeNumeric(1 / float64(size)))
	})
	return &LayerNorm{
		Size:  size,
		Gain:  anydiff.NewVar(gain),
		Shift: anydiff.NewVar(c.MakeVector(size)),
		mean:  mean,
	}
}

// Apply normalizes a batch of n rows.
func (l *LayerNorm) Apply(in anydiff.Res, n int) anydiff.Res {
	centered := anydiff.Sub(in, l.mean.Apply(in, n))
	variance := l.mean.Apply(anydiff.Mul(centered, centered), n)
	invStd := anydiff.Pow(anydiff.AddScalar(variance, scalar(in, layerNormEpsilon)),
		scalar(in, -0.5))
	normed := anydiff.Mul(centered, invStd)
	return anydiff.AddRepeated(anydiff.ScaleRepeated(normed, l.Gain), l.Shift)
}

// Parameters returns the gain and shift.
func (l *LayerNorm) Parameters() []*anydiff.Var {
	return []*anydiff.Var{l.Gain, l.Shift}
}
