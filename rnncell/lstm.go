package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Gate indices, in the usual LSTM order:
// input, candidate, forget, output.
const (
	gateIn = iota
	gateCandidate
	gateForget
	gateOut
	numGates
)

// LSTM is a basic LSTM layer with a constant forget bias.
//
// The state has two parts: the cell vector and the
// hidden (output) vector.
type LSTM struct {
	NumUnits   int
	ForgetBias float64

	InGates     [numGates]*Dense
	HiddenGates [numGates]*Dense
}

// NewLSTM creates an LSTM layer.
func NewLSTM(c anyvec.Creator, inSize, numUnits int, forgetBias float64,
	init Initializer) *LSTM {
	res := &LSTM{NumUnits: numUnits, ForgetBias: forgetBias}
	for i := range res.InGates {
		res.InGates[i] = NewDense(c, inSize, numUnits, true, init)
		res.HiddenGates[i] = NewDense(c, numUnits, numUnits, false, init)
	}
	return res
}

// StateSizes returns the cell and hidden sizes.
func (l *LSTM) StateSizes() []int {
	return []int{l.NumUnits, l.NumUnits}
}

// OutSize returns the number of units.
func (l *LSTM) OutSize() int {
	return l.NumUnits
}

// Apply runs the LSTM for a timestep.
func (l *LSTM) Apply(state []anydiff.Res, in anydiff.Res, n int) ([]anydiff.Res,
	anydiff.Res) {
	cell, hidden := state[0], state[1]
	gate := func(idx int) anydiff.Res {
		return anydiff.Add(l.InGates[idx].Apply(in, n), l.HiddenGates[idx].Apply(hidden, n))
	}
	inGate := anydiff.Sigmoid(gate(gateIn))
	candidate := anydiff.Tanh(gate(gateCandidate))
	forget := anydiff.Sigmoid(anydiff.AddScalar(gate(gateForget),
		scalar(in, l.ForgetBias)))
	outGate := anydiff.Sigmoid(gate(gateOut))

	newCell := anydiff.Add(anydiff.Mul(cell, forget), anydiff.Mul(inGate, candidate))
	newHidden := anydiff.Mul(anydiff.Tanh(newCell), outGate)
	return []anydiff.Res{newCell, newHidden}, newHidden
}

// Parameters returns the gate weights and biases.
func (l *LSTM) Parameters() []*anydiff.Var {
	return append(denseParams(l.InGates[:]...), denseParams(l.HiddenGates[:]...)...)
}
