package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// GRU is a gated recurrent unit layer.
type GRU struct {
	NumUnits int

	InReset, HiddenReset         *Dense
	InUpdate, HiddenUpdate       *Dense
	InCandidate, HiddenCandidate *Dense
}

// NewGRU creates a GRU layer.
func NewGRU(c anyvec.Creator, inSize, numUnits int, init Initializer) *GRU {
	return &GRU{
		NumUnits:        numUnits,
		InReset:         NewDense(c, inSize, numUnits, true, init),
		HiddenReset:     NewDense(c, numUnits, numUnits, false, init),
		InUpdate:        NewDense(c, inSize, numUnits, true, init),
		HiddenUpdate:    NewDense(c, numUnits, numUnits, false, init),
		InCandidate:     NewDense(c, inSize, numUnits, true, init),
		HiddenCandidate: NewDense(c, numUnits, numUnits, false, init),
	}
}

// StateSizes returns the hidden size.
func (g *GRU) StateSizes() []int {
	return []int{g.NumUnits}
}

// OutSize returns the number of units.
func (g *GRU) OutSize() int {
	return g.NumUnits
}

// Apply runs the GRU for a timestep.
func (g *GRU) Apply(state []anydiff.Res, in anydiff.Res, n int) ([]anydiff.Res,
	anydiff.Res) {
	hidden := state[0]
	reset := anydiff.Sigmoid(anydiff.Add(g.InReset.Apply(in, n),
		g.HiddenReset.Apply(hidden, n)))
	update := anydiff.Sigmoid(anydiff.Add(g.InUpdate.Apply(in, n),
		g.HiddenUpdate.Apply(hidden, n)))
	candidate := anydiff.Tanh(anydiff.Add(g.InCandidate.Apply(in, n),
		g.HiddenCandidate.Apply(anydiff.Mul(reset, hidden), n)))
	newHidden := anydiff.Add(anydiff.Mul(update, hidden),
		anydiff.Mul(complement(update), candidate))
	return []anydiff.Res{newHidden}, newHidden
}

// Parameters returns the gate weights and biases.
func (g *GRU) Parameters() []*anydiff.Var {
	return denseParams(g.InReset, g.HiddenReset, g.InUpdate, g.HiddenUpdate,
		g.InCandidate, g.HiddenCandidate)
}
