package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const nasBranches = 8

// NAS is the recurrent cell found by neural architecture
// search (https://arxiv.org/abs/1611.01578), without a
// projection layer.
type NAS struct {
	NumUnits int

	InBranches     [nasBranches]*Dense
	HiddenBranches [nasBranches]*Dense
}

// NewNAS creates a NAS layer.
func NewNAS(c anyvec.Creator, inSize, numUnits int, init Initializer) *NAS {
	res := &NAS{NumUnits: numUnits}
	for i := range res.InBranches {
		res.InBranches[i] = NewDense(c, inSize, numUnits, false, init)
		res.HiddenBranches[i] = NewDense(c, numUnits, numUnits, false, init)
	}
	return res
}

// StateSizes returns the cell and hidden sizes.
func (s *NAS) StateSizes() []int {
	return []int{s.NumUnits, s.NumUnits}
}

// OutSize returns the number of units.
func (s *NAS) OutSize() int {
	return s.NumUnits
}

// Apply runs the cell for a timestep.
func (s *NAS) Apply(state []anydiff.Res, in anydiff.Res, n int) ([]anydiff.Res,
	anydiff.Res) {
	cell, hidden := state[0], state[1]
	var x, m [nasBranches]anydiff.Res
	for i := range x {
		x[i] = s.InBranches[i].Apply(in, n)
		m[i] = s.HiddenBranches[i].Apply(hidden, n)
	}

	l10 := anydiff.Sigmoid(anydiff.Add(x[0], m[0]))
	l11 := relu(anydiff.Add(x[1], m[1]))
	l12 := anydiff.Sigmoid(anydiff.Add(x[2], m[2]))
	l13 := relu(anydiff.Mul(x[3], m[3]))
	l14 := anydiff.Tanh(anydiff.Add(x[4], m[4]))
	l15 := anydiff.Sigmoid(anydiff.Add(x[5], m[5]))
	l16 := anydiff.Tanh(anydiff.Add(x[6], m[6]))
	l17 := anydiff.Sigmoid(anydiff.Add(x[7], m[7]))

	l20 := anydiff.Tanh(anydiff.Mul(l10, l11))
	l21 := anydiff.Tanh(anydiff.Add(l12, l13))
	l22 := anydiff.Tanh(anydiff.Mul(l14, l15))
	l23 := anydiff.Sigmoid(anydiff.Add(l16, l17))

	l20 = anydiff.Tanh(anydiff.Add(l20, cell))
	newCell := anydiff.Mul(l20, l21)
	l31 := anydiff.Tanh(anydiff.Add(l22, l23))
	newHidden := anydiff.Tanh(anydiff.Mul(newCell, l31))
	return []anydiff.Res{newCell, newHidden}, newHidden
}

// Parameters returns the branch weights.
func (s *NAS) Parameters() []*anydiff.Var {
	return append(denseParams(s.InBranches[:]...), denseParams(s.HiddenBranches[:]...)...)
}

// relu multiplies by a constant mask of the positive
// components, which has the gradient of a ReLU.
func relu(x anydiff.Res) anydiff.Res {
	c := x.Output().Creator()
	data := vecData(x.Output())
	mask := make([]float64, len(data))
	for i, v := range data {
		if v > 0 {
			mask[i] = 1
		}
	}
	return anydiff.Mul(x, anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(mask))))
}

// vecData converts a vector's data to float64s.
func vecData(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic("unsupported numeric list")
	}
}
