package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
)

// A Stack is a Layered made of Cells, each of which feeds
// its output into the next.
type Stack []Cell

// LayerSizes returns the state sizes of every layer.
func (s Stack) LayerSizes() [][]int {
	res := make([][]int, len(s))
	for i, cell := range s {
		res[i] = cell.StateSizes()
	}
	return res
}

// OutSize returns the output size of the top layer.
func (s Stack) OutSize() int {
	return s[len(s)-1].OutSize()
}

// Apply runs the layers bottom to top.
func (s Stack) Apply(state [][]anydiff.Res, in anydiff.Res,
	present anyrnn.PresentMap) ([][]anydiff.Res, anydiff.Res) {
	n := present.NumPresent()
	newState := make([][]anydiff.Res, len(s))
	out := in
	for i, cell := range s {
		newState[i], out = cell.Apply(state[i], out, n)
	}
	return newState, out
}

// Parameters returns the parameters of every layer.
func (s Stack) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, cell := range s {
		res = append(res, cell.Parameters()...)
	}
	return res
}

// Devices returns the device of every layer, or "" for
// layers without a Device wrapper.
func (s Stack) Devices() []string {
	res := make([]string, len(s))
	for i, cell := range s {
		if d, ok := cell.(*Device); ok {
			res[i] = d.Name
		}
	}
	return res
}
