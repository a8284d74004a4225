package rnncell

import (
	"fmt"
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dropout applies dropout to the inputs of a Cell.
type Dropout struct {
	Cell
	KeepProb float64

	dist distuv.Bernoulli
}

// NewDropout wraps a Cell with input dropout.
func NewDropout(cell Cell, keepProb float64, seed uint64) *Dropout {
	return &Dropout{
		Cell:     cell,
		KeepProb: keepProb,
		dist:     distuv.Bernoulli{P: keepProb, Src: rand.NewPCG(seed, 0)},
	}
}

// Apply drops inputs and scales the kept ones by
// 1/KeepProb before applying the wrapped Cell.
func (d *Dropout) Apply(state []anydiff.Res, in anydiff.Res, n int) ([]anydiff.Res,
	anydiff.Res) {
	if d.KeepProb >= 1 {
		return d.Cell.Apply(state, in, n)
	}
	c := in.Output().Creator()
	mask := make([]float64, in.Output().Len())
	for i := range mask {
		mask[i] = d.dist.Rand() / d.KeepProb
	}
	maskVec := c.MakeVectorData(c.MakeNumericList(mask))
	return d.Cell.Apply(state, anydiff.Mul(in, anydiff.NewConst(maskVec)), n)
}

// Residual adds a Cell's input to its output.
type Residual struct {
	Cell
}

// Apply applies the Cell and adds the shortcut.
func (r *Residual) Apply(state []anydiff.Res, in anydiff.Res, n int) ([]anydiff.Res,
	anydiff.Res) {
	newState, out := r.Cell.Apply(state, in, n)
	return newState, anydiff.Add(out, in)
}

// Device records the device a Cell is placed on.
//
// Placement is a hint for whichever engine evaluates the
// vectors; the Cell itself is unchanged.
type Device struct {
	Cell
	Name string
}

// DeviceString returns the device for the given device
// index, assigning devices round-robin across GPUs.
func DeviceString(deviceID, numGPUs int) string {
	if numGPUs == 0 {
		return "/cpu:0"
	}
	return fmt.Sprintf("/gpu:%d", deviceID%numGPUs)
}
