// Package rnncell builds the recurrent cells used by
// sequence-to-sequence encoders and decoders.
//
// Cells expose their state as plain packed vectors (see
// State), which makes it possible to hand the final state
// of one RNN to another, to tile it for beam search, and
// to reorder it between decoding steps.
// Every cell can be turned into an anyrnn.Block with
// Block, so the usual anyrnn tooling applies.
package rnncell

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// A Cell is a single recurrent layer.
type Cell interface {
	anynet.Parameterizer

	// StateSizes returns the size of each part of the
	// state (e.g. the cell and hidden vectors of an LSTM).
	StateSizes() []int

	// OutSize returns the size of each output vector.
	OutSize() int

	// Apply runs the cell for one timestep on a batch of
	// n packed inputs and states.
	Apply(state []anydiff.Res, in anydiff.Res, n int) (newState []anydiff.Res,
		out anydiff.Res)
}

// A Layered is a multi-layer recurrent network with one
// state entry per layer.
type Layered interface {
	anynet.Parameterizer

	LayerSizes() [][]int
	OutSize() int

	// Apply runs every layer for one timestep.
	// The present map indicates which sequences the
	// packed rows correspond to.
	Apply(state [][]anydiff.Res, in anydiff.Res,
		present anyrnn.PresentMap) (newState [][]anydiff.Res, out anydiff.Res)
}

// An Initializer fills a freshly created weight vector.
type Initializer func(v anyvec.Vector, fanIn, fanOut int)

// ConfigError is returned when a cell cannot be created
// from its configuration.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("rnncell: %s=%q: %s", c.Field, c.Value, c.Reason)
}

// Dense is a linear map implemented by an anynet.FC.
//
// Without a bias, the FC's biases are held at zero and
// are not reported by Parameters.
type Dense struct {
	FC   *anynet.FC
	Bias bool
}

// NewDense creates a Dense layer.
// If init is nil, anynet's default initialization is
// kept.
func NewDense(c anyvec.Creator, inSize, outSize int, bias bool, init Initializer) *Dense {
	fc := anynet.NewFC(c, inSize, outSize)
	fc.Biases.Vector.Scale(c.MakeNumeric(0))
	if init != nil {
		init(fc.Weights.Vector, inSize, outSize)
		if bias {
			init(fc.Biases.Vector, inSize, outSize)
		}
	}
	return &Dense{FC: fc, Bias: bias}
}

// Apply applies the layer to a batch of n inputs.
func (d *Dense) Apply(in anydiff.Res, n int) anydiff.Res {
	return d.FC.Apply(in, n)
}

// Parameters returns the trainable variables.
func (d *Dense) Parameters() []*anydiff.Var {
	if d.Bias {
		return []*anydiff.Var{d.FC.Weights, d.FC.Biases}
	}
	return []*anydiff.Var{d.FC.Weights}
}

func denseParams(ds ...*Dense) []*anydiff.Var {
	var res []*anydiff.Var
	for _, d := range ds {
		res = append(res, d.Parameters()...)
	}
	return res
}

func scalar(r anydiff.Res, x float64) anyvec.Numeric {
	return r.Output().Creator().MakeNumeric(x)
}

// complement computes 1-x.
func complement(x anydiff.Res) anydiff.Res {
	return anydiff.AddScalar(anydiff.Scale(x, scalar(x, -1)), scalar(x, 1))
}
