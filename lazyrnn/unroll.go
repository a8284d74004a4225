// Package lazyrnn runs recurrent blocks over batches of
// variable-length sequences and back-propagates through
// time, including through the final state of every
// sequence.
package lazyrnn

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/nmt/rnncell"
)

// Unrolled is the result of applying a block to a batch
// of sequences.
type Unrolled struct {
	Block anyrnn.Block
	Start *rnncell.State

	// Outputs stores one batch per timestep.
	// A sequence is absent from every timestep past its
	// length.
	Outputs []*anyseq.Batch

	// Final stores the state of every sequence after its
	// last timestep, with one row per sequence.
	// A sequence of length zero keeps its start state.
	Final *rnncell.State

	ins      []*anyseq.Batch
	reses    []anyrnn.Res
	lastStep []int
	v        anydiff.VarSet
}

// Unroll applies the block to the input batches.
//
// The block's states must be *rnncell.State values.
// If start is nil, the block's start state is used.
func Unroll(block anyrnn.Block, start *rnncell.State, ins []*anyseq.Batch) *Unrolled {
	if len(ins) == 0 && start == nil {
		panic("cannot infer batch size")
	}
	if start == nil {
		start = block.Start(len(ins[0].Present)).(*rnncell.State)
	}
	res := &Unrolled{
		Block:    block,
		Start:    start,
		ins:      ins,
		lastStep: make([]int, len(start.PresentMap)),
		v:        anydiff.VarSet{},
	}

	rows := make([][][]anyvec.Vector, len(start.PresentMap))
	for i := range rows {
		rows[i] = start.Row(i)
		res.lastStep[i] = -1
	}

	var state anyrnn.State = start
	for t, in := range ins {
		if len(in.Present) != len(start.PresentMap) {
			panic("batch size mismatch")
		}
		if in.NumPresent() != state.Present().NumPresent() {
			state = state.Reduce(in.Present)
		}
		stepRes := block.Step(state, in.Packed)
		res.reses = append(res.reses, stepRes)
		state = stepRes.State()
		res.Outputs = append(res.Outputs, &anyseq.Batch{
			Packed:  stepRes.Output(),
			Present: in.Present,
		})
		res.v = anydiff.MergeVarSets(res.v, stepRes.Vars())

		outState := state.(*rnncell.State)
		for i, pres := range in.Present {
			if pres {
				rows[i] = outState.Row(i)
				res.lastStep[i] = t
			}
		}
	}

	res.Final = rnncell.JoinRows(creator(start), start.Sizes, rows)
	return res
}

// Vars returns the variables upon which the outputs and
// final states depend, not including the inputs.
func (u *Unrolled) Vars() anydiff.VarSet {
	return u.v
}

// Propagate performs back-propagation through time.
//
// The upstream channel is sent output gradients from the
// last timestep to the first.
// It may be nil, in which case the outputs are treated
// as unused.
// The final argument is the gradient of the Final state,
// and may also be nil.
//
// If down is non-nil, it is sent the input gradients from
// the last timestep to the first.
// Propagate does not close down.
//
// The gradient with respect to the start state is
// returned with one row per sequence.
func (u *Unrolled) Propagate(upstream <-chan *anyseq.Batch, final *rnncell.StateGrad,
	down chan<- *anyseq.Batch, g anydiff.Grad) *rnncell.StateGrad {
	c := creator(u.Start)
	startGrad := rnncell.ZeroGrad(c, u.Start)
	if final != nil {
		for i, last := range u.lastStep {
			if last == -1 {
				startGrad.AddRow(i, final.Row(i))
			}
		}
	}

	var nextGrad *rnncell.StateGrad
	for t := len(u.reses) - 1; t >= 0; t-- {
		stepRes := u.reses[t]
		state := stepRes.State().(*rnncell.State)
		if nextGrad == nil {
			nextGrad = rnncell.ZeroGrad(c, state)
		} else if nextGrad.PresentMap.NumPresent() != state.PresentMap.NumPresent() {
			nextGrad = nextGrad.Expand(state.PresentMap).(*rnncell.StateGrad)
		}
		if final != nil {
			for i, last := range u.lastStep {
				if last == t {
					nextGrad.AddRow(i, final.Row(i))
				}
			}
		}

		var upVec anyvec.Vector
		if upstream != nil {
			upBatch, ok := <-upstream
			if !ok {
				panic("not enough upstream batches")
			}
			upVec = upBatch.Packed
		} else {
			upVec = c.MakeVector(stepRes.Output().Len())
		}

		inDown, stateDown := stepRes.Propagate(upVec, nextGrad, g)
		nextGrad = stateDown.(*rnncell.StateGrad)
		if down != nil {
			down <- &anyseq.Batch{Packed: inDown, Present: u.ins[t].Present}
		}
	}

	if nextGrad != nil {
		if nextGrad.PresentMap.NumPresent() != startGrad.PresentMap.NumPresent() {
			nextGrad = nextGrad.Expand(startGrad.PresentMap).(*rnncell.StateGrad)
		}
		for i, layer := range nextGrad.Layers {
			for j, part := range layer {
				startGrad.Layers[i][j].Add(part)
			}
		}
	}
	u.Block.PropagateStart(startGrad, g)
	return startGrad
}

func creator(s *rnncell.State) anyvec.Creator {
	return s.Layers[0][0].Creator()
}
