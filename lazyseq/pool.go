package lazyseq

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
)

// A Pool turns the timesteps of a sequence into
// variables, so that a whole-sequence function (for
// example, an output projection followed by a loss) can
// be applied once and back-propagated once.
//
// The gradients of the pooled variables can then be fed
// back into whatever produced the sequence.
type Pool struct {
	Vars     []*anydiff.Var
	Presents [][]bool
	Batches  []*anyseq.ResBatch
}

// NewPool creates a Pool for the batches.
func NewPool(batches []*anyseq.Batch) *Pool {
	res := &Pool{}
	for _, batch := range batches {
		v := anydiff.NewVar(batch.Packed)
		res.Vars = append(res.Vars, v)
		res.Presents = append(res.Presents, batch.Present)
		res.Batches = append(res.Batches, &anyseq.ResBatch{
			Packed:  v,
			Present: batch.Present,
		})
	}
	return res
}

// Track adds zero gradients for the pooled variables to g.
// It should be called before back-propagating through a
// function of the pooled batches.
func (p *Pool) Track(g anydiff.Grad) {
	for _, v := range p.Vars {
		g[v] = v.Vector.Creator().MakeVector(v.Vector.Len())
	}
}

// Upstream removes the pooled gradients from g and
// returns them as a channel of batches, ordered from the
// last timestep to the first.
func (p *Pool) Upstream(g anydiff.Grad) <-chan *anyseq.Batch {
	res := make(chan *anyseq.Batch, len(p.Vars))
	for i := len(p.Vars) - 1; i >= 0; i-- {
		v := p.Vars[i]
		grad, ok := g[v]
		if !ok {
			grad = v.Vector.Creator().MakeVector(v.Vector.Len())
		}
		res <- &anyseq.Batch{Packed: grad, Present: p.Presents[i]}
		delete(g, v)
	}
	close(res)
	return res
}
