package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// Block adapts a Layered to an anyrnn.Block.
//
// The states of the Block are *State values, and the
// start state is all zeros.
// Every step pools its inputs into fresh variables, so a
// step can be back-propagated without touching earlier
// timesteps; the state gradient is returned to the caller
// instead.
type Block struct {
	Creator anyvec.Creator
	Layered Layered
}

// Start creates a zero state.
func (b *Block) Start(n int) anyrnn.State {
	return ZeroState(b.Creator, b.Layered.LayerSizes(), n)
}

// PropagateStart does nothing, since the start state is
// constant.
func (b *Block) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
}

// Step applies the Layered for one timestep.
func (b *Block) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	state := s.(*State)
	stateVars, stateReses := poolState(state)
	inVar := anydiff.NewVar(in)
	newState, out := b.Layered.Apply(stateReses, inVar, state.PresentMap)

	joinedParts := []anydiff.Res{out}
	outState := &State{
		Layers:     make([][]anyvec.Vector, len(newState)),
		Sizes:      state.Sizes,
		PresentMap: state.PresentMap,
	}
	for i, layer := range newState {
		for _, part := range layer {
			joinedParts = append(joinedParts, part)
			outState.Layers[i] = append(outState.Layers[i], part.Output())
		}
	}
	joined := anydiff.Concat(joinedParts...)

	vars := anydiff.MergeVarSets(joined.Vars())
	vars.Del(inVar)
	for _, layer := range stateVars {
		for _, v := range layer {
			vars.Del(v)
		}
	}

	return &blockRes{
		Joined:    joined,
		Out:       out.Output(),
		OutState:  outState,
		InVar:     inVar,
		StateVars: stateVars,
		V:         vars,
	}
}

// Parameters returns the parameters of the Layered.
func (b *Block) Parameters() []*anydiff.Var {
	return b.Layered.Parameters()
}

type blockRes struct {
	Joined    anydiff.Res
	Out       anyvec.Vector
	OutState  *State
	InVar     *anydiff.Var
	StateVars [][]*anydiff.Var
	V         anydiff.VarSet
}

func (b *blockRes) State() anyrnn.State {
	return b.OutState
}

func (b *blockRes) Output() anyvec.Vector {
	return b.Out
}

func (b *blockRes) Vars() anydiff.VarSet {
	return b.V
}

func (b *blockRes) Propagate(u anyvec.Vector, s anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	c := u.Creator()
	upstream := []anyvec.Vector{u}
	if s == nil {
		for _, layer := range b.OutState.Layers {
			for _, part := range layer {
				upstream = append(upstream, c.MakeVector(part.Len()))
			}
		}
	} else {
		for _, layer := range s.(*StateGrad).Layers {
			upstream = append(upstream, layer...)
		}
	}

	pools := []*anydiff.Var{b.InVar}
	for _, layer := range b.StateVars {
		pools = append(pools, layer...)
	}
	for _, v := range pools {
		g[v] = c.MakeVector(v.Vector.Len())
	}

	b.Joined.Propagate(c.Concat(upstream...), g)

	down := &StateGrad{
		Layers:     make([][]anyvec.Vector, len(b.StateVars)),
		Sizes:      b.OutState.Sizes,
		PresentMap: b.OutState.PresentMap,
	}
	for i, layer := range b.StateVars {
		for _, v := range layer {
			down.Layers[i] = append(down.Layers[i], g[v])
		}
	}
	inDown := g[b.InVar]
	for _, v := range pools {
		delete(g, v)
	}
	return inDown, down
}
