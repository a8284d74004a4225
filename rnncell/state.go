package rnncell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// A State is a batch of layered recurrent states.
//
// Layers[i][j] is the j-th part of layer i (for example,
// the cell and hidden vectors of an LSTM), packed with
// one row per present sequence.
// Unlike the states of most anyrnn blocks, the contents
// of a State are visible, so rows can be gathered, tiled,
// and regrouped between an encoder and a decoder.
type State struct {
	Layers     [][]anyvec.Vector
	Sizes      [][]int
	PresentMap anyrnn.PresentMap
}

// ZeroState creates an all-present State of zeros.
func ZeroState(c anyvec.Creator, sizes [][]int, n int) *State {
	res := &State{
		Layers:     make([][]anyvec.Vector, len(sizes)),
		Sizes:      sizes,
		PresentMap: make(anyrnn.PresentMap, n),
	}
	for i := range res.PresentMap {
		res.PresentMap[i] = true
	}
	for i, layer := range sizes {
		for _, size := range layer {
			res.Layers[i] = append(res.Layers[i], c.MakeVector(size*n))
		}
	}
	return res
}

// Present returns the present map.
func (s *State) Present() anyrnn.PresentMap {
	return s.PresentMap
}

// Reduce removes sequences from the batch.
func (s *State) Reduce(p anyrnn.PresentMap) anyrnn.State {
	return &State{
		Layers:     reduceLayers(s.Layers, s.Sizes, s.PresentMap, p),
		Sizes:      s.Sizes,
		PresentMap: p,
	}
}

// Row extracts the state of the sequence at the given
// batch index.
// The sequence must be present.
func (s *State) Row(seqIdx int) [][]anyvec.Vector {
	row := presentRow(s.PresentMap, seqIdx)
	res := make([][]anyvec.Vector, len(s.Layers))
	for i, layer := range s.Layers {
		for j, part := range layer {
			size := s.Sizes[i][j]
			res[i] = append(res[i], part.Slice(row*size, (row+1)*size))
		}
	}
	return res
}

// JoinRows builds an all-present State out of per-sequence
// rows, as produced by Row.
func JoinRows(c anyvec.Creator, sizes [][]int, rows [][][]anyvec.Vector) *State {
	res := &State{
		Layers:     make([][]anyvec.Vector, len(sizes)),
		Sizes:      sizes,
		PresentMap: make(anyrnn.PresentMap, len(rows)),
	}
	for i := range res.PresentMap {
		res.PresentMap[i] = true
	}
	for i, layer := range sizes {
		for j := range layer {
			var parts []anyvec.Vector
			for _, row := range rows {
				parts = append(parts, row[i][j])
			}
			res.Layers[i] = append(res.Layers[i], c.Concat(parts...))
		}
	}
	return res
}

// Gather creates an all-present State whose k-th sequence
// is the indices[k]-th present row of s.
//
// It is used to reorder hypotheses during beam search.
func (s *State) Gather(indices []int) *State {
	res := &State{
		Layers:     make([][]anyvec.Vector, len(s.Layers)),
		Sizes:      s.Sizes,
		PresentMap: make(anyrnn.PresentMap, len(indices)),
	}
	for i := range res.PresentMap {
		res.PresentMap[i] = true
	}
	for i, layer := range s.Layers {
		for j, part := range layer {
			res.Layers[i] = append(res.Layers[i], gatherRows(part, s.Sizes[i][j], indices))
		}
	}
	return res
}

// Tile replicates every sequence of an all-present State
// multiplier times, keeping replicas of the same sequence
// adjacent.
func (s *State) Tile(multiplier int) *State {
	n := s.PresentMap.NumPresent()
	if n != len(s.PresentMap) {
		panic("cannot tile a reduced state")
	}
	indices := make([]int, 0, n*multiplier)
	for i := 0; i < n; i++ {
		for j := 0; j < multiplier; j++ {
			indices = append(indices, i)
		}
	}
	return s.Gather(indices)
}

// Interleave merges a forward and a backward State layer
// by layer: (fw1, bw1, fw2, bw2, ...).
func Interleave(fw, bw *State) *State {
	if len(fw.Layers) != len(bw.Layers) {
		panic("layer count mismatch")
	}
	res := &State{PresentMap: fw.PresentMap}
	for i := range fw.Layers {
		res.Layers = append(res.Layers, fw.Layers[i], bw.Layers[i])
		res.Sizes = append(res.Sizes, fw.Sizes[i], bw.Sizes[i])
	}
	return res
}

// A StateGrad is an upstream gradient for a State.
type StateGrad State

// ZeroGrad creates a zero gradient shaped like s.
func ZeroGrad(c anyvec.Creator, s *State) *StateGrad {
	res := &StateGrad{Sizes: s.Sizes, PresentMap: s.PresentMap}
	n := s.PresentMap.NumPresent()
	res.Layers = make([][]anyvec.Vector, len(s.Sizes))
	for i, layer := range s.Sizes {
		for _, size := range layer {
			res.Layers[i] = append(res.Layers[i], c.MakeVector(size*n))
		}
	}
	return res
}

// Present returns the present map.
func (s *StateGrad) Present() anyrnn.PresentMap {
	return s.PresentMap
}

// Expand inserts zero gradients for sequences which are
// present in p but not in s.
func (s *StateGrad) Expand(p anyrnn.PresentMap) anyrnn.StateGrad {
	return &StateGrad{
		Layers:     expandLayers(s.Layers, s.Sizes, s.PresentMap, p),
		Sizes:      s.Sizes,
		PresentMap: p,
	}
}

// AddRow adds a per-sequence gradient (shaped like the
// result of State.Row) to the row of seqIdx.
func (s *StateGrad) AddRow(seqIdx int, grad [][]anyvec.Vector) {
	row := presentRow(s.PresentMap, seqIdx)
	for i, layer := range s.Layers {
		for j, part := range layer {
			size := s.Sizes[i][j]
			sum := part.Slice(row*size, (row+1)*size)
			sum.Add(grad[i][j])
			s.Layers[i][j] = replaceSlice(part, sum, row*size)
		}
	}
}

// Row is like State.Row.
func (s *StateGrad) Row(seqIdx int) [][]anyvec.Vector {
	return (*State)(s).Row(seqIdx)
}

// Deinterleave splits a gradient for an interleaved State
// into forward and backward gradients.
func (s *StateGrad) Deinterleave() (fw, bw *StateGrad) {
	fw = &StateGrad{PresentMap: s.PresentMap}
	bw = &StateGrad{PresentMap: s.PresentMap}
	for i := range s.Layers {
		dst := fw
		if i%2 == 1 {
			dst = bw
		}
		dst.Layers = append(dst.Layers, s.Layers[i])
		dst.Sizes = append(dst.Sizes, s.Sizes[i])
	}
	return
}

// Untile sums the gradients of the replicas produced by
// State.Tile.
func (s *StateGrad) Untile(multiplier int) *StateGrad {
	n := len(s.PresentMap) / multiplier
	res := &StateGrad{Sizes: s.Sizes, PresentMap: make(anyrnn.PresentMap, n)}
	for i := range res.PresentMap {
		res.PresentMap[i] = true
	}
	for i, layer := range s.Layers {
		var parts []anyvec.Vector
		for j, part := range layer {
			size := s.Sizes[i][j]
			sum := part.Creator().MakeVector(n * size)
			for k := 0; k < n*multiplier; k++ {
				dst := k / multiplier
				rowSum := sum.Slice(dst*size, (dst+1)*size)
				rowSum.Add(part.Slice(k*size, (k+1)*size))
				sum = replaceSlice(sum, rowSum, dst*size)
			}
			parts = append(parts, sum)
		}
		res.Layers = append(res.Layers, parts)
	}
	return res
}

// poolState creates a variable for every part of s, so
// that a step can be back-propagated in isolation.
func poolState(s *State) ([][]*anydiff.Var, [][]anydiff.Res) {
	vars := make([][]*anydiff.Var, len(s.Layers))
	reses := make([][]anydiff.Res, len(s.Layers))
	for i, layer := range s.Layers {
		for _, part := range layer {
			v := anydiff.NewVar(part)
			vars[i] = append(vars[i], v)
			reses[i] = append(reses[i], v)
		}
	}
	return vars, reses
}

func reduceLayers(layers [][]anyvec.Vector, sizes [][]int, old,
	p anyrnn.PresentMap) [][]anyvec.Vector {
	var indices []int
	row := 0
	for i, pres := range old {
		if !pres {
			if p[i] {
				panic("cannot add sequences with Reduce")
			}
			continue
		}
		if p[i] {
			indices = append(indices, row)
		}
		row++
	}
	res := make([][]anyvec.Vector, len(layers))
	for i, layer := range layers {
		for j, part := range layer {
			res[i] = append(res[i], gatherRows(part, sizes[i][j], indices))
		}
	}
	return res
}

func expandLayers(layers [][]anyvec.Vector, sizes [][]int, old,
	p anyrnn.PresentMap) [][]anyvec.Vector {
	res := make([][]anyvec.Vector, len(layers))
	for i, layer := range layers {
		for j, part := range layer {
			size := sizes[i][j]
			c := part.Creator()
			var rows []anyvec.Vector
			row := 0
			for k, pres := range p {
				if !pres {
					if old[k] {
						panic("cannot remove sequences with Expand")
					}
					continue
				}
				if old[k] {
					rows = append(rows, part.Slice(row*size, (row+1)*size))
					row++
				} else {
					rows = append(rows, c.MakeVector(size))
				}
			}
			res[i] = append(res[i], c.Concat(rows...))
		}
	}
	return res
}

func gatherRows(v anyvec.Vector, size int, indices []int) anyvec.Vector {
	rows := make([]anyvec.Vector, len(indices))
	for i, idx := range indices {
		rows[i] = v.Slice(idx*size, (idx+1)*size)
	}
	return v.Creator().Concat(rows...)
}

// presentRow converts a batch index into a row index in
// a packed vector.
func presentRow(p anyrnn.PresentMap, seqIdx int) int {
	if !p[seqIdx] {
		panic("sequence is not present")
	}
	var row int
	for _, pres := range p[:seqIdx] {
		if pres {
			row++
		}
	}
	return row
}

func replaceSlice(v, part anyvec.Vector, offset int) anyvec.Vector {
	c := v.Creator()
	return c.Concat(v.Slice(0, offset), part, v.Slice(offset+part.Len(), v.Len()))
}
