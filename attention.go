package nmt

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/nmt/rnncell"
)

// Attention scoring functions.
const (
	AttentionLuong       = "luong"
	AttentionScaledLuong = "scaled_luong"
	AttentionBahdanau    = "bahdanau"
)

// An AttentionCell wraps a decoder stack with attention
// over a per-sequence memory (the encoder outputs).
//
// The previous attention vector is fed into the stack
// along with the input (input feeding), and is stored as
// an extra top layer of the state.
type AttentionCell struct {
	Stack  rnncell.Stack
	Option string

	NumUnits   int
	MemorySize int

	MemoryLayer    *rnncell.Dense
	QueryLayer     *rnncell.Dense
	ScoreLayer     *rnncell.Dense
	AttentionLayer *rnncell.Dense

	// Memory stores one matrix per sequence, with one row
	// per source timestep.
	// It must be set before the cell is applied.
	Memory []*anydiff.Var
}

// NewAttentionCell creates an AttentionCell.
// The stack's input size must be the embedding size plus
// numUnits.
func NewAttentionCell(c anyvec.Creator, stack rnncell.Stack, option string, numUnits,
	memSize int, init rnncell.Initializer) (*AttentionCell, error) {
	res := &AttentionCell{
		Stack:          stack,
		Option:         option,
		NumUnits:       numUnits,
		MemorySize:     memSize,
		MemoryLayer:    rnncell.NewDense(c, memSize, numUnits, false, init),
		AttentionLayer: rnncell.NewDense(c, numUnits+memSize, numUnits, false, init),
	}
	switch option {
	case AttentionLuong, AttentionScaledLuong:
	case AttentionBahdanau:
		res.QueryLayer = rnncell.NewDense(c, numUnits, numUnits, false, init)
		res.ScoreLayer = rnncell.NewDense(c, numUnits, 1, false, init)
	default:
		return nil, configErr("attention_option", option, "unknown attention option")
	}
	if stack.OutSize() != numUnits {
		return nil, configErr("num_units", numUnits, "decoder output size mismatch")
	}
	return res, nil
}

// TileMemory replicates every memory matrix multiplier
// times, matching rnncell.State.Tile.
func (a *AttentionCell) TileMemory(multiplier int) {
	var tiled []*anydiff.Var
	for _, m := range a.Memory {
		for i := 0; i < multiplier; i++ {
			tiled = append(tiled, m)
		}
	}
	a.Memory = tiled
}

// LayerSizes returns the sizes of the stack's layers,
// followed by the attention vector.
func (a *AttentionCell) LayerSizes() [][]int {
	return append(a.Stack.LayerSizes(), []int{a.NumUnits})
}

// OutSize returns the attention vector size.
func (a *AttentionCell) OutSize() int {
	return a.NumUnits
}

// Apply runs the stack and attends over the memory.
func (a *AttentionCell) Apply(state [][]anydiff.Res, in anydiff.Res,
	present anyrnn.PresentMap) ([][]anydiff.Res, anydiff.Res) {
	numLayers := len(state) - 1
	n := present.NumPresent()
	inSize := in.Output().Len() / n
	prevAttention := state[numLayers][0]

	cellIn := concatRows(in, inSize, prevAttention, a.NumUnits, n)
	newState, cellOut := a.Stack.Apply(state[:numLayers], cellIn, present)

	var attentions []anydiff.Res
	for row, seqIdx := range presentIndices(present) {
		query := anydiff.Slice(cellOut, row*a.NumUnits, (row+1)*a.NumUnits)
		context := a.context(a.Memory[seqIdx], query)
		joined := anydiff.Concat(query, context)
		attentions = append(attentions, a.AttentionLayer.Apply(joined, 1))
	}
	attention := anydiff.Concat(attentions...)

	return append(newState, []anydiff.Res{attention}), attention
}

// Parameters returns the stack's parameters and the
// attention parameters.
func (a *AttentionCell) Parameters() []*anydiff.Var {
	res := a.Stack.Parameters()
	for _, d := range []*rnncell.Dense{a.MemoryLayer, a.QueryLayer, a.ScoreLayer,
		a.AttentionLayer} {
		if d != nil {
			res = append(res, d.Parameters()...)
		}
	}
	return res
}

// NamedParameters names the attention parameters, but not
// those of the stack.
func (a *AttentionCell) NamedParameters() []rnncell.NamedParam {
	var res []rnncell.NamedParam
	for _, d := range []struct {
		name  string
		dense *rnncell.Dense
	}{
		{"memory_layer", a.MemoryLayer},
		{"query_layer", a.QueryLayer},
		{"score_layer", a.ScoreLayer},
		{"attention_layer", a.AttentionLayer},
	} {
		if d.dense != nil {
			res = append(res, rnncell.Prefix(d.name, d.dense.NamedParameters())...)
		}
	}
	return res
}

func (a *AttentionCell) context(memory *anydiff.Var, query anydiff.Res) anydiff.Res {
	memLen := memory.Vector.Len() / a.MemorySize
	c := query.Output().Creator()
	if memLen == 0 {
		return anydiff.NewConst(c.MakeVector(a.MemorySize))
	}
	keys := a.MemoryLayer.Apply(memory, memLen)

	var scores anydiff.Res
	switch a.Option {
	case AttentionBahdanau:
		processed := a.QueryLayer.Apply(query, 1)
		scores = a.ScoreLayer.Apply(anydiff.Tanh(anydiff.AddRepeated(keys, processed)), memLen)
	default:
		scores = anydiff.MatMul(false, false,
			&anydiff.Matrix{Data: keys, Rows: memLen, Cols: a.NumUnits},
			&anydiff.Matrix{Data: query, Rows: a.NumUnits, Cols: 1}).Data
		if a.Option == AttentionScaledLuong {
			scores = anydiff.Scale(scores, c.MakeNumeric(1/math.Sqrt(float64(a.NumUnits))))
		}
	}

	alignments := anydiff.Exp(anydiff.LogSoftmax(scores, memLen))
	return anydiff.MatMul(true, false,
		&anydiff.Matrix{Data: memory, Rows: memLen, Cols: a.MemorySize},
		&anydiff.Matrix{Data: alignments, Rows: memLen, Cols: 1}).Data
}
