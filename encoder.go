package nmt

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/nmt/iterator"
	"github.com/unixpickle/nmt/lazyrnn"
	"github.com/unixpickle/nmt/rnncell"
	"k8s.io/klog/v2"
)

// An Encoder summarizes embedded source sequences.
//
// A "uni" encoder runs one stack left to right.
// A "bi" encoder runs a forward stack and a backward stack
// (each with half of the layers) and concatenates their
// outputs at every timestep.
type Encoder struct {
	Type      string
	Embedding *Embedding

	Forward  *rnncell.Block
	Backward *rnncell.Block
}

// NewEncoder creates an encoder from the hyperparameters.
func NewEncoder(c anyvec.Creator, h *HParams, mode Mode, emb *Embedding,
	init rnncell.Initializer, cellFn rnncell.SingleCellFn) (*Encoder, error) {
	klog.Infof("# Build a basic encoder")
	cfg := cellConfig(c, h, mode, init, cellFn)
	cfg.InSize = emb.Dim
	res := &Encoder{Type: h.EncoderType, Embedding: emb}

	switch h.EncoderType {
	case "uni":
		klog.Infof("  num_layers = %d, num_residual_layers=%d", h.NumEncoderLayers,
			h.EncoderResidualLayers())
		cfg.NumLayers = h.NumEncoderLayers
		cfg.NumResidualLayers = h.EncoderResidualLayers()
		stack, err := rnncell.Create(cfg)
		if err != nil {
			return nil, fromCellError(err, "create encoder")
		}
		res.Forward = &rnncell.Block{Creator: c, Layered: stack}
	case "bi":
		numBiLayers := h.NumEncoderLayers / 2
		numBiResidual := h.EncoderResidualLayers() / 2
		klog.Infof("  num_bi_layers = %d, num_bi_residual_layers=%d", numBiLayers,
			numBiResidual)
		cfg.NumLayers = numBiLayers
		cfg.NumResidualLayers = numBiResidual
		fw, err := rnncell.Create(cfg)
		if err != nil {
			return nil, fromCellError(err, "create forward encoder")
		}
		bwCfg := *cfg
		bwCfg.BaseGPU = numBiLayers
		bwCfg.DropoutSeed += uint64(numBiLayers)
		bw, err := rnncell.Create(&bwCfg)
		if err != nil {
			return nil, fromCellError(err, "create backward encoder")
		}
		res.Forward = &rnncell.Block{Creator: c, Layered: fw}
		res.Backward = &rnncell.Block{Creator: c, Layered: bw}
	default:
		return nil, configErr("encoder_type", h.EncoderType, "unknown encoder type")
	}
	return res, nil
}

// OutSize returns the size of each output vector.
func (e *Encoder) OutSize() int {
	size := e.Forward.Layered.OutSize()
	if e.Backward != nil {
		size += e.Backward.Layered.OutSize()
	}
	return size
}

// NumStateLayers returns the number of layers in the
// final state.
func (e *Encoder) NumStateLayers() int {
	n := len(e.Forward.Layered.LayerSizes())
	if e.Backward != nil {
		n += len(e.Backward.Layered.LayerSizes())
	}
	return n
}

// Parameters returns the parameters of the recurrent
// stacks, not including the embedding.
func (e *Encoder) Parameters() []*anydiff.Var {
	res := e.Forward.Parameters()
	if e.Backward != nil {
		res = append(res, e.Backward.Parameters()...)
	}
	return res
}

// An Encoding is the result of running an Encoder on a
// batch.
type Encoding struct {
	// Outputs stores one time-major batch per source
	// timestep; sequences are absent past their length.
	Outputs []*anyseq.Batch

	// State is the final state, with one row per
	// sequence.
	// For bi encoders, forward and backward layers are
	// interleaved.
	State *rnncell.State

	Lengths []int

	encoder  *Encoder
	fwIDs    [][]int
	bwIDs    [][]int
	forward  *lazyrnn.Unrolled
	backward *lazyrnn.Unrolled
}

// Encode runs the encoder on the sources of a batch.
func (e *Encoder) Encode(batch *iterator.BatchedInput) *Encoding {
	res := &Encoding{encoder: e, Lengths: batch.SourceLength}
	n := batch.BatchSize()
	maxLen := batch.MaxSourceLength()
	c := e.Embedding.Parts[0].Vector.Creator()

	mask := SequenceMask(batch.SourceLength, maxLen)
	fwIns := make([]*anyseq.Batch, maxLen)
	for t, present := range mask {
		var ids []int
		for i, p := range present {
			if p {
				ids = append(ids, batch.Source[i][t])
			}
		}
		res.fwIDs = append(res.fwIDs, ids)
		fwIns[t] = &anyseq.Batch{Packed: e.Embedding.Lookup(ids), Present: present}
	}
	res.forward = lazyrnn.Unroll(e.Forward, e.Forward.Start(n).(*rnncell.State), fwIns)

	if e.Backward == nil {
		res.Outputs = res.forward.Outputs
		res.State = res.forward.Final
		return res
	}

	bwIns := make([]*anyseq.Batch, maxLen)
	for t, present := range mask {
		var ids []int
		for i, p := range present {
			if p {
				ids = append(ids, batch.Source[i][batch.SourceLength[i]-1-t])
			}
		}
		res.bwIDs = append(res.bwIDs, ids)
		bwIns[t] = &anyseq.Batch{Packed: e.Embedding.Lookup(ids), Present: present}
	}
	res.backward = lazyrnn.Unroll(e.Backward, e.Backward.Start(n).(*rnncell.State), bwIns)

	fwSize := e.Forward.Layered.OutSize()
	bwSize := e.Backward.Layered.OutSize()
	for t := 0; t < maxLen; t++ {
		present := fwIns[t].Present
		var rows []anyvec.Vector
		for _, i := range presentIndices(present) {
			fwOut := res.forward.Outputs[t]
			bwOut := res.backward.Outputs[batch.SourceLength[i]-1-t]
			rows = append(rows, sliceRow(fwOut.Packed, fwSize, rowOf(fwOut.Present, i)),
				sliceRow(bwOut.Packed, bwSize, rowOf(bwOut.Present, i)))
		}
		res.Outputs = append(res.Outputs, &anyseq.Batch{
			Packed:  c.Concat(rows...),
			Present: present,
		})
	}
	res.State = rnncell.Interleave(res.forward.Final, res.backward.Final)
	return res
}

// Vars returns the variables the encoding depends on.
func (e *Encoding) Vars() anydiff.VarSet {
	res := anydiff.MergeVarSets(e.forward.Vars(), anydiff.NewVarSet(e.encoder.Embedding.Parts...))
	if e.backward != nil {
		res = anydiff.MergeVarSets(res, e.backward.Vars())
	}
	return res
}

// Memory creates one variable per sequence holding its
// outputs, with one row per timestep.
func (e *Encoding) Memory() []*anydiff.Var {
	size := e.encoder.OutSize()
	c := e.State.Layers[0][0].Creator()
	res := make([]*anydiff.Var, len(e.Lengths))
	for i, length := range e.Lengths {
		rows := make([]anyvec.Vector, length)
		for t := range rows {
			out := e.Outputs[t]
			rows[t] = sliceRow(out.Packed, size, rowOf(out.Present, i))
		}
		if length == 0 {
			res[i] = anydiff.NewVar(c.MakeVector(0))
		} else {
			res[i] = anydiff.NewVar(c.Concat(rows...))
		}
	}
	return res
}

// MemoryGrads removes the gradients of memory variables
// (as created by Memory) from g and converts them into
// output gradients.
func (e *Encoding) MemoryGrads(memory []*anydiff.Var, g anydiff.Grad) []*anyseq.Batch {
	size := e.encoder.OutSize()
	c := e.State.Layers[0][0].Creator()
	res := make([]*anyseq.Batch, len(e.Outputs))
	for t, out := range e.Outputs {
		var rows []anyvec.Vector
		for _, i := range presentIndices(out.Present) {
			grad, ok := g[memory[i]]
			if ok {
				rows = append(rows, sliceRow(grad, size, t))
			} else {
				rows = append(rows, c.MakeVector(size))
			}
		}
		res[t] = &anyseq.Batch{Packed: c.Concat(rows...), Present: out.Present}
	}
	for _, v := range memory {
		delete(g, v)
	}
	return res
}

// Propagate back-propagates output gradients (one batch
// per timestep, in forward order, or nil) and a final
// state gradient (or nil) through the encoder and its
// embedding.
func (e *Encoding) Propagate(outGrads []*anyseq.Batch, stateGrad *rnncell.StateGrad,
	g anydiff.Grad) {
	if e.backward == nil {
		e.propagateDirection(e.forward, e.fwIDs, outGrads, stateGrad, g)
		return
	}

	var fwState, bwState *rnncell.StateGrad
	if stateGrad != nil {
		fwState, bwState = stateGrad.Deinterleave()
	}
	var fwGrads, bwGrads []*anyseq.Batch
	if outGrads != nil {
		fwGrads, bwGrads = e.splitOutputGrads(outGrads)
	}
	e.propagateDirection(e.forward, e.fwIDs, fwGrads, fwState, g)
	e.propagateDirection(e.backward, e.bwIDs, bwGrads, bwState, g)
}

func (e *Encoding) propagateDirection(u *lazyrnn.Unrolled, ids [][]int,
	outGrads []*anyseq.Batch, stateGrad *rnncell.StateGrad, g anydiff.Grad) {
	var upstream chan *anyseq.Batch
	if outGrads != nil {
		upstream = make(chan *anyseq.Batch, len(outGrads))
		for t := len(outGrads) - 1; t >= 0; t-- {
			upstream <- outGrads[t]
		}
		close(upstream)
	}
	down := make(chan *anyseq.Batch, len(ids))
	u.Propagate(upstream, stateGrad, down, g)
	close(down)
	t := len(ids) - 1
	for batch := range down {
		e.encoder.Embedding.Propagate(ids[t], batch.Packed, g)
		t--
	}
}

// splitOutputGrads divides the gradients of concatenated
// bi outputs into forward and backward gradients.
func (e *Encoding) splitOutputGrads(grads []*anyseq.Batch) (fw, bw []*anyseq.Batch) {
	fwSize := e.encoder.Forward.Layered.OutSize()
	bwSize := e.encoder.Backward.Layered.OutSize()
	fwRows := make([][]anyvec.Vector, len(grads))
	bwRows := make([][]anyvec.Vector, len(grads))
	for t, batch := range e.backward.Outputs {
		bwRows[t] = make([]anyvec.Vector, batch.NumPresent())
	}
	for t, batch := range grads {
		for row, i := range presentIndices(batch.Present) {
			joined := sliceRow(batch.Packed, fwSize+bwSize, row)
			fwRows[t] = append(fwRows[t], joined.Slice(0, fwSize))
			bwT := e.Lengths[i] - 1 - t
			bwRows[bwT][rowOf(e.backward.Outputs[bwT].Present, i)] = joined.Slice(fwSize,
				fwSize+bwSize)
		}
	}
	c := e.State.Layers[0][0].Creator()
	for t := range grads {
		fw = append(fw, &anyseq.Batch{
			Packed:  c.Concat(fwRows[t]...),
			Present: e.forward.Outputs[t].Present,
		})
		bw = append(bw, &anyseq.Batch{
			Packed:  c.Concat(bwRows[t]...),
			Present: e.backward.Outputs[t].Present,
		})
	}
	return
}

func cellConfig(c anyvec.Creator, h *HParams, mode Mode, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) *rnncell.Config {
	return &rnncell.Config{
		Creator:      c,
		UnitType:     h.UnitType,
		NumUnits:     h.NumUnits,
		ForgetBias:   h.ForgetBias,
		Dropout:      h.Dropout,
		Train:        mode == Train,
		DropoutSeed:  uint64(h.RandomSeed),
		NumGPUs:      h.NumGPUs,
		SingleCellFn: cellFn,
		Init:         init,
	}
}
