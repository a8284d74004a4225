package nmt

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/nmt/iterator"
	"github.com/unixpickle/nmt/lazyrnn"
	"github.com/unixpickle/nmt/lazyseq"
	"github.com/unixpickle/nmt/rnncell"
)

// A Decoder generates target sequences from an Encoding.
type Decoder struct {
	Embedding *Embedding
	Block     *rnncell.Block

	// Attention is the Block's Layered for attention
	// models, or nil.
	Attention *AttentionCell

	// Projection maps outputs to vocabulary logits.
	Projection *rnncell.Dense

	PassHiddenState bool

	SOS int
	EOS int
}

// A lossPass is a teacher-forced forward pass through
// the whole model, ready to be back-propagated.
type lossPass struct {
	model    *Model
	encoding *Encoding
	decoding *lazyrnn.Unrolled
	inputIDs [][]int
	pool     *lazyseq.Pool
	memory   []*anydiff.Var

	Loss anydiff.Res
}

// forwardLoss encodes the batch and teacher-forces the
// decoder over the target inputs.
func (m *Model) forwardLoss(batch *iterator.BatchedInput) *lossPass {
	d := m.Decoder
	enc := m.Encoder.Encode(batch)
	start := m.variant.initialState(d, enc)

	res := &lossPass{model: m, encoding: enc}
	if d.Attention != nil {
		res.memory = d.Attention.Memory
	}

	mask := SequenceMask(batch.TargetLength, batch.MaxTargetLength())
	ins := make([]*anyseq.Batch, len(mask))
	for t, present := range mask {
		var ids []int
		for _, i := range presentIndices(present) {
			ids = append(ids, batch.TargetInput[i][t])
		}
		res.inputIDs = append(res.inputIDs, ids)
		ins[t] = &anyseq.Batch{Packed: d.Embedding.Lookup(ids), Present: present}
	}
	res.decoding = lazyrnn.Unroll(d.Block, start, ins)

	// The projection is applied once per timestep after
	// the recurrence, rather than inside of it.
	res.pool = lazyseq.NewPool(res.decoding.Outputs)
	logits := make([]*anyseq.ResBatch, len(res.pool.Batches))
	for t, out := range res.pool.Batches {
		logits[t] = &anyseq.ResBatch{
			Packed:  d.Projection.Apply(out.Packed, len(presentIndices(out.Present))),
			Present: out.Present,
		}
	}
	res.Loss = Loss(logits, batch.TargetOutput, m.HParams.TgtVocabSize, batch.BatchSize())
	return res
}

// Backward back-propagates the loss through the decoder,
// the encoder, and both embeddings.
func (l *lossPass) Backward(g anydiff.Grad) {
	c := l.model.Creator
	d := l.model.Decoder

	l.pool.Track(g)
	for _, v := range l.memory {
		g[v] = c.MakeVector(v.Vector.Len())
	}
	one := c.MakeVector(1)
	one.AddScalar(c.MakeNumeric(1))
	l.Loss.Propagate(one, g)

	down := make(chan *anyseq.Batch, len(l.inputIDs))
	startGrad := l.decoding.Propagate(l.pool.Upstream(g), nil, down, g)
	close(down)
	t := len(l.inputIDs) - 1
	for batch := range down {
		d.Embedding.Propagate(l.inputIDs[t], batch.Packed, g)
		t--
	}

	outGrads, stateGrad := l.model.variant.encoderGrads(d, l.encoding, startGrad, g)
	l.encoding.Propagate(outGrads, stateGrad, g)
}

// LossValue returns the scalar loss.
func (l *lossPass) LossValue() float64 {
	return floatsOf(l.Loss.Output())[0]
}
