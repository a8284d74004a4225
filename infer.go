package nmt

import (
	"math"
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/nmt/iterator"
	"github.com/unixpickle/nmt/lazyseq"
	"github.com/unixpickle/nmt/rnncell"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// inferGraph stores the state needed for decoding.
type inferGraph struct {
	beamWidth     int
	lengthPenalty float64
	temperature   float64
	rng           *rand.Rand

	maxLenInfer  int
	lengthFactor float64
}

func newInferGraph(h *HParams) *inferGraph {
	res := &inferGraph{
		beamWidth:     h.BeamWidth,
		lengthPenalty: h.LengthPenaltyWeight,
		temperature:   h.SamplingTemperature,
		rng:           newRand(h.RandomSeed, 2),
		maxLenInfer:   h.TgtMaxLenInfer,
		lengthFactor:  h.DecodingLengthFactor,
	}
	switch {
	case res.beamWidth > 0:
		klog.Infof("  decoder: beam_width=%d, length_penalty=%g", res.beamWidth,
			res.lengthPenalty)
	case res.temperature > 0:
		klog.Infof("  decoder: sampling, temperature=%g", res.temperature)
	default:
		klog.Infof("  decoder: greedy")
	}
	return res
}

// maxIterations computes the decoding length limit for
// a batch.
func (i *inferGraph) maxIterations(batch *iterator.BatchedInput) int {
	if i.maxLenInfer > 0 {
		klog.V(1).Infof("  decoding maximum_iterations %d", i.maxLenInfer)
		return i.maxLenInfer
	}
	return int(math.Round(i.lengthFactor * float64(batch.MaxSourceLength())))
}

// A decodeResult stores time-major decoded ids.
type decodeResult struct {
	// IDs[t][i][k] is the id at time t for batch entry i
	// and beam k.
	IDs [][][]int

	// Logits[t][i] is the logit vector at time t for
	// batch entry i, or nil with beam search.
	Logits [][][]float64

	Beam int
}

// decode generates ids for a batch.
func (m *Model) decode(batch *iterator.BatchedInput) *decodeResult {
	d := m.Decoder
	enc := m.Encoder.Encode(batch)
	start := m.variant.initialState(d, enc)
	maxIter := m.infer.maxIterations(batch)
	if m.infer.beamWidth > 0 {
		return m.beamSearch(start, maxIter)
	}
	return m.sampleDecode(start, maxIter)
}

// sampleDecode runs greedy or temperature sampling.
//
// A sequence is removed from the batch once it emits the
// terminal token, and its later ids are filled with that
// token.
func (m *Model) sampleDecode(start *rnncell.State, maxIter int) *decodeResult {
	d := m.Decoder
	c := m.Creator
	n := len(start.PresentMap)
	vocabSize := m.HParams.TgtVocabSize

	tape, writer := lazyseq.ReferenceTape()
	var logitSteps [][][]float64

	present := allPresent(n)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = d.SOS
	}
	var state anyrnn.State = start
	for t := 0; t < maxIter; t++ {
		rows := presentIndices(present)
		if len(rows) == 0 {
			break
		}
		inIDs := make([]int, len(rows))
		for j, i := range rows {
			inIDs[j] = ids[i]
		}
		if state.Present().NumPresent() != len(rows) {
			state = state.Reduce(present)
		}
		stepRes := d.Block.Step(state, d.Embedding.Lookup(inIDs))
		state = stepRes.State()
		logits := floatsOf(d.Projection.Apply(anydiff.NewConst(stepRes.Output()),
			len(rows)).Output())

		stepLogits := make([][]float64, n)
		outIDs := make([]float64, len(rows))
		nextPresent := append([]bool{}, present...)
		for j, i := range rows {
			rowLogits := append([]float64{}, logits[j*vocabSize:(j+1)*vocabSize]...)
			stepLogits[i] = rowLogits
			id := m.chooseToken(rowLogits)
			ids[i] = id
			outIDs[j] = float64(id)
			if id == d.EOS {
				nextPresent[i] = false
			}
		}
		logitSteps = append(logitSteps, stepLogits)
		writer <- &anyseq.Batch{
			Packed:  c.MakeVectorData(c.MakeNumericList(outIDs)),
			Present: present,
		}
		present = nextPresent
	}
	close(writer)

	res := &decodeResult{Beam: 1}
	for t, step := range lazyseq.ReadAll(tape) {
		stepIDs := floatsOf(step.Packed)
		res.IDs = append(res.IDs, make([][]int, n))
		res.Logits = append(res.Logits, logitSteps[t])
		row := 0
		for i, p := range step.Present {
			if p {
				res.IDs[t][i] = []int{int(stepIDs[row])}
				row++
			} else {
				res.IDs[t][i] = []int{d.EOS}
				res.Logits[t][i] = make([]float64, vocabSize)
			}
		}
	}
	return res
}

func (m *Model) chooseToken(logits []float64) int {
	temp := m.infer.temperature
	if temp == 0 {
		return floats.MaxIdx(logits)
	}
	scaled := make([]float64, len(logits))
	floats.ScaleTo(scaled, 1/temp, logits)
	floats.AddConst(-floats.LogSumExp(scaled), scaled)
	for i, x := range scaled {
		scaled[i] = math.Exp(x)
	}
	dist := distuv.NewCategorical(scaled, m.infer.rng)
	return int(dist.Rand())
}

// A beamHyp is a candidate extension of a hypothesis.
type beamHyp struct {
	parent  int
	token   int
	logProb float64
	length  int
	done    bool
}

// beamSearch keeps the beamWidth best hypotheses of every
// batch entry, ranked by length-penalized log probability.
func (m *Model) beamSearch(start *rnncell.State, maxIter int) *decodeResult {
	d := m.Decoder
	k := m.infer.beamWidth
	n := len(start.PresentMap)
	vocabSize := m.HParams.TgtVocabSize

	state := tileDecoderState(d, start, k)

	logProbs := make([]float64, n*k)
	lengths := make([]int, n*k)
	finished := make([]bool, n*k)
	ids := make([]int, n*k)
	for i := range logProbs {
		ids[i] = d.SOS
		if i%k != 0 {
			logProbs[i] = math.Inf(-1)
		}
	}

	var parents, tokens [][]int
	for t := 0; t < maxIter; t++ {
		if allTrue(finished) {
			break
		}
		stepRes := d.Block.Step(state, d.Embedding.Lookup(ids))
		logits := floatsOf(d.Projection.Apply(anydiff.NewConst(stepRes.Output()),
			n*k).Output())

		stepParents := make([]int, n*k)
		stepTokens := make([]int, n*k)
		nextLogProbs := make([]float64, n*k)
		nextLengths := make([]int, n*k)
		nextFinished := make([]bool, n*k)
		for b := 0; b < n; b++ {
			var cands []beamHyp
			for j := 0; j < k; j++ {
				row := b*k + j
				cands = append(cands, m.expandHyp(row, logits[row*vocabSize:(row+1)*vocabSize],
					logProbs[row], lengths[row], finished[row])...)
			}
			best := m.topHyps(cands, k)
			for j, hyp := range best {
				row := b*k + j
				stepParents[row] = hyp.parent
				stepTokens[row] = hyp.token
				nextLogProbs[row] = hyp.logProb
				nextLengths[row] = hyp.length
				nextFinished[row] = hyp.done
			}
		}
		parents = append(parents, stepParents)
		tokens = append(tokens, stepTokens)
		logProbs, lengths, finished = nextLogProbs, nextLengths, nextFinished
		ids = stepTokens
		state = stepRes.State().(*rnncell.State).Gather(stepParents)
	}

	res := &decodeResult{Beam: k, IDs: make([][][]int, len(tokens))}
	for t := range res.IDs {
		res.IDs[t] = make([][]int, n)
		for i := range res.IDs[t] {
			res.IDs[t][i] = make([]int, k)
		}
	}
	for row := 0; row < n*k; row++ {
		b, j := row/k, row%k
		cur := row
		for t := len(tokens) - 1; t >= 0; t-- {
			res.IDs[t][b][j] = tokens[t][cur]
			cur = parents[t][cur]
		}
	}
	return res
}

// expandHyp lists the extensions of one hypothesis.
// Finished hypotheses may only be extended by the
// terminal token, at no cost.
func (m *Model) expandHyp(row int, logits []float64, logProb float64, length int,
	done bool) []beamHyp {
	eos := m.Decoder.EOS
	if done {
		return []beamHyp{{parent: row, token: eos, logProb: logProb, length: length,
			done: true}}
	}
	norm := floats.LogSumExp(logits)
	res := make([]beamHyp, len(logits))
	for token, logit := range logits {
		res[token] = beamHyp{
			parent:  row,
			token:   token,
			logProb: logProb + logit - norm,
			length:  length,
			done:    token == eos,
		}
		if token != eos {
			res[token].length++
		}
	}
	return res
}

// topHyps sorts candidates by penalized score and keeps
// the best count of them.
func (m *Model) topHyps(cands []beamHyp, count int) []beamHyp {
	negScores := make([]float64, len(cands))
	for i, c := range cands {
		negScores[i] = -m.penalizedScore(c)
	}
	inds := make([]int, len(cands))
	floats.Argsort(negScores, inds)
	res := make([]beamHyp, count)
	for i := range res {
		if i < len(inds) {
			res[i] = cands[inds[i]]
		} else {
			res[i] = beamHyp{token: m.Decoder.EOS, logProb: math.Inf(-1), done: true}
		}
	}
	return res
}

// penalizedScore divides a log probability by the length
// penalty ((5+length)/6)^weight.
func (m *Model) penalizedScore(h beamHyp) float64 {
	penalty := math.Pow((5+float64(h.length))/6, m.infer.lengthPenalty)
	return h.logProb / penalty
}

// tileDecoderState replicates the start state (and the
// attention memory) beamWidth times.
func tileDecoderState(d *Decoder, start *rnncell.State, beamWidth int) *rnncell.State {
	if d.Attention != nil {
		d.Attention.TileMemory(beamWidth)
	}
	return start.Tile(beamWidth)
}

func allTrue(b []bool) bool {
	for _, x := range b {
		if !x {
			return false
		}
	}
	return true
}
