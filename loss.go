package nmt

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
)

// SequenceMask creates a time-major mask for sequences
// of the given lengths, where mask[t][i] indicates that
// sequence i has a token at timestep t.
func SequenceMask(lengths []int, maxLen int) [][]bool {
	res := make([][]bool, maxLen)
	for t := range res {
		res[t] = make([]bool, len(lengths))
		for i, l := range lengths {
			res[t][i] = t < l
		}
	}
	return res
}

// Loss computes the masked cross-entropy loss of a batch
// of logit sequences.
//
// The logits are time-major and only contain rows for
// present (batch, time) positions, so padding never
// contributes.
// The summed cross entropy is divided by the batch size,
// not by the number of tokens.
func Loss(logits []*anyseq.ResBatch, targets [][]int, vocabSize, batchSize int) anydiff.Res {
	if len(logits) == 0 {
		panic("no timesteps")
	}
	var total anydiff.Res
	for t, step := range logits {
		var ids []int
		for _, i := range presentIndices(step.Present) {
			ids = append(ids, targets[i][t])
		}
		stepLoss := CrossEntropy(step.Packed, ids, vocabSize)
		if total == nil {
			total = stepLoss
		} else {
			total = anydiff.Add(total, stepLoss)
		}
	}
	c := logits[0].Packed.Output().Creator()
	return anydiff.Scale(total, c.MakeNumeric(1/float64(batchSize)))
}

// CrossEntropy computes the summed sparse softmax cross
// entropy of packed logit rows against target ids.
func CrossEntropy(logits anydiff.Res, targets []int, vocabSize int) anydiff.Res {
	c := logits.Output().Creator()
	oneHot := make([]float64, len(targets)*vocabSize)
	for i, target := range targets {
		oneHot[i*vocabSize+target] = 1
	}
	mask := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(oneHot)))
	logProbs := anydiff.LogSoftmax(logits, vocabSize)
	return anydiff.Scale(anydiff.Sum(anydiff.Mul(logProbs, mask)), c.MakeNumeric(-1))
}
