package nmt

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/nmt/iterator"
)

// A SummaryValue is a named scalar.
type SummaryValue struct {
	Tag   string
	Value float64
}

// A Summary is a list of named scalars recorded by one
// operation.
type Summary []SummaryValue

// Get finds a value by tag.
func (s Summary) Get(tag string) (float64, bool) {
	for _, v := range s {
		if v.Tag == tag {
			return v.Value, true
		}
	}
	return 0, false
}

// TrainOutput is the result of a training step.
type TrainOutput struct {
	Loss         float64
	PredictCount int
	Summary      Summary
	GlobalStep   int
	WordCount    int
	BatchSize    int
	GradNorm     float64
	LearningRate float64
}

// EvalOutput is the result of evaluating a batch.
type EvalOutput struct {
	Loss         float64
	PredictCount int
	BatchSize    int
}

// InferOutput is the result of decoding a batch.
//
// SampleIDs and SampleWords have a trailing beam axis,
// which has length 1 without beam search.
// The leading axes are (time, batch) when the model is
// time major, and (batch, time) otherwise.
type InferOutput struct {
	// Logits has the same leading axes as SampleIDs.
	// It is nil for beam search, which does not keep
	// logits.
	Logits [][][]float64

	Summary     Summary
	SampleIDs   [][][]int
	SampleWords [][][]string
	Beam        bool
}

type trainGraph struct {
	schedule  *Schedule
	optimizer Optimizer
}

func newTrainGraph(h *HParams) (*trainGraph, error) {
	schedule, err := NewSchedule(h)
	if err != nil {
		return nil, err
	}
	schedule.Log()
	opt, err := NewOptimizer(h)
	if err != nil {
		return nil, err
	}
	return &trainGraph{schedule: schedule, optimizer: opt}, nil
}

// Train runs one optimization step on a batch.
func (m *Model) Train(batch *iterator.BatchedInput) (*TrainOutput, error) {
	if err := m.checkMode("train", Train); err != nil {
		return nil, err
	}
	if err := checkTargetBatch(batch); err != nil {
		return nil, errors.Wrap(err, "train")
	}
	lr := m.train.schedule.LearningRate(m.GlobalStep)

	pass := m.forwardLoss(batch)
	params := m.Parameters()
	grad := anydiff.NewGrad(params...)
	pass.Backward(grad)
	gradNorm := clipGlobalNorm(params, grad, m.HParams.MaxGradientNorm)
	m.train.optimizer.Step(params, grad, lr)
	m.GlobalStep++

	loss := pass.LossValue()
	clipped := gradNorm
	if limit := m.HParams.MaxGradientNorm; limit > 0 && clipped > limit {
		clipped = limit
	}
	return &TrainOutput{
		Loss:         loss,
		PredictCount: sum(batch.TargetLength),
		Summary: Summary{
			{Tag: "lr", Value: lr},
			{Tag: "train_loss", Value: loss},
			{Tag: "grad_norm", Value: gradNorm},
			{Tag: "clipped_gradient", Value: clipped},
		},
		GlobalStep:   m.GlobalStep,
		WordCount:    sum(batch.SourceLength) + sum(batch.TargetLength),
		BatchSize:    batch.BatchSize(),
		GradNorm:     gradNorm,
		LearningRate: lr,
	}, nil
}

// Eval computes the loss on a batch.
func (m *Model) Eval(batch *iterator.BatchedInput) (*EvalOutput, error) {
	if err := m.checkMode("eval", Eval); err != nil {
		return nil, err
	}
	if err := checkTargetBatch(batch); err != nil {
		return nil, errors.Wrap(err, "eval")
	}
	pass := m.forwardLoss(batch)
	return &EvalOutput{
		Loss:         pass.LossValue(),
		PredictCount: sum(batch.TargetLength),
		BatchSize:    batch.BatchSize(),
	}, nil
}

// Infer decodes a batch of sources.
func (m *Model) Infer(batch *iterator.BatchedInput) (*InferOutput, error) {
	if err := m.checkMode("infer", Infer); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, errors.Wrap(err, "infer")
	}
	decoded := m.decode(batch)
	res := &InferOutput{
		Summary:   Summary{},
		SampleIDs: decoded.IDs,
		Beam:      m.infer.beamWidth > 0,
	}
	if !res.Beam {
		res.Logits = decoded.Logits
	}
	if !m.HParams.TimeMajor {
		res.SampleIDs = swapLeading(res.SampleIDs, batch.BatchSize())
		if res.Logits != nil {
			res.Logits = swapLeading(res.Logits, batch.BatchSize())
		}
	}
	res.SampleWords = make([][][]string, len(res.SampleIDs))
	for i, outer := range res.SampleIDs {
		res.SampleWords[i] = make([][]string, len(outer))
		for j, beams := range outer {
			for _, id := range beams {
				res.SampleWords[i][j] = append(res.SampleWords[i][j], m.TgtVocab.Token(id))
			}
		}
	}
	return res, nil
}

// Decode decodes a batch and returns words laid out as
// (beam, batch, time).
// The beam axis has length 1 without beam search.
func (m *Model) Decode(batch *iterator.BatchedInput) ([][][]string, Summary, error) {
	out, err := m.Infer(batch)
	if err != nil {
		return nil, nil, err
	}
	words := out.SampleWords
	if m.HParams.TimeMajor {
		words = swapLeading(words, batch.BatchSize())
	}
	numBeams := essentials.MaxInt(1, m.infer.beamWidth)
	res := make([][][]string, numBeams)
	for k := range res {
		res[k] = make([][]string, batch.BatchSize())
		for i := range res[k] {
			res[k][i] = []string{}
			for _, step := range words[i] {
				res[k][i] = append(res[k][i], step[k])
			}
		}
	}
	return res, out.Summary, nil
}

func (m *Model) checkMode(op string, want Mode) error {
	if m.Mode != want {
		return &PreconditionViolation{Op: op, Want: want, Got: m.Mode}
	}
	return nil
}

func checkTargetBatch(batch *iterator.BatchedInput) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if !batch.HasTarget() {
		return errors.New("batch has no targets")
	}
	if batch.MaxTargetLength() == 0 {
		return errors.New("batch has only empty targets")
	}
	return nil
}

// swapLeading swaps the first two axes of a tensor whose
// second axis has length n.
func swapLeading[T any](x [][]T, n int) [][]T {
	res := make([][]T, n)
	for i := range res {
		res[i] = make([]T, len(x))
		for t := range x {
			res[i][t] = x[t][i]
		}
	}
	return res
}

func sum(x []int) int {
	var res int
	for _, v := range x {
		res += v
	}
	return res
}
