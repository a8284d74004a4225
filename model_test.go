package nmt

import (
	"math"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/nmt/iterator"
	"github.com/unixpickle/nmt/vocab"
)

func testVocab() *vocab.Vocab {
	return vocab.New([]string{"a", "b", "c", "d"}, vocab.Options{})
}

func testHParams() *HParams {
	h := DefaultHParams()
	h.SrcVocabSize = 7
	h.TgtVocabSize = 7
	h.NumUnits = 3
	h.Dropout = 0
	h.BatchSize = 2
	h.NumTrainSteps = 100
	h.WarmupSteps = 0
	h.RandomSeed = 1337
	h.InitWeight = 0.5
	return h
}

func testModel(t *testing.T, h *HParams, mode Mode) *Model {
	m, err := New(h, mode, testVocab(), testVocab())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testBatch() *iterator.BatchedInput {
	return &iterator.BatchedInput{
		Source:       [][]int{{3, 4, 5}, {6, 2, 2}},
		SourceLength: []int{3, 1},
		TargetInput:  [][]int{{1, 3, 4}, {1, 5, 2}},
		TargetOutput: [][]int{{3, 4, 2}, {5, 2, 2}},
		TargetLength: []int{3, 2},
	}
}

func inferBatch() *iterator.BatchedInput {
	b := testBatch()
	return &iterator.BatchedInput{Source: b.Source, SourceLength: b.SourceLength}
}

func TestModelVariants(t *testing.T) {
	variants := map[string]func(h *HParams){
		"uni": func(h *HParams) {},
		"bi": func(h *HParams) {
			h.EncoderType = "bi"
			h.NumEncoderLayers = 4
			h.NumDecoderLayers = 4
		},
		"gru": func(h *HParams) {
			h.UnitType = "gru"
		},
		"attention": func(h *HParams) {
			h.Attention = true
		},
		"bahdanau": func(h *HParams) {
			h.Attention = true
			h.AttentionOption = "bahdanau"
			h.PassHiddenState = false
		},
		"scaled_luong": func(h *HParams) {
			h.Attention = true
			h.AttentionOption = "scaled_luong"
			h.EncoderType = "bi"
		},
	}
	for name, modify := range variants {
		t.Run(name, func(t *testing.T) {
			h := testHParams()
			modify(h)
			m := testModel(t, h, Train)
			var losses []float64
			for i := 0; i < 3; i++ {
				out, err := m.Train(testBatch())
				if err != nil {
					t.Fatal(err)
				}
				if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
					t.Fatalf("bad loss: %f", out.Loss)
				}
				if out.GlobalStep != i+1 {
					t.Errorf("expected step %d but got %d", i+1, out.GlobalStep)
				}
				losses = append(losses, out.Loss)
			}
			if losses[2] >= losses[0] {
				t.Errorf("loss did not decrease: %v", losses)
			}

			h.BeamWidth = 2
			inf := testModel(t, h, Infer)
			if err := inf.SetParams(m.ParamValues()); err != nil {
				t.Fatal(err)
			}
			out, err := inf.Infer(inferBatch())
			if err != nil {
				t.Fatal(err)
			}
			if !out.Beam || out.Logits != nil {
				t.Error("beam output should not have logits")
			}
			for _, step := range out.SampleIDs {
				for _, beams := range step {
					if len(beams) != 2 {
						t.Fatalf("expected 2 beams but got %d", len(beams))
					}
				}
			}
		})
	}
}

func TestModelGradients(t *testing.T) {
	variants := map[string]func(h *HParams){
		"lstm": func(h *HParams) {},
		"gru": func(h *HParams) {
			h.UnitType = "gru"
		},
		"bi": func(h *HParams) {
			h.EncoderType = "bi"
		},
		"attention": func(h *HParams) {
			h.Attention = true
			h.EncoderType = "bi"
			h.NumDecoderLayers = 1
			h.PassHiddenState = false
		},
	}
	for name, modify := range variants {
		t.Run(name, func(t *testing.T) {
			h := testHParams()
			h.NumEncoderLayers = 2
			modify(h)
			m := testModel(t, h, Eval)
			batch := testBatch()

			pass := m.forwardLoss(batch)
			g := anydiff.NewGrad(m.Parameters()...)
			pass.Backward(g)

			const delta = 1e-5
			for _, p := range m.Parameters() {
				data := append([]float64{}, floatsOf(p.Vector)...)
				actual := floatsOf(g[p])
				for i := range data {
					old := data[i]
					data[i] = old + delta
					setFloats(p.Vector, data)
					plus := m.forwardLoss(batch).LossValue()
					data[i] = old - delta
					setFloats(p.Vector, data)
					minus := m.forwardLoss(batch).LossValue()
					data[i] = old
					setFloats(p.Vector, data)
					expected := (plus - minus) / (2 * delta)
					if math.Abs(actual[i]-expected) > 1e-4 {
						t.Fatalf("%s[%d]: expected %f but got %f", paramName(m, p), i,
							expected, actual[i])
					}
				}
			}
		})
	}
}

func paramName(m *Model, v *anydiff.Var) string {
	for _, p := range m.Params() {
		if p.Var == v {
			return p.Name
		}
	}
	return "?"
}

func TestLossIgnoresPadding(t *testing.T) {
	m := testModel(t, testHParams(), Eval)
	out1, err := m.Eval(testBatch())
	if err != nil {
		t.Fatal(err)
	}

	padded := testBatch()
	for i := range padded.Source {
		padded.Source[i] = append(padded.Source[i], 2, 2)
		padded.TargetInput[i] = append(padded.TargetInput[i], 2)
		padded.TargetOutput[i] = append(padded.TargetOutput[i], 2)
	}
	padded.Source[1][1] = 5
	padded.TargetOutput[1][2] = 4
	out2, err := m.Eval(padded)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(out1.Loss-out2.Loss) > 1e-8 {
		t.Errorf("padding changed the loss: %f vs %f", out1.Loss, out2.Loss)
	}
	if out1.PredictCount != 5 || out1.BatchSize != 2 {
		t.Errorf("unexpected counts: %+v", out1)
	}
}

func TestLossValue(t *testing.T) {
	m := testModel(t, testHParams(), Eval)

	// With a zero projection, every token has probability
	// 1/vocabSize.
	setFloats(m.Decoder.Projection.FC.Weights.Vector,
		make([]float64, m.Decoder.Projection.FC.Weights.Vector.Len()))
	out, err := m.Eval(testBatch())
	if err != nil {
		t.Fatal(err)
	}
	expected := 5 * math.Log(7) / 2
	if math.Abs(out.Loss-expected) > 1e-8 {
		t.Errorf("expected loss %f but got %f", expected, out.Loss)
	}
}

func TestGreedyDeterministic(t *testing.T) {
	h := testHParams()
	h.TgtMaxLenInfer = 5
	m := testModel(t, h, Infer)
	out1, err := m.Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	out2, err := m.Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out1.SampleIDs, out2.SampleIDs) {
		t.Error("greedy decoding is not deterministic")
	}
	if len(out1.SampleIDs) > 5 {
		t.Errorf("decoded %d steps with a limit of 5", len(out1.SampleIDs))
	}
	if out1.Beam || len(out1.Logits) != len(out1.SampleIDs) {
		t.Error("greedy output should have logits for every step")
	}

	// Every id after a terminal token is also terminal.
	for i := 0; i < 2; i++ {
		done := false
		for _, step := range out1.SampleIDs {
			id := step[i][0]
			if done && id != m.Decoder.EOS {
				t.Fatalf("sequence %d continued after eos", i)
			}
			done = done || id == m.Decoder.EOS
		}
	}
}

func TestSampling(t *testing.T) {
	h := testHParams()
	h.TgtMaxLenInfer = 5
	h.SamplingTemperature = 1
	var results [][][][]int
	for i := 0; i < 2; i++ {
		out, err := testModel(t, h, Infer).Infer(inferBatch())
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, out.SampleIDs)
	}
	if !reflect.DeepEqual(results[0], results[1]) {
		t.Error("sampling with a fixed seed is not reproducible")
	}
	for _, step := range results[0] {
		for _, ids := range step {
			for _, id := range ids {
				if id < 0 || id >= h.TgtVocabSize {
					t.Fatalf("sampled id %d out of range", id)
				}
			}
		}
	}
}

func TestLowTemperatureIsGreedy(t *testing.T) {
	h := testHParams()
	h.TgtMaxLenInfer = 5
	greedy, err := testModel(t, h, Infer).Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	h.SamplingTemperature = 1e-6
	sampled, err := testModel(t, h, Infer).Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(greedy.SampleIDs, sampled.SampleIDs) {
		t.Errorf("expected %v but got %v", greedy.SampleIDs, sampled.SampleIDs)
	}
}

func TestInferLayout(t *testing.T) {
	h := testHParams()
	h.TgtMaxLenInfer = 4
	h.TimeMajor = false
	m := testModel(t, h, Infer)
	out, err := m.Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.SampleIDs) != 2 {
		t.Fatalf("expected batch-major output but got %d rows", len(out.SampleIDs))
	}
	words, _, err := m.Decode(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 1 || len(words[0]) != 2 {
		t.Fatalf("unexpected decode shape")
	}
	for i, sentence := range words[0] {
		if len(sentence) != len(out.SampleWords[i]) {
			t.Errorf("sequence %d: length mismatch", i)
		}
	}
}

func TestMaxIterations(t *testing.T) {
	h := testHParams()
	h.DecodingLengthFactor = 2
	m := testModel(t, h, Infer)
	if n := m.infer.maxIterations(inferBatch()); n != 6 {
		t.Errorf("expected 6 iterations but got %d", n)
	}
	out, err := m.Infer(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.SampleIDs) > 6 {
		t.Errorf("decoded %d steps", len(out.SampleIDs))
	}
}

func TestBeamSearchTiling(t *testing.T) {
	h := testHParams()
	h.Attention = true
	h.BeamWidth = 3
	h.LengthPenaltyWeight = 1
	h.TgtMaxLenInfer = 4
	m := testModel(t, h, Infer)
	if _, err := m.Infer(inferBatch()); err != nil {
		t.Fatal(err)
	}
	if len(m.Decoder.Attention.Memory) != 6 {
		t.Errorf("expected 6 memory entries but got %d", len(m.Decoder.Attention.Memory))
	}
	words, _, err := m.Decode(inferBatch())
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 3 {
		t.Errorf("expected 3 beams but got %d", len(words))
	}
}

func TestPenalizedScore(t *testing.T) {
	m := &Model{infer: &inferGraph{lengthPenalty: 1}}
	score := m.penalizedScore(beamHyp{logProb: -2, length: 7})
	if math.Abs(score-(-1)) > 1e-12 {
		t.Errorf("expected -1 but got %f", score)
	}
	m.infer.lengthPenalty = 0
	if score := m.penalizedScore(beamHyp{logProb: -2, length: 7}); score != -2 {
		t.Errorf("expected -2 but got %f", score)
	}
}

func TestEncoderState(t *testing.T) {
	for _, numLayers := range []int{2, 4} {
		h := testHParams()
		h.EncoderType = "bi"
		h.NumEncoderLayers = numLayers
		h.NumDecoderLayers = numLayers
		m := testModel(t, h, Eval)
		enc := m.Encoder.Encode(testBatch())
		if len(enc.State.Layers) != numLayers {
			t.Errorf("%d layers: expected %d state layers but got %d", numLayers,
				numLayers, len(enc.State.Layers))
		}
		if len(enc.Outputs) != 3 {
			t.Errorf("expected 3 timesteps but got %d", len(enc.Outputs))
		}
		if size := enc.Outputs[0].Packed.Len(); size != 2*2*h.NumUnits {
			t.Errorf("unexpected output size %d", size)
		}

		// Layers alternate between the forward and backward
		// final states, in layer order.
		for i, layer := range enc.State.Layers {
			source := enc.forward.Final
			if i%2 == 1 {
				source = enc.backward.Final
			}
			expectedLayer := source.Layers[i/2]
			if len(layer) != len(expectedLayer) {
				t.Fatalf("%d layers: layer %d has %d vectors", numLayers, i, len(layer))
			}
			for j, vec := range layer {
				if !reflect.DeepEqual(floatsOf(vec), floatsOf(expectedLayer[j])) {
					t.Errorf("%d layers: state layer %d vector %d mismatch", numLayers, i, j)
				}
			}
		}
	}
}

func TestEncoderMasking(t *testing.T) {
	h := testHParams()
	m := testModel(t, h, Eval)
	batch := &iterator.BatchedInput{
		Source:       [][]int{{3, 4, 5, 2, 2}, {3, 4, 5, 6, 3}},
		SourceLength: []int{3, 5},
	}
	enc := m.Encoder.Encode(batch)
	if len(enc.Outputs) != 5 {
		t.Fatalf("expected 5 timesteps but got %d", len(enc.Outputs))
	}
	if enc.Outputs[3].NumPresent() != 1 || enc.Outputs[3].Present[0] {
		t.Error("short sequence should be absent past its length")
	}

	// The final state of the short sequence matches its
	// output at its last step.
	final := floatsOf(enc.State.Row(0)[len(enc.State.Layers)-1][1])
	lastOut := floatsOf(enc.Outputs[2].Packed)[:h.NumUnits]
	for i, x := range lastOut {
		if math.Abs(final[i]-x) > 1e-12 {
			t.Fatalf("final state mismatch: %v vs %v", final, lastOut)
		}
	}
}

func TestPreconditions(t *testing.T) {
	h := testHParams()
	train := testModel(t, h, Train)
	if _, err := train.Infer(inferBatch()); !IsPreconditionViolation(err) {
		t.Errorf("expected precondition violation but got %v", err)
	}
	if _, err := train.Eval(testBatch()); !IsPreconditionViolation(err) {
		t.Errorf("expected precondition violation but got %v", err)
	}
	infer := testModel(t, h, Infer)
	if _, err := infer.Train(testBatch()); !IsPreconditionViolation(err) {
		t.Errorf("expected precondition violation but got %v", err)
	}
	eval := testModel(t, h, Eval)
	if _, err := eval.Eval(inferBatch()); err == nil {
		t.Error("expected error for batch without targets")
	}
}

func TestConfigurationErrors(t *testing.T) {
	cases := map[string]func(h *HParams){
		"unit_type": func(h *HParams) {
			h.UnitType = "rnn"
		},
		"encoder_type": func(h *HParams) {
			h.EncoderType = "tri"
		},
		"attention_option": func(h *HParams) {
			h.Attention = true
			h.AttentionOption = "normed_bahdanau"
		},
		"warmup_scheme": func(h *HParams) {
			h.WarmupScheme = "linear"
		},
		"decay_scheme": func(h *HParams) {
			h.DecayScheme = "luong3"
		},
		"init_op": func(h *HParams) {
			h.InitOp = "zeros"
		},
		"optimizer": func(h *HParams) {
			h.Optimizer = "rmsprop"
		},
		"num_decoder_layers": func(h *HParams) {
			h.NumDecoderLayers = 3
		},
		"src_vocab_size": func(h *HParams) {
			h.SrcVocabSize = 8
		},
	}
	for field, modify := range cases {
		h := testHParams()
		modify(h)
		_, err := New(h, Train, testVocab(), testVocab())
		if !IsConfigurationError(err) {
			t.Errorf("%s: expected configuration error but got %v", field, err)
		}
	}
}

func TestBasicModelRejectsAttention(t *testing.T) {
	h := testHParams()
	h.Attention = true
	m := &Model{HParams: *h}
	if _, err := (basicVariant{}).buildDecoder(m, nil, nil); !IsConfigurationError(err) {
		t.Errorf("expected configuration error but got %v", err)
	}
}

func TestCheckpointParams(t *testing.T) {
	h := testHParams()
	m1 := testModel(t, h, Train)
	if _, err := m1.Train(testBatch()); err != nil {
		t.Fatal(err)
	}
	m2, err := New(h, Eval, testVocab(), testVocab(), WithParams(m1.ParamValues()))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m1.ParamValues(), m2.ParamValues()) {
		t.Error("parameters were not restored")
	}
}

func TestParamNames(t *testing.T) {
	for _, attention := range []bool{false, true} {
		h := testHParams()
		h.EncoderType = "bi"
		h.Attention = attention
		h.AttentionOption = "bahdanau"
		m := testModel(t, h, Train)
		seen := map[string]bool{}
		byName := map[string]Param{}
		for _, p := range m.Params() {
			if p.Name == "" || p.Device == "" {
				t.Errorf("missing name or device: %+v", p)
			}
			if seen[p.Name] {
				t.Errorf("duplicate name %s", p.Name)
			}
			seen[p.Name] = true
			byName[p.Name] = p
			size := 1
			for _, x := range p.Shape {
				size *= x
			}
			if size != p.Var.Vector.Len() {
				t.Errorf("%s has shape %v but %d entries", p.Name, p.Shape, p.Var.Vector.Len())
			}
		}
		for _, name := range []string{"embedding_encoder/part_0", "embedding_decoder/part_0",
			"decoder/output_projection/kernel"} {
			if p, ok := byName[name]; !ok {
				t.Errorf("missing %s", name)
			} else if p.Device != "/cpu:0" {
				t.Errorf("%s placed on %s", name, p.Device)
			}
		}
		proj := byName["decoder/output_projection/kernel"]
		if !reflect.DeepEqual(proj.Shape, []int{h.TgtVocabSize, h.NumUnits}) {
			t.Errorf("unexpected projection shape %v", proj.Shape)
		}
		if !seen["encoder/bw/cell_0/forget/hidden/kernel"] {
			t.Error("missing backward encoder gate")
		}
		if _, ok := byName["decoder/attention/score_layer/kernel"]; ok != attention {
			t.Errorf("attention=%v: unexpected score layer presence", attention)
		}
	}
}
