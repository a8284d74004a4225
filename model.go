package nmt

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/nmt/rnncell"
	"github.com/unixpickle/nmt/vocab"
	"k8s.io/klog/v2"
)

// An Option customizes model construction.
type Option func(o *options)

type options struct {
	creator  anyvec.Creator
	cellFn   rnncell.SingleCellFn
	params   map[string][]float64
	srcEmbed map[string][]float64
	tgtEmbed map[string][]float64
}

// WithCreator sets the numeric type of the model.
// The default is anyvec64.
func WithCreator(c anyvec.Creator) Option {
	return func(o *options) {
		o.creator = c
	}
}

// WithSingleCellFn overrides the construction of every
// recurrent unit cell.
func WithSingleCellFn(f rnncell.SingleCellFn) Option {
	return func(o *options) {
		o.cellFn = f
	}
}

// WithParams initializes the model's parameters with
// named values, such as those from a checkpoint.
func WithParams(params map[string][]float64) Option {
	return func(o *options) {
		o.params = params
	}
}

// WithPretrainedEmbeddings supplies pretrained vectors
// for the source and target embeddings.
// Either map may be nil.
func WithPretrainedEmbeddings(src, tgt map[string][]float64) Option {
	return func(o *options) {
		o.srcEmbed = src
		o.tgtEmbed = tgt
	}
}

// A Param is a named parameter of a Model.
type Param struct {
	Name   string
	Var    *anydiff.Var
	Shape  []int
	Device string
}

// hostDevice holds the embeddings and the output
// projection.
const hostDevice = "/cpu:0"

// A Model is a sequence-to-sequence translation model.
//
// A Model is built for one Mode, which determines the
// operations it supports.
// It is not safe to call a Model's methods concurrently.
type Model struct {
	HParams HParams
	Mode    Mode
	Creator anyvec.Creator

	SrcVocab *vocab.Vocab
	TgtVocab *vocab.Vocab

	SrcEmbedding *Embedding
	TgtEmbedding *Embedding
	Encoder      *Encoder
	Decoder      *Decoder

	// GlobalStep counts the training steps taken.
	GlobalStep int

	variant modelVariant
	params  []Param

	train *trainGraph
	infer *inferGraph
}

// New creates a model for the mode.
func New(h *HParams, mode Mode, srcVocab, tgtVocab *vocab.Vocab,
	opts ...Option) (*Model, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	o := &options{creator: anyvec64.DefaultCreator{}}
	for _, opt := range opts {
		opt(o)
	}

	klog.Infof("# creating %s graph ...", mode)
	m := &Model{
		HParams:  *h,
		Mode:     mode,
		Creator:  o.creator,
		SrcVocab: srcVocab,
		TgtVocab: tgtVocab,
	}
	hp := &m.HParams
	if srcVocab.Size() != hp.SrcVocabSize {
		return nil, configErr("src_vocab_size", hp.SrcVocabSize,
			fmt.Sprintf("vocabulary has %d tokens", srcVocab.Size()))
	}
	if tgtVocab.Size() != hp.TgtVocabSize {
		return nil, configErr("tgt_vocab_size", hp.TgtVocabSize,
			fmt.Sprintf("vocabulary has %d tokens", tgtVocab.Size()))
	}

	init, err := NewInitializer(hp)
	if err != nil {
		return nil, err
	}
	if err := m.initEmbeddings(o, init); err != nil {
		return nil, err
	}

	if hp.Attention {
		m.variant = attentionVariant{}
	} else {
		m.variant = basicVariant{}
	}
	m.Encoder, err = m.variant.buildEncoder(m, init, o.cellFn)
	if err != nil {
		return nil, err
	}
	m.Decoder, err = m.variant.buildDecoder(m, init, o.cellFn)
	if err != nil {
		return nil, err
	}
	m.collectParams()

	if o.params != nil {
		if err := m.SetParams(o.params); err != nil {
			return nil, err
		}
	}

	switch mode {
	case Train:
		m.train, err = newTrainGraph(hp)
	case Infer:
		m.infer = newInferGraph(hp)
	}
	if err != nil {
		return nil, err
	}

	klog.Infof("# Trainable variables")
	for _, p := range m.params {
		klog.Infof("  %s, %v, %s", p.Name, p.Shape, p.Device)
	}
	return m, nil
}

func (m *Model) initEmbeddings(o *options, init rnncell.Initializer) error {
	hp := &m.HParams
	var err error
	if o.srcEmbed != nil {
		m.SrcEmbedding, err = NewPretrainedEmbedding(m.Creator, "embedding_encoder",
			m.SrcVocab, o.srcEmbed, hp.NumUnits, vocab.EOSID+1)
	} else {
		m.SrcEmbedding = NewEmbedding(m.Creator, "embedding_encoder", hp.SrcVocabSize,
			hp.NumUnits, hp.NumEmbeddingsPartitions, init)
	}
	if err != nil {
		return errors.Wrap(err, "init embeddings")
	}
	if hp.ShareVocab {
		klog.Infof("# Use the same embedding for source and target")
		m.TgtEmbedding = m.SrcEmbedding
		return nil
	}
	if o.tgtEmbed != nil {
		m.TgtEmbedding, err = NewPretrainedEmbedding(m.Creator, "embedding_decoder",
			m.TgtVocab, o.tgtEmbed, hp.NumUnits, vocab.EOSID+1)
	} else {
		m.TgtEmbedding = NewEmbedding(m.Creator, "embedding_decoder", hp.TgtVocabSize,
			hp.NumUnits, hp.NumEmbeddingsPartitions, init)
	}
	return errors.Wrap(err, "init embeddings")
}

func (m *Model) collectParams() {
	seen := map[*anydiff.Var]bool{}
	add := func(prefix string, params []rnncell.NamedParam, device string) {
		if device == "" {
			device = hostDevice
		}
		for _, p := range rnncell.Prefix(prefix, params) {
			if seen[p.Var] {
				continue
			}
			seen[p.Var] = true
			m.params = append(m.params, Param{
				Name:   p.Name,
				Var:    p.Var,
				Shape:  p.Shape,
				Device: device,
			})
		}
	}
	add(m.SrcEmbedding.Name, m.SrcEmbedding.NamedParameters(), hostDevice)
	add(m.TgtEmbedding.Name, m.TgtEmbedding.NamedParameters(), hostDevice)

	// The device of the last layer added, which attention
	// layers share.
	var lastDevice string
	addLayered := func(prefix string, l rnncell.Layered) {
		if stack, ok := l.(rnncell.Stack); ok {
			devices := stack.Devices()
			for i, cell := range stack {
				add(fmt.Sprintf("%s/cell_%d", prefix, i), rnncell.NamedParameters(cell),
					devices[i])
				lastDevice = devices[i]
			}
		} else {
			add(prefix, rnncell.NamedParameters(l), "")
			lastDevice = ""
		}
	}
	addLayered("encoder/fw", m.Encoder.Forward.Layered)
	if m.Encoder.Backward != nil {
		addLayered("encoder/bw", m.Encoder.Backward.Layered)
	}
	if att := m.Decoder.Attention; att != nil {
		addLayered("decoder", att.Stack)
		add("decoder/attention", att.NamedParameters(), lastDevice)
	} else {
		addLayered("decoder", m.Decoder.Block.Layered)
	}
	add("decoder/output_projection", m.Decoder.Projection.NamedParameters(), hostDevice)
}

// Params returns the trainable parameters.
func (m *Model) Params() []Param {
	return append([]Param{}, m.params...)
}

// Parameters returns the trainable variables.
func (m *Model) Parameters() []*anydiff.Var {
	res := make([]*anydiff.Var, len(m.params))
	for i, p := range m.params {
		res[i] = p.Var
	}
	return res
}

// ParamValues returns a copy of every parameter's value.
func (m *Model) ParamValues() map[string][]float64 {
	res := map[string][]float64{}
	for _, p := range m.params {
		res[p.Name] = append([]float64{}, floatsOf(p.Var.Vector)...)
	}
	return res
}

// SetParams overwrites parameters by name.
// Every parameter must be present with the right size.
func (m *Model) SetParams(values map[string][]float64) error {
	for _, p := range m.params {
		data, ok := values[p.Name]
		if !ok {
			return errors.Errorf("set params: missing %s", p.Name)
		}
		if len(data) != p.Var.Vector.Len() {
			return errors.Errorf("set params: %s has %d values, expected %d", p.Name,
				len(data), p.Var.Vector.Len())
		}
		setFloats(p.Var.Vector, data)
	}
	return nil
}

// A modelVariant determines how the decoder uses the
// encoder's results.
// It is chosen once when a Model is built.
type modelVariant interface {
	buildEncoder(m *Model, init rnncell.Initializer,
		cellFn rnncell.SingleCellFn) (*Encoder, error)
	buildDecoder(m *Model, init rnncell.Initializer,
		cellFn rnncell.SingleCellFn) (*Decoder, error)

	// initialState prepares the decoder for an encoding
	// and returns its start state.
	initialState(d *Decoder, enc *Encoding) *rnncell.State

	// encoderGrads converts the gradients of the decoder's
	// start state and memory into encoder gradients.
	encoderGrads(d *Decoder, enc *Encoding, start *rnncell.StateGrad,
		g anydiff.Grad) ([]*anyseq.Batch, *rnncell.StateGrad)
}

type basicVariant struct{}

func (basicVariant) buildEncoder(m *Model, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) (*Encoder, error) {
	return NewEncoder(m.Creator, &m.HParams, m.Mode, m.SrcEmbedding, init, cellFn)
}

func (basicVariant) buildDecoder(m *Model, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) (*Decoder, error) {
	hp := &m.HParams
	if hp.Attention {
		return nil, configErr("attention", hp.Attention, "basic model doesn't support attention")
	}
	stack, err := createDecoderStack(m, hp.NumUnits, init, cellFn)
	if err != nil {
		return nil, err
	}
	if err := checkStateCompat(m.Encoder, stack.LayerSizes()); err != nil {
		return nil, err
	}
	return newDecoder(m, &rnncell.Block{Creator: m.Creator, Layered: stack}, nil, init), nil
}

func (basicVariant) initialState(d *Decoder, enc *Encoding) *rnncell.State {
	return enc.State
}

func (basicVariant) encoderGrads(d *Decoder, enc *Encoding, start *rnncell.StateGrad,
	g anydiff.Grad) ([]*anyseq.Batch, *rnncell.StateGrad) {
	return nil, start
}

type attentionVariant struct{}

func (attentionVariant) buildEncoder(m *Model, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) (*Encoder, error) {
	return NewEncoder(m.Creator, &m.HParams, m.Mode, m.SrcEmbedding, init, cellFn)
}

func (attentionVariant) buildDecoder(m *Model, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) (*Decoder, error) {
	hp := &m.HParams
	klog.Infof("  attention=%s, pass_hidden_state=%v", hp.AttentionOption, hp.PassHiddenState)
	stack, err := createDecoderStack(m, m.TgtEmbedding.Dim+hp.NumUnits, init, cellFn)
	if err != nil {
		return nil, err
	}
	if hp.PassHiddenState {
		if err := checkStateCompat(m.Encoder, stack.LayerSizes()); err != nil {
			return nil, err
		}
	}
	att, err := NewAttentionCell(m.Creator, stack, hp.AttentionOption, hp.NumUnits,
		m.Encoder.OutSize(), init)
	if err != nil {
		return nil, err
	}
	return newDecoder(m, &rnncell.Block{Creator: m.Creator, Layered: att}, att, init), nil
}

func (attentionVariant) initialState(d *Decoder, enc *Encoding) *rnncell.State {
	d.Attention.Memory = enc.Memory()
	n := len(enc.Lengths)
	zero := rnncell.ZeroState(d.Block.Creator, d.Attention.LayerSizes(), n)
	if !d.PassHiddenState {
		return zero
	}
	numLayers := len(enc.State.Layers)
	return &rnncell.State{
		Layers:     append(append([][]anyvec.Vector{}, enc.State.Layers...), zero.Layers[numLayers]),
		Sizes:      zero.Sizes,
		PresentMap: zero.PresentMap,
	}
}

func (attentionVariant) encoderGrads(d *Decoder, enc *Encoding, start *rnncell.StateGrad,
	g anydiff.Grad) ([]*anyseq.Batch, *rnncell.StateGrad) {
	outGrads := enc.MemoryGrads(d.Attention.Memory, g)
	if !d.PassHiddenState {
		return outGrads, nil
	}
	numLayers := len(start.Layers) - 1
	return outGrads, &rnncell.StateGrad{
		Layers:     start.Layers[:numLayers],
		Sizes:      start.Sizes[:numLayers],
		PresentMap: start.PresentMap,
	}
}

func createDecoderStack(m *Model, inSize int, init rnncell.Initializer,
	cellFn rnncell.SingleCellFn) (rnncell.Stack, error) {
	hp := &m.HParams
	klog.Infof("# Build a basic decoder")
	klog.Infof("  num_layers = %d, num_residual_layers=%d", hp.NumDecoderLayers,
		hp.DecoderResidualLayers())
	cfg := cellConfig(m.Creator, hp, m.Mode, init, cellFn)
	cfg.InSize = inSize
	cfg.NumLayers = hp.NumDecoderLayers
	cfg.NumResidualLayers = hp.DecoderResidualLayers()
	cfg.DropoutSeed += uint64(hp.NumEncoderLayers)
	stack, err := rnncell.Create(cfg)
	if err != nil {
		return nil, fromCellError(err, "create decoder")
	}
	return stack, nil
}

// checkStateCompat makes sure that the encoder's final
// state can seed a decoder with the given layer sizes.
func checkStateCompat(enc *Encoder, decoderSizes [][]int) error {
	encSizes := enc.Forward.Layered.LayerSizes()
	if enc.Backward != nil {
		var interleaved [][]int
		bwSizes := enc.Backward.Layered.LayerSizes()
		for i := range encSizes {
			interleaved = append(interleaved, encSizes[i], bwSizes[i])
		}
		encSizes = interleaved
	}
	if len(encSizes) != len(decoderSizes) {
		return configErr("num_decoder_layers", len(decoderSizes),
			fmt.Sprintf("encoder state has %d layers", len(encSizes)))
	}
	for i, sizes := range encSizes {
		if fmt.Sprint(sizes) != fmt.Sprint(decoderSizes[i]) {
			return configErr("unit_type", fmt.Sprint(decoderSizes[i]),
				fmt.Sprintf("encoder state layer %d has sizes %v", i, sizes))
		}
	}
	return nil
}

func newDecoder(m *Model, block *rnncell.Block, att *AttentionCell,
	init rnncell.Initializer) *Decoder {
	hp := &m.HParams
	return &Decoder{
		Embedding:       m.TgtEmbedding,
		Block:           block,
		Attention:       att,
		Projection:      rnncell.NewDense(m.Creator, hp.NumUnits, hp.TgtVocabSize, false, init),
		PassHiddenState: hp.PassHiddenState,
		SOS:             m.TgtVocab.Lookup(hp.SOS),
		EOS:             m.TgtVocab.Lookup(hp.EOS),
	}
}

func newRand(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), stream))
}
