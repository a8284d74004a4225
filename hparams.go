package nmt

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Mode determines which operations a Model supports.
type Mode int

const (
	Train Mode = iota
	Eval
	Infer
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	case Infer:
		return "infer"
	}
	return "unknown"
}

// ParseMode converts a mode name into a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "train":
		return Train, nil
	case "eval":
		return Eval, nil
	case "infer":
		return Infer, nil
	}
	return 0, configErr("mode", name, "expected train, eval, or infer")
}

// HParams stores the hyperparameters of a model.
//
// HParams should not be modified after it has been used
// to create a Model.
type HParams struct {
	SrcVocabSize int    `json:"src_vocab_size"`
	TgtVocabSize int    `json:"tgt_vocab_size"`
	SrcVocabFile string `json:"src_vocab_file"`
	TgtVocabFile string `json:"tgt_vocab_file"`
	SrcEmbedFile string `json:"src_embed_file"`
	TgtEmbedFile string `json:"tgt_embed_file"`
	ShareVocab   bool   `json:"share_vocab"`

	SOS string `json:"sos"`
	EOS string `json:"eos"`
	UNK string `json:"unk"`

	NumUnits                 int  `json:"num_units"`
	NumEncoderLayers         int  `json:"num_encoder_layers"`
	NumDecoderLayers         int  `json:"num_decoder_layers"`
	NumEncoderResidualLayers int  `json:"num_encoder_residual_layers"`
	NumDecoderResidualLayers int  `json:"num_decoder_residual_layers"`
	NumEmbeddingsPartitions  int  `json:"num_embeddings_partitions"`
	TimeMajor                bool `json:"time_major"`

	// NumResidualLayers, when set, overrides both of the
	// encoder and decoder residual layer counts.
	NumResidualLayers *int `json:"num_residual_layers,omitempty"`

	UnitType    string  `json:"unit_type"`
	EncoderType string  `json:"encoder_type"`
	ForgetBias  float64 `json:"forget_bias"`
	Dropout     float64 `json:"dropout"`

	Attention       bool   `json:"attention"`
	AttentionOption string `json:"attention_option"`
	PassHiddenState bool   `json:"pass_hidden_state"`

	InitOp     string  `json:"init_op"`
	InitWeight float64 `json:"init_weight"`
	RandomSeed int64   `json:"random_seed"`

	Optimizer                string  `json:"optimizer"`
	LearningRate             float64 `json:"learning_rate"`
	MaxGradientNorm          float64 `json:"max_gradient_norm"`
	ColocateGradientsWithOps bool    `json:"colocate_gradients_with_ops"`
	WarmupSteps              int     `json:"warmup_steps"`
	WarmupScheme             string  `json:"warmup_scheme"`
	DecayScheme              string  `json:"decay_scheme"`
	NumTrainSteps            int     `json:"num_train_steps"`

	BatchSize      int `json:"batch_size"`
	InferBatchSize int `json:"infer_batch_size"`
	NumBuckets     int `json:"num_buckets"`
	SrcMaxLen      int `json:"src_max_len"`
	TgtMaxLen      int `json:"tgt_max_len"`
	SrcMaxLenInfer int `json:"src_max_len_infer"`

	// TgtMaxLenInfer caps the decoding length.
	// If it is 0, the cap is derived from the source
	// lengths with DecodingLengthFactor.
	TgtMaxLenInfer       int     `json:"tgt_max_len_infer"`
	DecodingLengthFactor float64 `json:"decoding_length_factor"`

	BeamWidth           int     `json:"beam_width"`
	LengthPenaltyWeight float64 `json:"length_penalty_weight"`
	SamplingTemperature float64 `json:"sampling_temperature"`

	NumGPUs      int    `json:"num_gpus"`
	NumKeepCkpts int    `json:"num_keep_ckpts"`
	StepsPerStat int    `json:"steps_per_stats"`
	OutDir       string `json:"out_dir"`
}

// DefaultHParams returns the default hyperparameters.
func DefaultHParams() *HParams {
	return &HParams{
		SOS: "<s>",
		EOS: "</s>",
		UNK: "<unk>",

		NumUnits:                32,
		NumEncoderLayers:        2,
		NumDecoderLayers:        2,
		NumEmbeddingsPartitions: 0,
		TimeMajor:               true,

		UnitType:    "lstm",
		EncoderType: "uni",
		ForgetBias:  1,
		Dropout:     0.2,

		AttentionOption: "luong",
		PassHiddenState: true,

		InitOp:     "uniform",
		InitWeight: 0.1,

		Optimizer:       "sgd",
		LearningRate:    1,
		MaxGradientNorm: 5,
		WarmupScheme:    "t2t",
		NumTrainSteps:   12000,

		BatchSize:      128,
		InferBatchSize: 32,
		NumBuckets:     5,
		SrcMaxLen:      50,
		TgtMaxLen:      50,

		DecodingLengthFactor: 2,

		NumKeepCkpts: 5,
		StepsPerStat: 100,
	}
}

// LoadHParams reads a JSON file of hyperparameters over
// the defaults.
func LoadHParams(path string) (*HParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load hparams")
	}
	res := DefaultHParams()
	if err := json.Unmarshal(data, res); err != nil {
		return nil, errors.Wrapf(err, "load hparams %s", path)
	}
	return res, nil
}

// Save writes the hyperparameters as JSON.
func (h *HParams) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save hparams")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "save hparams")
}

// EncoderResidualLayers returns the number of residual
// layers in the encoder.
func (h *HParams) EncoderResidualLayers() int {
	if h.NumResidualLayers != nil {
		return *h.NumResidualLayers
	}
	return h.NumEncoderResidualLayers
}

// DecoderResidualLayers returns the number of residual
// layers in the decoder.
func (h *HParams) DecoderResidualLayers() int {
	if h.NumResidualLayers != nil {
		return *h.NumResidualLayers
	}
	return h.NumDecoderResidualLayers
}

// Validate checks the hyperparameters for errors which
// can be detected without building a model.
func (h *HParams) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"src_vocab_size", h.SrcVocabSize},
		{"tgt_vocab_size", h.TgtVocabSize},
		{"num_units", h.NumUnits},
		{"num_encoder_layers", h.NumEncoderLayers},
		{"num_decoder_layers", h.NumDecoderLayers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return configErr(p.name, p.value, "must be positive")
		}
	}
	if r := h.EncoderResidualLayers(); r < 0 || r > h.NumEncoderLayers {
		return configErr("num_encoder_residual_layers", r, "must be at most num_encoder_layers")
	}
	if r := h.DecoderResidualLayers(); r < 0 || r > h.NumDecoderLayers {
		return configErr("num_decoder_residual_layers", r, "must be at most num_decoder_layers")
	}
	if h.EncoderType != "uni" && h.EncoderType != "bi" {
		return configErr("encoder_type", h.EncoderType, "unknown encoder type")
	}
	if h.EncoderType == "bi" && h.NumEncoderLayers < 2 {
		return configErr("num_encoder_layers", h.NumEncoderLayers,
			"bi encoder needs at least two layers")
	}
	if h.Dropout < 0 || h.Dropout >= 1 {
		return configErr("dropout", h.Dropout, "must be in [0, 1)")
	}
	if h.BeamWidth < 0 {
		return configErr("beam_width", h.BeamWidth, "must not be negative")
	}
	if h.SamplingTemperature < 0 {
		return configErr("sampling_temperature", h.SamplingTemperature,
			"must not be negative")
	}
	if h.ShareVocab && h.SrcVocabSize != h.TgtVocabSize {
		return configErr("share_vocab", h.ShareVocab,
			"requires src_vocab_size == tgt_vocab_size")
	}
	if h.Optimizer != "sgd" && h.Optimizer != "adam" {
		return configErr("optimizer", h.Optimizer, "unknown optimizer")
	}
	if _, err := NewSchedule(h); err != nil {
		return err
	}
	return nil
}
