package nmt

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestHParamsSaveLoad(t *testing.T) {
	h := testHParams()
	h.UnitType = "gru"
	h.DecayScheme = "luong10"
	path := filepath.Join(t.TempDir(), "hparams.json")
	if err := h.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadHParams(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(h, loaded) {
		t.Errorf("expected %+v but got %+v", h, loaded)
	}
}

func TestHParamsResidualLayers(t *testing.T) {
	h := testHParams()
	h.NumEncoderResidualLayers = 1
	h.NumDecoderResidualLayers = 0
	if h.EncoderResidualLayers() != 1 || h.DecoderResidualLayers() != 0 {
		t.Error("unexpected residual layers")
	}
	shared := 2
	h.NumResidualLayers = &shared
	if h.EncoderResidualLayers() != 2 || h.DecoderResidualLayers() != 2 {
		t.Error("num_residual_layers should override both sides")
	}
}

func TestHParamsValidate(t *testing.T) {
	if err := testHParams().Validate(); err != nil {
		t.Fatal(err)
	}
	cases := map[string]func(h *HParams){
		"num_units": func(h *HParams) {
			h.NumUnits = 0
		},
		"bi": func(h *HParams) {
			h.EncoderType = "bi"
			h.NumEncoderLayers = 1
		},
		"dropout": func(h *HParams) {
			h.Dropout = 1
		},
		"residual": func(h *HParams) {
			h.NumDecoderResidualLayers = 3
		},
		"share_vocab": func(h *HParams) {
			h.ShareVocab = true
			h.TgtVocabSize = 9
		},
		"beam_width": func(h *HParams) {
			h.BeamWidth = -1
		},
	}
	for name, modify := range cases {
		h := testHParams()
		modify(h)
		if err := h.Validate(); !IsConfigurationError(err) {
			t.Errorf("%s: expected configuration error but got %v", name, err)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{Train, Eval, Infer} {
		parsed, err := ParseMode(mode.String())
		if err != nil || parsed != mode {
			t.Errorf("mode %s: got %v, %v", mode, parsed, err)
		}
	}
	if _, err := ParseMode("predict"); err == nil {
		t.Error("expected error")
	}
}
