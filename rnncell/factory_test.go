package rnncell

import (
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
)

func testConfig(unit string) *Config {
	return &Config{
		Creator:    anyvec64.DefaultCreator{},
		UnitType:   unit,
		NumUnits:   4,
		InSize:     4,
		NumLayers:  3,
		ForgetBias: 1,
	}
}

func TestCreateUnits(t *testing.T) {
	for _, unit := range []string{UnitLSTM, UnitGRU, UnitLayerNormLSTM, UnitNAS} {
		t.Run(unit, func(t *testing.T) {
			stack, err := Create(testConfig(unit))
			if err != nil {
				t.Fatal(err)
			}
			if len(stack) != 3 {
				t.Fatalf("expected 3 layers but got %d", len(stack))
			}
			if stack.OutSize() != 4 {
				t.Errorf("bad out size: %d", stack.OutSize())
			}
			expectedParts := 2
			if unit == UnitGRU {
				expectedParts = 1
			}
			for i, sizes := range stack.LayerSizes() {
				if len(sizes) != expectedParts {
					t.Errorf("layer %d: expected %d state parts but got %d", i,
						expectedParts, len(sizes))
				}
			}
			if len(stack.Parameters()) == 0 {
				t.Error("no parameters")
			}
		})
	}
}

func TestCreateErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"unit_type": func(c *Config) {
			c.UnitType = "foo"
		},
		"num_layers": func(c *Config) {
			c.NumLayers = 0
		},
		"num_residual_layers": func(c *Config) {
			c.NumResidualLayers = 4
		},
	}
	for field, modify := range cases {
		c := testConfig(UnitLSTM)
		modify(c)
		_, err := Create(c)
		if err == nil {
			t.Errorf("%s: expected error", field)
			continue
		}
		configErr, ok := err.(*ConfigError)
		if !ok {
			t.Errorf("%s: unexpected error type %T", field, err)
		} else if configErr.Field != field {
			t.Errorf("%s: unexpected field %s", field, configErr.Field)
		}
	}

	c := testConfig(UnitLSTM)
	c.InSize = 3
	c.NumResidualLayers = 3
	if _, err := Create(c); err == nil {
		t.Error("expected error for a residual layer that changes sizes")
	}
}

func TestCreateWrappers(t *testing.T) {
	c := testConfig(UnitLSTM)
	c.NumLayers = 4
	c.NumResidualLayers = 2
	c.Dropout = 0.2
	c.Train = true
	c.NumGPUs = 2
	c.BaseGPU = 1
	stack, err := Create(c)
	if err != nil {
		t.Fatal(err)
	}
	for i, cell := range stack {
		device, ok := cell.(*Device)
		if !ok {
			t.Fatalf("layer %d: expected *Device but got %T", i, cell)
		}
		inner := device.Cell
		if i >= 2 {
			res, ok := inner.(*Residual)
			if !ok {
				t.Fatalf("layer %d: expected *Residual but got %T", i, inner)
			}
			inner = res.Cell
		}
		drop, ok := inner.(*Dropout)
		if !ok {
			t.Fatalf("layer %d: expected *Dropout but got %T", i, inner)
		}
		if drop.KeepProb != 0.8 {
			t.Errorf("layer %d: bad keep prob %f", i, drop.KeepProb)
		}
		if _, ok := drop.Cell.(*LSTM); !ok {
			t.Errorf("layer %d: expected *LSTM but got %T", i, drop.Cell)
		}
	}
	expected := []string{"/gpu:1", "/gpu:0", "/gpu:1", "/gpu:0"}
	for i, d := range stack.Devices() {
		if d != expected[i] {
			t.Errorf("layer %d: expected %s but got %s", i, expected[i], d)
		}
	}

	c.Train = false
	stack, err = Create(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stack[0].(*Device).Cell.(*LSTM); !ok {
		t.Error("dropout should only apply in training")
	}
}

func TestCreateSingleCellFn(t *testing.T) {
	c := testConfig("custom")
	var inSizes []int
	c.SingleCellFn = func(c *Config, inSize int) (Cell, error) {
		inSizes = append(inSizes, inSize)
		return NewGRU(c.Creator, inSize, c.NumUnits, c.Init), nil
	}
	c.InSize = 7
	if _, err := Create(c); err != nil {
		t.Fatal(err)
	}
	if len(inSizes) != 3 || inSizes[0] != 7 || inSizes[1] != 4 || inSizes[2] != 4 {
		t.Errorf("unexpected input sizes: %v", inSizes)
	}
}

func TestDeviceString(t *testing.T) {
	if s := DeviceString(3, 0); s != "/cpu:0" {
		t.Errorf("unexpected device: %s", s)
	}
	if s := DeviceString(5, 4); s != "/gpu:1" {
		t.Errorf("unexpected device: %s", s)
	}
}
