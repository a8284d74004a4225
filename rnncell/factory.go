package rnncell

import (
	"strconv"

	"github.com/unixpickle/anyvec"
	"k8s.io/klog/v2"
)

// Supported unit types.
const (
	UnitLSTM          = "lstm"
	UnitGRU           = "gru"
	UnitLayerNormLSTM = "layer_norm_lstm"
	UnitNAS           = "nas"
)

// A SingleCellFn creates the unit cell for one layer.
// It replaces the built-in unit types when set.
type SingleCellFn func(c *Config, inSize int) (Cell, error)

// Config describes a multi-layer recurrent cell.
type Config struct {
	Creator anyvec.Creator

	UnitType          string
	NumUnits          int
	InSize            int
	NumLayers         int
	NumResidualLayers int
	ForgetBias        float64

	// Dropout is the probability of dropping a layer's
	// input.
	// It only applies when Train is set.
	Dropout     float64
	Train       bool
	DropoutSeed uint64

	NumGPUs int
	BaseGPU int

	SingleCellFn SingleCellFn
	Init         Initializer
}

// Create builds a Stack for the configuration.
//
// Every layer is wrapped, in order, with dropout,
// a residual connection (the top NumResidualLayers layers
// only), and a device placement.
func Create(c *Config) (Stack, error) {
	if c.NumLayers <= 0 {
		return nil, &ConfigError{Field: "num_layers", Value: strconv.Itoa(c.NumLayers),
			Reason: "must be positive"}
	}
	if c.NumResidualLayers < 0 || c.NumResidualLayers > c.NumLayers {
		return nil, &ConfigError{Field: "num_residual_layers",
			Value:  strconv.Itoa(c.NumResidualLayers),
			Reason: "must be between 0 and num_layers"}
	}
	var res Stack
	inSize := c.InSize
	for i := 0; i < c.NumLayers; i++ {
		var unit Cell
		var err error
		if c.SingleCellFn != nil {
			unit, err = c.SingleCellFn(c, inSize)
		} else {
			unit, err = NewUnitCell(c, inSize)
		}
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("  cell %d %s", i, c.UnitType)

		cell := unit
		if c.Train && c.Dropout > 0 {
			cell = NewDropout(cell, 1-c.Dropout, c.DropoutSeed+uint64(i))
			klog.V(1).Infof("  dropout=%g", c.Dropout)
		}
		if i >= c.NumLayers-c.NumResidualLayers {
			if inSize != cell.OutSize() {
				return nil, &ConfigError{Field: "num_residual_layers",
					Value:  strconv.Itoa(c.NumResidualLayers),
					Reason: "residual layer " + strconv.Itoa(i) + " changes the vector size"}
			}
			cell = &Residual{Cell: cell}
			klog.V(1).Infof("  residual")
		}
		device := DeviceString(i+c.BaseGPU, c.NumGPUs)
		cell = &Device{Cell: cell, Name: device}
		klog.V(1).Infof("  device %s", device)

		res = append(res, cell)
		inSize = cell.OutSize()
	}
	return res, nil
}

// NewUnitCell creates a single, unwrapped cell of the
// configured unit type.
func NewUnitCell(c *Config, inSize int) (Cell, error) {
	switch c.UnitType {
	case UnitLSTM:
		return NewLSTM(c.Creator, inSize, c.NumUnits, c.ForgetBias, c.Init), nil
	case UnitGRU:
		return NewGRU(c.Creator, inSize, c.NumUnits, c.Init), nil
	case UnitLayerNormLSTM:
		return NewLayerNormLSTM(c.Creator, inSize, c.NumUnits, c.ForgetBias, c.Init), nil
	case UnitNAS:
		return NewNAS(c.Creator, inSize, c.NumUnits, c.Init), nil
	default:
		return nil, &ConfigError{Field: "unit_type", Value: c.UnitType,
			Reason: "unknown unit type"}
	}
}
