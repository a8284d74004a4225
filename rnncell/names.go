package rnncell

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// A NamedParam is a trainable variable with a name
// relative to its owner and a row-major shape.
type NamedParam struct {
	Name  string
	Var   *anydiff.Var
	Shape []int
}

// A Namer can name its parameters.
// The names are listed in the order of Parameters.
type Namer interface {
	NamedParameters() []NamedParam
}

var gateNames = [numGates]string{"input", "candidate", "forget", "output"}

// NamedParameters names the parameters of p.
// Wrappers are looked through.
// Parameterizers which are not Namers get numbered names
// and flat shapes.
func NamedParameters(p anynet.Parameterizer) []NamedParam {
	switch p := p.(type) {
	case *Dropout:
		return NamedParameters(p.Cell)
	case *Residual:
		return NamedParameters(p.Cell)
	case *Device:
		return NamedParameters(p.Cell)
	case Namer:
		return p.NamedParameters()
	}
	var res []NamedParam
	for i, v := range p.Parameters() {
		res = append(res, NamedParam{
			Name:  fmt.Sprint(i),
			Var:   v,
			Shape: []int{v.Vector.Len()},
		})
	}
	return res
}

// Prefix prepends prefix and a slash to every name.
func Prefix(prefix string, params []NamedParam) []NamedParam {
	res := make([]NamedParam, len(params))
	for i, p := range params {
		p.Name = prefix + "/" + p.Name
		res[i] = p
	}
	return res
}

// NamedParameters returns the kernel and, if present, the
// bias.
// The kernel has one row per output, like anynet.FC.
func (d *Dense) NamedParameters() []NamedParam {
	res := []NamedParam{{
		Name:  "kernel",
		Var:   d.FC.Weights,
		Shape: []int{d.FC.OutCount, d.FC.InCount},
	}}
	if d.Bias {
		res = append(res, NamedParam{
			Name:  "bias",
			Var:   d.FC.Biases,
			Shape: []int{d.FC.OutCount},
		})
	}
	return res
}

// NamedParameters names the gates, e.g. "forget/input/kernel".
func (l *LSTM) NamedParameters() []NamedParam {
	return namedGates(l.InGates[:], l.HiddenGates[:])
}

// NamedParameters names the gates and normalizers.
func (l *LayerNormLSTM) NamedParameters() []NamedParam {
	res := namedGates(l.InGates[:], l.HiddenGates[:])
	for i, norm := range l.GateNorms {
		res = append(res, Prefix(gateNames[i]+"/layer_norm", norm.NamedParameters())...)
	}
	return append(res, Prefix("state/layer_norm", l.CellNorm.NamedParameters())...)
}

// NamedParameters returns the gain and shift.
func (l *LayerNorm) NamedParameters() []NamedParam {
	return []NamedParam{
		{Name: "gamma", Var: l.Gain, Shape: []int{l.Size}},
		{Name: "beta", Var: l.Shift, Shape: []int{l.Size}},
	}
}

// NamedParameters names the gates.
func (g *GRU) NamedParameters() []NamedParam {
	var res []NamedParam
	for _, d := range []struct {
		name  string
		dense *Dense
	}{
		{"reset/input", g.InReset},
		{"reset/hidden", g.HiddenReset},
		{"update/input", g.InUpdate},
		{"update/hidden", g.HiddenUpdate},
		{"candidate/input", g.InCandidate},
		{"candidate/hidden", g.HiddenCandidate},
	} {
		res = append(res, Prefix(d.name, d.dense.NamedParameters())...)
	}
	return res
}

// NamedParameters names the branches by index.
func (s *NAS) NamedParameters() []NamedParam {
	var res []NamedParam
	for i, d := range s.InBranches {
		res = append(res, Prefix(fmt.Sprintf("branch_%d/input", i), d.NamedParameters())...)
	}
	for i, d := range s.HiddenBranches {
		res = append(res, Prefix(fmt.Sprintf("branch_%d/hidden", i), d.NamedParameters())...)
	}
	return res
}

func namedGates(in, hidden []*Dense) []NamedParam {
	var res []NamedParam
	for i, d := range in {
		res = append(res, Prefix(gateNames[i]+"/input", d.NamedParameters())...)
	}
	for i, d := range hidden {
		res = append(res, Prefix(gateNames[i]+"/hidden", d.NamedParameters())...)
	}
	return res
}
