package rnncell

import (
	"reflect"
	"testing"
)

func TestNamedParameters(t *testing.T) {
	for _, unit := range []string{UnitLSTM, UnitGRU, UnitLayerNormLSTM, UnitNAS} {
		t.Run(unit, func(t *testing.T) {
			c := testConfig(unit)
			c.Train = true
			c.Dropout = 0.2
			c.NumResidualLayers = 1
			stack, err := Create(c)
			if err != nil {
				t.Fatal(err)
			}
			for i, cell := range stack {
				named := NamedParameters(cell)
				params := cell.Parameters()
				if len(named) != len(params) {
					t.Fatalf("layer %d: %d names for %d parameters", i, len(named), len(params))
				}
				seen := map[string]bool{}
				for j, p := range named {
					if p.Var != params[j] {
						t.Errorf("layer %d: %s is out of order", i, p.Name)
					}
					if seen[p.Name] {
						t.Errorf("layer %d: duplicate name %s", i, p.Name)
					}
					seen[p.Name] = true
					size := 1
					for _, x := range p.Shape {
						size *= x
					}
					if size != p.Var.Vector.Len() {
						t.Errorf("layer %d: %s has shape %v but %d entries", i, p.Name,
							p.Shape, p.Var.Vector.Len())
					}
				}
			}
		})
	}
}

func TestLSTMParamNames(t *testing.T) {
	stack, err := Create(testConfig(UnitLSTM))
	if err != nil {
		t.Fatal(err)
	}
	named := NamedParameters(stack[0])
	var names []string
	for _, p := range named[:3] {
		names = append(names, p.Name)
	}
	expected := []string{"input/input/kernel", "input/input/bias", "candidate/input/kernel"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v but got %v", expected, names)
	}
	if !reflect.DeepEqual(named[1].Shape, []int{4}) {
		t.Errorf("unexpected bias shape %v", named[1].Shape)
	}
	last := named[len(named)-1]
	if last.Name != "output/hidden/kernel" || !reflect.DeepEqual(last.Shape, []int{4, 4}) {
		t.Errorf("unexpected last parameter %s %v", last.Name, last.Shape)
	}
}
