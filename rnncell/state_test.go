package rnncell

import (
	"reflect"
	"testing"

	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testState() *State {
	c := anyvec64.DefaultCreator{}
	return &State{
		Layers: [][]anyvec.Vector{
			{
				c.MakeVectorData([]float64{1, 2, 3, 4, 5, 6}),
				c.MakeVectorData([]float64{-1, -2, -3}),
			},
		},
		Sizes:      [][]int{{2, 1}},
		PresentMap: anyrnn.PresentMap{true, true, true},
	}
}

func stateData(layers [][]anyvec.Vector) [][][]float64 {
	res := make([][][]float64, len(layers))
	for i, layer := range layers {
		for _, part := range layer {
			res[i] = append(res[i], part.Data().([]float64))
		}
	}
	return res
}

func TestStateReduce(t *testing.T) {
	s := testState().Reduce(anyrnn.PresentMap{true, false, true}).(*State)
	expected := [][][]float64{{{1, 2, 5, 6}, {-1, -3}}}
	if actual := stateData(s.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
	row := s.Row(2)
	if actual := stateData(row); !reflect.DeepEqual(actual, [][][]float64{{{5, 6}, {-3}}}) {
		t.Errorf("unexpected row: %v", actual)
	}
}

func TestStateTile(t *testing.T) {
	s := testState().Tile(2)
	expected := [][][]float64{{{1, 2, 1, 2, 3, 4, 3, 4, 5, 6, 5, 6},
		{-1, -1, -2, -2, -3, -3}}}
	if actual := stateData(s.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
	if len(s.PresentMap) != 6 {
		t.Errorf("bad present map: %v", s.PresentMap)
	}

	grad := (*StateGrad)(s).Untile(2)
	expected = [][][]float64{{{2, 4, 6, 8, 10, 12}, {-2, -4, -6}}}
	if actual := stateData(grad.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
}

func TestStateGather(t *testing.T) {
	s := testState().Gather([]int{2, 0, 0})
	expected := [][][]float64{{{5, 6, 1, 2, 1, 2}, {-3, -1, -1}}}
	if actual := stateData(s.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
}

func TestStateJoinRows(t *testing.T) {
	s := testState()
	joined := JoinRows(anyvec64.DefaultCreator{}, s.Sizes, [][][]anyvec.Vector{
		s.Row(1),
		s.Row(0),
	})
	expected := [][][]float64{{{3, 4, 1, 2}, {-2, -1}}}
	if actual := stateData(joined.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
}

func TestInterleave(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	fw := ZeroState(c, [][]int{{1}, {1}}, 2)
	bw := ZeroState(c, [][]int{{2}, {2}}, 2)
	joined := Interleave(fw, bw)
	expectedSizes := [][]int{{1}, {2}, {1}, {2}}
	if !reflect.DeepEqual(joined.Sizes, expectedSizes) {
		t.Fatalf("expected sizes %v but got %v", expectedSizes, joined.Sizes)
	}
	fwGrad, bwGrad := (*StateGrad)(joined).Deinterleave()
	if !reflect.DeepEqual(fwGrad.Sizes, fw.Sizes) || !reflect.DeepEqual(bwGrad.Sizes, bw.Sizes) {
		t.Error("deinterleaving did not invert interleaving")
	}
}

func TestStateGradExpand(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	grad := &StateGrad{
		Layers:     [][]anyvec.Vector{{c.MakeVectorData([]float64{1, 2})}},
		Sizes:      [][]int{{1}},
		PresentMap: anyrnn.PresentMap{false, true, true},
	}
	expanded := grad.Expand(anyrnn.PresentMap{true, true, true}).(*StateGrad)
	expected := [][][]float64{{{0, 1, 2}}}
	if actual := stateData(expanded.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}

	expanded.AddRow(2, [][]anyvec.Vector{{c.MakeVectorData([]float64{3})}})
	expected = [][][]float64{{{0, 1, 5}}}
	if actual := stateData(expanded.Layers); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
}
