package nmt

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/nmt/rnncell"
	"github.com/unixpickle/nmt/vocab"
	"k8s.io/klog/v2"
)

// An Embedding maps token ids to vectors.
//
// The embedding matrix is stored as a list of row ranges
// (partitions), each of which is its own variable.
// Frozen partitions are not reported by Parameters.
type Embedding struct {
	Name  string
	Dim   int
	Parts []*anydiff.Var

	// Offsets[i] is the first row of Parts[i].
	Offsets []int
	Frozen  []bool
}

// NewEmbedding creates a randomly initialized embedding
// matrix split into numPartitions row ranges.
func NewEmbedding(c anyvec.Creator, name string, vocabSize, dim, numPartitions int,
	init rnncell.Initializer) *Embedding {
	numPartitions = essentials.MaxInt(1, essentials.MinInt(numPartitions, vocabSize))
	res := &Embedding{Name: name, Dim: dim}
	for i := 0; i < numPartitions; i++ {
		start := i * vocabSize / numPartitions
		end := (i + 1) * vocabSize / numPartitions
		v := anydiff.NewVar(c.MakeVector((end - start) * dim))
		init(v.Vector, vocabSize, dim)
		res.Parts = append(res.Parts, v)
		res.Offsets = append(res.Offsets, start)
		res.Frozen = append(res.Frozen, false)
	}
	return res
}

// NewPretrainedEmbedding creates an embedding matrix from
// pretrained vectors.
//
// The first numTrainable tokens of the vocabulary (the
// special tokens) are trainable and default to zero
// vectors when the pretrained file lacks them.
// Every other token must have a pretrained vector, and
// those rows are frozen.
func NewPretrainedEmbedding(c anyvec.Creator, name string, v *vocab.Vocab,
	vectors map[string][]float64, dim, numTrainable int) (*Embedding, error) {
	numTrainable = essentials.MinInt(numTrainable, v.Size())
	var trainable, frozen []float64
	for id := 0; id < v.Size(); id++ {
		token := v.Token(id)
		vec, ok := vectors[token]
		if !ok {
			if id >= numTrainable {
				return nil, errors.Errorf("embedding %s: no pretrained vector for %q",
					name, token)
			}
			vec = make([]float64, dim)
		} else if len(vec) != dim {
			return nil, errors.Errorf("embedding %s: token %q has %d dimensions, expected %d",
				name, token, len(vec), dim)
		}
		if id < numTrainable {
			trainable = append(trainable, vec...)
		} else {
			frozen = append(frozen, vec...)
		}
	}
	res := &Embedding{Name: name, Dim: dim}
	res.Parts = append(res.Parts, anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(trainable))))
	res.Offsets = append(res.Offsets, 0)
	res.Frozen = append(res.Frozen, false)
	if len(frozen) > 0 {
		res.Parts = append(res.Parts, anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(frozen))))
		res.Offsets = append(res.Offsets, numTrainable)
		res.Frozen = append(res.Frozen, true)
	}
	klog.V(1).Infof("  %s: %d trainable rows, %d pretrained rows", name, numTrainable,
		v.Size()-numTrainable)
	return res, nil
}

// VocabSize returns the number of rows.
func (e *Embedding) VocabSize() int {
	last := len(e.Parts) - 1
	return e.Offsets[last] + e.Parts[last].Vector.Len()/e.Dim
}

// Parameters returns the trainable partitions.
func (e *Embedding) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for i, p := range e.Parts {
		if !e.Frozen[i] {
			res = append(res, p)
		}
	}
	return res
}

// NamedParameters names the trainable partitions by their
// index among all partitions.
func (e *Embedding) NamedParameters() []rnncell.NamedParam {
	var res []rnncell.NamedParam
	for i, p := range e.Parts {
		if !e.Frozen[i] {
			res = append(res, rnncell.NamedParam{
				Name:  fmt.Sprintf("part_%d", i),
				Var:   p,
				Shape: []int{p.Vector.Len() / e.Dim, e.Dim},
			})
		}
	}
	return res
}

// Lookup creates a packed vector with one row per id.
func (e *Embedding) Lookup(ids []int) anyvec.Vector {
	c := e.Parts[0].Vector.Creator()
	rows := make([]anyvec.Vector, len(ids))
	for i, id := range ids {
		part, row := e.locate(id)
		rows[i] = e.Parts[part].Vector.Slice(row*e.Dim, (row+1)*e.Dim)
	}
	if len(rows) == 0 {
		return c.MakeVector(0)
	}
	return c.Concat(rows...)
}

// Propagate accumulates the gradient of a packed vector
// produced by Lookup into g.
// Partitions which are not in g are skipped.
func (e *Embedding) Propagate(ids []int, upstream anyvec.Vector, g anydiff.Grad) {
	up := floatsOf(upstream)
	sums := map[int][]float64{}
	for i, id := range ids {
		part, row := e.locate(id)
		if _, ok := g[e.Parts[part]]; !ok {
			continue
		}
		sum, ok := sums[part]
		if !ok {
			sum = make([]float64, e.Parts[part].Vector.Len())
			sums[part] = sum
		}
		for j := 0; j < e.Dim; j++ {
			sum[row*e.Dim+j] += up[i*e.Dim+j]
		}
	}
	for part, sum := range sums {
		gradVec := g[e.Parts[part]]
		gradVec.Add(gradVec.Creator().MakeVectorData(gradVec.Creator().MakeNumericList(sum)))
	}
}

func (e *Embedding) locate(id int) (part, row int) {
	if id < 0 || id >= e.VocabSize() {
		panic("token id out of range")
	}
	for i := len(e.Offsets) - 1; i >= 0; i-- {
		if id >= e.Offsets[i] {
			return i, id - e.Offsets[i]
		}
	}
	panic("unreachable")
}
