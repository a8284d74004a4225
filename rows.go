package nmt

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// concatRows joins two packed batches of n rows, so that
// row i of the result is [a_i; b_i].
func concatRows(a anydiff.Res, aSize int, b anydiff.Res, bSize int, n int) anydiff.Res {
	parts := make([]anydiff.Res, 0, 2*n)
	for i := 0; i < n; i++ {
		parts = append(parts, anydiff.Slice(a, i*aSize, (i+1)*aSize),
			anydiff.Slice(b, i*bSize, (i+1)*bSize))
	}
	return anydiff.Concat(parts...)
}

// presentIndices lists the sequence indices which are
// present, in packed row order.
func presentIndices(present []bool) []int {
	var res []int
	for i, p := range present {
		if p {
			res = append(res, i)
		}
	}
	return res
}

// rowOf finds the packed row of a sequence.
func rowOf(present []bool, seqIdx int) int {
	var row int
	for _, p := range present[:seqIdx] {
		if p {
			row++
		}
	}
	return row
}

// sliceRow extracts row i of a packed vector.
func sliceRow(v anyvec.Vector, size, i int) anyvec.Vector {
	return v.Slice(i*size, (i+1)*size)
}

// allPresent creates a present map with every sequence
// present.
func allPresent(n int) []bool {
	res := make([]bool, n)
	for i := range res {
		res[i] = true
	}
	return res
}
