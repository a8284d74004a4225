// Package iterator turns parallel text into padded
// batches for training, evaluation, and inference.
package iterator

import "github.com/pkg/errors"

// BatchedInput is a batch of padded token id sequences.
//
// Sequences are stored batch-major: Source[i] is the i-th
// source sequence, padded to the length of the longest
// source in the batch.
// The target fields are nil for inference batches.
type BatchedInput struct {
	Source       [][]int
	SourceLength []int

	TargetInput  [][]int
	TargetOutput [][]int
	TargetLength []int
}

// BatchSize returns the number of sequences.
func (b *BatchedInput) BatchSize() int {
	return len(b.SourceLength)
}

// HasTarget checks if the batch has target sequences.
func (b *BatchedInput) HasTarget() bool {
	return b.TargetLength != nil
}

// MaxSourceLength returns the longest source length.
func (b *BatchedInput) MaxSourceLength() int {
	return maxLen(b.SourceLength)
}

// MaxTargetLength returns the longest target length.
func (b *BatchedInput) MaxTargetLength() int {
	return maxLen(b.TargetLength)
}

// Validate checks that the fields agree on the batch
// size and that every length fits in its padded row.
func (b *BatchedInput) Validate() error {
	n := len(b.SourceLength)
	if n == 0 {
		return errors.New("validate batch: empty batch")
	}
	if err := checkRows("source", b.Source, b.SourceLength); err != nil {
		return err
	}
	if !b.HasTarget() {
		if b.TargetInput != nil || b.TargetOutput != nil {
			return errors.New("validate batch: target ids without target lengths")
		}
		return nil
	}
	if len(b.TargetLength) != n {
		return errors.Errorf("validate batch: %d target lengths for batch size %d",
			len(b.TargetLength), n)
	}
	if err := checkRows("target_input", b.TargetInput, b.TargetLength); err != nil {
		return err
	}
	return checkRows("target_output", b.TargetOutput, b.TargetLength)
}

func checkRows(name string, rows [][]int, lengths []int) error {
	if len(rows) != len(lengths) {
		return errors.Errorf("validate batch: %d %s rows for batch size %d", len(rows), name,
			len(lengths))
	}
	for i, row := range rows {
		if lengths[i] < 0 || lengths[i] > len(row) {
			return errors.Errorf("validate batch: %s row %d has length %d but %d ids", name, i,
				lengths[i], len(row))
		}
	}
	return nil
}

func maxLen(lengths []int) int {
	var res int
	for _, l := range lengths {
		if l > res {
			res = l
		}
	}
	return res
}

func padRows(rows [][]int, pad int) [][]int {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	res := make([][]int, len(rows))
	for i, row := range rows {
		res[i] = make([]int, width)
		copy(res[i], row)
		for j := len(row); j < width; j++ {
			res[i][j] = pad
		}
	}
	return res
}
