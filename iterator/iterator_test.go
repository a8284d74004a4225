package iterator

import (
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/unixpickle/nmt/vocab"
)

func testVocabs() (*vocab.Vocab, *vocab.Vocab) {
	src := vocab.New(strings.Fields("a b c d"), vocab.Options{})
	tgt := vocab.New(strings.Fields("w x y z"), vocab.Options{})
	return src, tgt
}

func TestIteratorPadding(t *testing.T) {
	src, tgt := testVocabs()
	pairs := []Pair{
		{Source: strings.Fields("a b c"), Target: strings.Fields("x")},
		{Source: strings.Fields("d"), Target: strings.Fields("w y z")},
		{Source: nil, Target: strings.Fields("w")},
	}
	it, err := New(Config{SrcVocab: src, TgtVocab: tgt, BatchSize: 2}, pairs)
	if err != nil {
		t.Fatal(err)
	}
	if it.NumPairs() != 2 {
		t.Fatalf("expected empty pair to be dropped, got %d pairs", it.NumPairs())
	}
	batch, err := it.Next()
	if err != nil {
		t.Fatal(err)
	}
	if err := batch.Validate(); err != nil {
		t.Fatal(err)
	}
	eos, sos := vocab.EOSID, vocab.SOSID
	expected := &BatchedInput{
		Source:       [][]int{{3, 4, 5}, {6, eos, eos}},
		SourceLength: []int{3, 1},
		TargetInput:  [][]int{{sos, 4, eos, eos}, {sos, 3, 5, 6}},
		TargetOutput: [][]int{{4, eos, eos, eos}, {3, 5, 6, eos}},
		TargetLength: []int{2, 4},
	}
	if !reflect.DeepEqual(batch, expected) {
		t.Errorf("expected %+v but got %+v", expected, batch)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected EOF but got %v", err)
	}
	it.Reset()
	if _, err := it.Next(); err != nil {
		t.Errorf("expected batch after reset, got %v", err)
	}
}

func TestIteratorBuckets(t *testing.T) {
	src, tgt := testVocabs()
	var pairs []Pair
	for i := 0; i < 4; i++ {
		pairs = append(pairs, Pair{Source: []string{"a"}, Target: []string{"w"}})
		pairs = append(pairs, Pair{
			Source: strings.Fields("a b c d a b c d a"),
			Target: strings.Fields("w x y z w x y z w"),
		})
	}
	it, err := New(Config{
		SrcVocab:   src,
		TgtVocab:   tgt,
		BatchSize:  4,
		NumBuckets: 2,
		SrcMaxLen:  10,
		Shuffle:    true,
		Seed:       3,
	}, pairs)
	if err != nil {
		t.Fatal(err)
	}
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		if batch.BatchSize() != 4 {
			t.Errorf("unexpected batch size %d", batch.BatchSize())
		}
		for _, l := range batch.SourceLength {
			if l != batch.SourceLength[0] {
				t.Errorf("bucket mixes lengths: %v", batch.SourceLength)
			}
		}
	}
}

func TestIteratorTruncation(t *testing.T) {
	src, tgt := testVocabs()
	pairs := []Pair{{Source: strings.Fields("a b c d"), Target: strings.Fields("w x y z")}}
	it, err := New(Config{SrcVocab: src, TgtVocab: tgt, BatchSize: 1, SrcMaxLen: 2,
		TgtMaxLen: 3}, pairs)
	if err != nil {
		t.Fatal(err)
	}
	batch, _ := it.Next()
	if batch.SourceLength[0] != 2 || batch.TargetLength[0] != 4 {
		t.Errorf("unexpected lengths %v %v", batch.SourceLength, batch.TargetLength)
	}
}

func TestInferIterator(t *testing.T) {
	src, _ := testVocabs()
	sentences := [][]string{strings.Fields("a b"), strings.Fields("c"), strings.Fields("d a b")}
	it, err := NewInfer(src, sentences, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	batch, _ := it.Next()
	if batch.HasTarget() || batch.BatchSize() != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if err := batch.Validate(); err != nil {
		t.Fatal(err)
	}
	batch, _ = it.Next()
	if !reflect.DeepEqual(batch.Source, [][]int{{6, 3, 4}}) {
		t.Errorf("unexpected source %v", batch.Source)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected EOF but got %v", err)
	}
}

func TestValidate(t *testing.T) {
	b := &BatchedInput{
		Source:       [][]int{{1, 2}},
		SourceLength: []int{2},
		TargetInput:  [][]int{{1}},
		TargetOutput: [][]int{{1}},
		TargetLength: []int{1, 2},
	}
	if b.Validate() == nil {
		t.Error("expected inconsistent batch size to fail")
	}
}
