package iterator

import (
	"bufio"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/nmt/vocab"
)

// A Pair is a tokenized source and target sentence.
type Pair struct {
	Source []string
	Target []string
}

// ReadLines reads a text file and splits every line into
// whitespace-separated tokens.
func ReadLines(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "read lines")
	}
	defer f.Close()
	var res [][]string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		res = append(res, strings.Fields(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read lines %s", path)
	}
	return res, nil
}

// ReadPairs reads a parallel corpus from two files with
// one sentence per line.
func ReadPairs(srcPath, tgtPath string) ([]Pair, error) {
	src, err := ReadLines(srcPath)
	if err != nil {
		return nil, err
	}
	tgt, err := ReadLines(tgtPath)
	if err != nil {
		return nil, err
	}
	if len(src) != len(tgt) {
		return nil, errors.Errorf("read pairs: %s has %d lines but %s has %d", srcPath,
			len(src), tgtPath, len(tgt))
	}
	res := make([]Pair, len(src))
	for i := range src {
		res[i] = Pair{Source: src[i], Target: tgt[i]}
	}
	return res, nil
}

// Config configures a training or evaluation Iterator.
type Config struct {
	SrcVocab *vocab.Vocab
	TgtVocab *vocab.Vocab

	BatchSize  int
	NumBuckets int

	// Maximum lengths, or 0 for no truncation.
	SrcMaxLen int
	TgtMaxLen int

	// If Shuffle is set, the data is shuffled every
	// epoch using a generator seeded with Seed.
	Shuffle bool
	Seed    uint64
}

// An Iterator produces batches of training data.
//
// Every sentence pair is truncated, converted to ids,
// and grouped with pairs of similar length (bucketing).
type Iterator struct {
	cfg   Config
	pairs []Pair
	rng   *rand.Rand

	batches []*BatchedInput
	pos     int
}

// New creates an Iterator over the pairs.
// Pairs with an empty source or target are dropped.
func New(cfg Config, pairs []Pair) (*Iterator, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("new iterator: invalid batch size %d", cfg.BatchSize)
	}
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = 1
	}
	res := &Iterator{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, 1))}
	for _, p := range pairs {
		if len(p.Source) == 0 || len(p.Target) == 0 {
			continue
		}
		res.pairs = append(res.pairs, Pair{
			Source: truncate(p.Source, cfg.SrcMaxLen),
			Target: truncate(p.Target, cfg.TgtMaxLen),
		})
	}
	if len(res.pairs) == 0 {
		return nil, errors.New("new iterator: no usable sentence pairs")
	}
	res.Reset()
	return res, nil
}

// NumPairs returns the number of usable sentence pairs.
func (it *Iterator) NumPairs() int {
	return len(it.pairs)
}

// Reset starts a new epoch.
func (it *Iterator) Reset() {
	order := make([]int, len(it.pairs))
	for i := range order {
		order[i] = i
	}
	if it.cfg.Shuffle {
		it.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	buckets := make([][]int, it.cfg.NumBuckets+1)
	it.batches = nil
	for _, idx := range order {
		b := it.bucket(it.pairs[idx])
		buckets[b] = append(buckets[b], idx)
		if len(buckets[b]) == it.cfg.BatchSize {
			it.batches = append(it.batches, it.makeBatch(buckets[b]))
			buckets[b] = nil
		}
	}
	for _, bucket := range buckets {
		if len(bucket) > 0 {
			it.batches = append(it.batches, it.makeBatch(bucket))
		}
	}
	it.pos = 0
}

// Next returns the next batch, or io.EOF at the end of
// the epoch.
func (it *Iterator) Next() (*BatchedInput, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	it.pos++
	return it.batches[it.pos-1], nil
}

func (it *Iterator) bucket(p Pair) int {
	width := 10
	if it.cfg.SrcMaxLen > 0 {
		width = (it.cfg.SrcMaxLen + it.cfg.NumBuckets - 1) / it.cfg.NumBuckets
	}
	id := essentials.MaxInt(len(p.Source)/width, len(p.Target)/width)
	return essentials.MinInt(id, it.cfg.NumBuckets)
}

func (it *Iterator) makeBatch(indices []int) *BatchedInput {
	srcEOS, tgtEOS := vocab.EOSID, vocab.EOSID
	res := &BatchedInput{}
	var src, tgtIn, tgtOut [][]int
	for _, idx := range indices {
		p := it.pairs[idx]
		srcIDs := it.cfg.SrcVocab.LookupAll(p.Source)
		tgtIDs := it.cfg.TgtVocab.LookupAll(p.Target)
		src = append(src, srcIDs)
		tgtIn = append(tgtIn, append([]int{vocab.SOSID}, tgtIDs...))
		tgtOut = append(tgtOut, append(append([]int{}, tgtIDs...), tgtEOS))
		res.SourceLength = append(res.SourceLength, len(srcIDs))
		res.TargetLength = append(res.TargetLength, len(tgtIDs)+1)
	}
	res.Source = padRows(src, srcEOS)
	res.TargetInput = padRows(tgtIn, tgtEOS)
	res.TargetOutput = padRows(tgtOut, tgtEOS)
	return res
}

// InferIterator produces source-only batches in order.
type InferIterator struct {
	srcVocab  *vocab.Vocab
	sentences [][]string
	batchSize int
	maxLen    int
	pos       int
}

// NewInfer creates an InferIterator.
// If maxLen is positive, sources are truncated to it.
func NewInfer(srcVocab *vocab.Vocab, sentences [][]string, batchSize,
	maxLen int) (*InferIterator, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("new infer iterator: invalid batch size %d", batchSize)
	}
	return &InferIterator{
		srcVocab:  srcVocab,
		sentences: sentences,
		batchSize: batchSize,
		maxLen:    maxLen,
	}, nil
}

// Next returns the next batch, or io.EOF once every
// sentence has been returned.
func (it *InferIterator) Next() (*BatchedInput, error) {
	if it.pos >= len(it.sentences) {
		return nil, io.EOF
	}
	end := essentials.MinInt(it.pos+it.batchSize, len(it.sentences))
	res := &BatchedInput{}
	var src [][]int
	for _, sentence := range it.sentences[it.pos:end] {
		ids := it.srcVocab.LookupAll(truncate(sentence, it.maxLen))
		src = append(src, ids)
		res.SourceLength = append(res.SourceLength, len(ids))
	}
	res.Source = padRows(src, vocab.EOSID)
	it.pos = end
	return res, nil
}

// Reset rewinds to the first sentence.
func (it *InferIterator) Reset() {
	it.pos = 0
}

func truncate(tokens []string, maxLen int) []string {
	if maxLen > 0 && len(tokens) > maxLen {
		return tokens[:maxLen]
	}
	return tokens
}
