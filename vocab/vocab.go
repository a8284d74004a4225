// Package vocab loads vocabulary files and pretrained
// embedding files.
package vocab

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default special tokens.
const (
	DefaultUNK = "<unk>"
	DefaultSOS = "<s>"
	DefaultEOS = "</s>"
)

// Ids of the special tokens in every loaded Vocab.
const (
	UNKID = iota
	SOSID
	EOSID
)

// Options configures the special tokens of a Vocab.
type Options struct {
	UNK string
	SOS string
	EOS string
}

func (o Options) withDefaults() Options {
	if o.UNK == "" {
		o.UNK = DefaultUNK
	}
	if o.SOS == "" {
		o.SOS = DefaultSOS
	}
	if o.EOS == "" {
		o.EOS = DefaultEOS
	}
	return o
}

// A Vocab is a bidirectional mapping between tokens and
// ids.
type Vocab struct {
	tokens []string
	ids    map[string]int
	unk    string
}

// New creates a Vocab from a token list.
//
// The special tokens are moved to the front in the order
// unk, sos, eos, and are added if they are missing.
func New(tokens []string, opts Options) *Vocab {
	opts = opts.withDefaults()
	specials := []string{opts.UNK, opts.SOS, opts.EOS}
	res := &Vocab{ids: map[string]int{}, unk: opts.UNK}
	for _, token := range append(specials, tokens...) {
		if _, ok := res.ids[token]; ok {
			continue
		}
		res.ids[token] = len(res.tokens)
		res.tokens = append(res.tokens, token)
	}
	return res
}

// Load reads a vocabulary file with one token per line.
func Load(path string, opts Options) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load vocab")
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "load vocab %s", path)
	}
	res := New(tokens, opts)
	if res.Size() != len(tokens) {
		klog.Infof("  vocab %s: added special tokens, size %d -> %d", path, len(tokens),
			res.Size())
	}
	return res, nil
}

// Size returns the number of tokens.
func (v *Vocab) Size() int {
	return len(v.tokens)
}

// Lookup returns the id of a token, or the unknown id.
func (v *Vocab) Lookup(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return UNKID
}

// LookupAll maps every token to an id.
func (v *Vocab) LookupAll(tokens []string) []int {
	res := make([]int, len(tokens))
	for i, t := range tokens {
		res[i] = v.Lookup(t)
	}
	return res
}

// Token returns the token for an id, or the unknown token
// if the id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return v.unk
	}
	return v.tokens[id]
}

// Tokens returns the tokens in id order.
func (v *Vocab) Tokens() []string {
	return append([]string{}, v.tokens...)
}

// LoadEmbeddings reads a text file of pretrained vectors
// with lines of the form "token v1 v2 ...".
//
// It returns the vectors and their dimensionality.
func LoadEmbeddings(path string) (map[string][]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load embeddings")
	}
	defer f.Close()

	res := map[string][]float64{}
	dim := -1
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<24)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		vec := make([]float64, len(fields)-1)
		for i, field := range fields[1:] {
			vec[i], err = strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "load embeddings %s:%d", path, lineNum)
			}
		}
		if dim == -1 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, 0, errors.Errorf("load embeddings %s:%d: expected %d values but got %d",
				path, lineNum, dim, len(vec))
		}
		res[fields[0]] = vec
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "load embeddings %s", path)
	}
	if dim == -1 {
		return nil, 0, errors.Errorf("load embeddings %s: empty file", path)
	}
	return res, dim, nil
}
