// Command nmt trains, evaluates, and runs a neural
// machine translation model.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/nmt"
	"github.com/unixpickle/nmt/checkpoint"
	"github.com/unixpickle/nmt/iterator"
	"github.com/unixpickle/nmt/vocab"
	"k8s.io/klog/v2"
)

type flags struct {
	HParams       string
	Mode          string
	Src           string
	Tgt           string
	SrcVocab      string
	TgtVocab      string
	OutDir        string
	NumTrainSteps int
	Output        string
}

func main() {
	var f flags
	klog.InitFlags(nil)
	flag.StringVar(&f.HParams, "hparams", "", "JSON hyperparameter file")
	flag.StringVar(&f.Mode, "mode", "train", "train, eval, or infer")
	flag.StringVar(&f.Src, "src", "", "source sentences (one per line)")
	flag.StringVar(&f.Tgt, "tgt", "", "target sentences (train and eval)")
	flag.StringVar(&f.SrcVocab, "src_vocab", "", "source vocabulary file")
	flag.StringVar(&f.TgtVocab, "tgt_vocab", "", "target vocabulary file")
	flag.StringVar(&f.OutDir, "out_dir", "", "checkpoint directory")
	flag.IntVar(&f.NumTrainSteps, "num_train_steps", 0, "override num_train_steps")
	flag.StringVar(&f.Output, "output", "", "translation output file (infer)")
	flag.Parse()
	defer klog.Flush()

	if err := run(&f); err != nil {
		essentials.Die(err)
	}
}

func run(f *flags) error {
	hp := nmt.DefaultHParams()
	if f.HParams != "" {
		var err error
		hp, err = nmt.LoadHParams(f.HParams)
		if err != nil {
			return err
		}
	}
	if f.NumTrainSteps > 0 {
		hp.NumTrainSteps = f.NumTrainSteps
	}
	if f.OutDir != "" {
		hp.OutDir = f.OutDir
	}
	if f.SrcVocab != "" {
		hp.SrcVocabFile = f.SrcVocab
	}
	if f.TgtVocab != "" {
		hp.TgtVocabFile = f.TgtVocab
	}
	mode, err := nmt.ParseMode(f.Mode)
	if err != nil {
		return err
	}

	vocabOpts := vocab.Options{UNK: hp.UNK, SOS: hp.SOS, EOS: hp.EOS}
	srcVocab, err := vocab.Load(hp.SrcVocabFile, vocabOpts)
	if err != nil {
		return err
	}
	tgtVocab := srcVocab
	if !hp.ShareVocab {
		tgtVocab, err = vocab.Load(hp.TgtVocabFile, vocabOpts)
		if err != nil {
			return err
		}
	}
	hp.SrcVocabSize = srcVocab.Size()
	hp.TgtVocabSize = tgtVocab.Size()

	store := &checkpoint.Store{Dir: hp.OutDir, MaxToKeep: hp.NumKeepCkpts}
	opts, step, err := modelOptions(hp, store)
	if err != nil {
		return err
	}
	model, err := nmt.New(hp, mode, srcVocab, tgtVocab, opts...)
	if err != nil {
		return err
	}
	model.GlobalStep = step

	switch mode {
	case nmt.Train:
		if err := os.MkdirAll(hp.OutDir, 0755); err != nil {
			return errors.Wrap(err, "train")
		}
		if err := hp.Save(filepath.Join(hp.OutDir, "hparams.json")); err != nil {
			return err
		}
		return train(model, store, f)
	case nmt.Eval:
		return eval(model, f)
	default:
		return infer(model, f)
	}
}

func modelOptions(hp *nmt.HParams, store *checkpoint.Store) ([]nmt.Option, int, error) {
	var opts []nmt.Option
	var src, tgt map[string][]float64
	var err error
	if hp.SrcEmbedFile != "" {
		if src, _, err = vocab.LoadEmbeddings(hp.SrcEmbedFile); err != nil {
			return nil, 0, err
		}
	}
	if hp.TgtEmbedFile != "" {
		if tgt, _, err = vocab.LoadEmbeddings(hp.TgtEmbedFile); err != nil {
			return nil, 0, err
		}
	}
	if src != nil || tgt != nil {
		opts = append(opts, nmt.WithPretrainedEmbeddings(src, tgt))
	}

	var step int
	if path, ok := store.Latest(); ok {
		snap, err := store.Load(path)
		if err != nil {
			return nil, 0, err
		}
		klog.Infof("# loaded checkpoint %s, global_step %d", path, snap.GlobalStep)
		opts = append(opts, nmt.WithParams(snap.Vars))
		step = snap.GlobalStep
	}
	return opts, step, nil
}

func train(model *nmt.Model, store *checkpoint.Store, f *flags) error {
	hp := &model.HParams
	pairs, err := iterator.ReadPairs(f.Src, f.Tgt)
	if err != nil {
		return err
	}
	it, err := iterator.New(iterator.Config{
		SrcVocab:   model.SrcVocab,
		TgtVocab:   model.TgtVocab,
		BatchSize:  hp.BatchSize,
		NumBuckets: hp.NumBuckets,
		SrcMaxLen:  hp.SrcMaxLen,
		TgtMaxLen:  hp.TgtMaxLen,
		Shuffle:    true,
		Seed:       uint64(hp.RandomSeed),
	}, pairs)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(hp.NumTrainSteps-model.GlobalStep,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)
	var stats trainStats
	for model.GlobalStep < hp.NumTrainSteps {
		batch, err := it.Next()
		if err == io.EOF {
			klog.Infof("# finished an epoch, step %d", model.GlobalStep)
			if err := saveModel(model, store); err != nil {
				return err
			}
			it.Reset()
			continue
		} else if err != nil {
			return err
		}
		out, err := model.Train(batch)
		if err != nil {
			return err
		}
		stats.add(out)
		bar.Add(1)
		if hp.StepsPerStat > 0 && out.GlobalStep%hp.StepsPerStat == 0 {
			stats.log(out.GlobalStep)
			stats = trainStats{}
		}
	}
	bar.Finish()
	return saveModel(model, store)
}

type trainStats struct {
	loss         float64
	predictCount int
	gradNorm     float64
	learningRate float64
	steps        int
}

func (t *trainStats) add(out *nmt.TrainOutput) {
	t.loss += out.Loss * float64(out.BatchSize)
	t.predictCount += out.PredictCount
	t.gradNorm += out.GradNorm
	t.learningRate = out.LearningRate
	t.steps++
}

func (t *trainStats) log(step int) {
	if t.steps == 0 {
		return
	}
	klog.Infof("  global step %d lr %g ppl %.2f gN %.2f", step, t.learningRate,
		perplexity(t.loss, t.predictCount), t.gradNorm/float64(t.steps))
}

func saveModel(model *nmt.Model, store *checkpoint.Store) error {
	path, err := store.Save(&checkpoint.Snapshot{
		GlobalStep: model.GlobalStep,
		Vars:       model.ParamValues(),
	})
	if err != nil {
		return err
	}
	klog.Infof("# saved %s", path)
	return nil
}

func eval(model *nmt.Model, f *flags) error {
	hp := &model.HParams
	pairs, err := iterator.ReadPairs(f.Src, f.Tgt)
	if err != nil {
		return err
	}
	it, err := iterator.New(iterator.Config{
		SrcVocab:   model.SrcVocab,
		TgtVocab:   model.TgtVocab,
		BatchSize:  hp.BatchSize,
		NumBuckets: hp.NumBuckets,
		SrcMaxLen:  hp.SrcMaxLen,
		TgtMaxLen:  hp.TgtMaxLen,
	}, pairs)
	if err != nil {
		return err
	}
	var totalLoss float64
	var predictCount int
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		out, err := model.Eval(batch)
		if err != nil {
			return err
		}
		totalLoss += out.Loss * float64(out.BatchSize)
		predictCount += out.PredictCount
	}
	klog.Infof("  eval: ppl %.2f", perplexity(totalLoss, predictCount))
	fmt.Printf("perplexity: %f\n", perplexity(totalLoss, predictCount))
	return nil
}

func infer(model *nmt.Model, f *flags) error {
	hp := &model.HParams
	sentences, err := iterator.ReadLines(f.Src)
	if err != nil {
		return err
	}
	it, err := iterator.NewInfer(model.SrcVocab, sentences, hp.InferBatchSize,
		hp.SrcMaxLenInfer)
	if err != nil {
		return err
	}

	out := os.Stdout
	if f.Output != "" {
		out, err = os.Create(f.Output)
		if err != nil {
			return errors.Wrap(err, "infer")
		}
		defer out.Close()
	}
	w := bufio.NewWriter(out)
	defer w.Flush()

	bar := progressbar.NewOptions(len(sentences), progressbar.OptionSetDescription("Decoding"),
		progressbar.OptionSetWriter(os.Stderr))
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		words, _, err := model.Decode(batch)
		if err != nil {
			return err
		}
		for _, sentence := range words[0] {
			fmt.Fprintln(w, strings.Join(untilEOS(sentence, hp.EOS), " "))
		}
		bar.Add(batch.BatchSize())
	}
	bar.Finish()
	return nil
}

func untilEOS(words []string, eos string) []string {
	for i, w := range words {
		if w == eos {
			return words[:i]
		}
	}
	return words
}

func perplexity(totalLoss float64, predictCount int) float64 {
	if predictCount == 0 {
		return math.Inf(1)
	}
	return math.Exp(totalLoss / float64(predictCount))
}
