package nmt

import (
	"math"
	"math/rand/v2"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/nmt/rnncell"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// NewInitializer creates the weight initializer named by
// h.InitOp.
//
// The initializer draws from a single seeded source, so
// two models built from the same HParams start out with
// the same weights.
func NewInitializer(h *HParams) (rnncell.Initializer, error) {
	src := rand.NewPCG(uint64(h.RandomSeed), 0x6e6d74)
	switch h.InitOp {
	case "uniform":
		if h.InitWeight <= 0 {
			return nil, configErr("init_weight", h.InitWeight, "must be positive")
		}
		klog.V(1).Infof("  init_op=uniform, init_weight=%g", h.InitWeight)
		dist := distuv.Uniform{Min: -h.InitWeight, Max: h.InitWeight, Src: src}
		return func(v anyvec.Vector, fanIn, fanOut int) {
			fillRandom(v, dist.Rand)
		}, nil
	case "glorot_normal":
		return func(v anyvec.Vector, fanIn, fanOut int) {
			stddev := math.Sqrt(2 / float64(fanIn+fanOut))
			dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
			fillRandom(v, dist.Rand)
		}, nil
	case "glorot_uniform":
		return func(v anyvec.Vector, fanIn, fanOut int) {
			limit := math.Sqrt(6 / float64(fanIn+fanOut))
			dist := distuv.Uniform{Min: -limit, Max: limit, Src: src}
			fillRandom(v, dist.Rand)
		}, nil
	default:
		return nil, configErr("init_op", h.InitOp, "unknown initializer")
	}
}

func fillRandom(v anyvec.Vector, sample func() float64) {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = sample()
	}
	setFloats(v, data)
}

func setFloats(v anyvec.Vector, data []float64) {
	v.SetData(v.Creator().MakeNumericList(data))
}

func floatsOf(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic("unsupported numeric list")
	}
}
