package nmt

import (
	"math"

	"k8s.io/klog/v2"
)

// Schedule computes learning rates from the global step.
//
// Before WarmupSteps, the base rate is scaled by
// WarmupFactor^(WarmupSteps-step), which grows from 1% of
// the base rate to the full base rate.
// From StartDecayStep onward, the rate is multiplied by
// DecayFactor once every DecaySteps steps.
type Schedule struct {
	BaseRate float64

	WarmupSteps  int
	WarmupFactor float64

	StartDecayStep int
	DecaySteps     int
	DecayFactor    float64
}

// NewSchedule creates the Schedule for the warmup and
// decay settings in h.
func NewSchedule(h *HParams) (*Schedule, error) {
	s := &Schedule{
		BaseRate:       h.LearningRate,
		WarmupSteps:    h.WarmupSteps,
		WarmupFactor:   1,
		StartDecayStep: h.NumTrainSteps,
		DecayFactor:    1,
	}

	switch h.WarmupScheme {
	case "t2t":
		if h.WarmupSteps > 0 {
			s.WarmupFactor = math.Exp(math.Log(0.01) / float64(h.WarmupSteps))
		}
	default:
		return nil, configErr("warmup_scheme", h.WarmupScheme, "unknown warmup scheme")
	}

	var decayTimes int
	switch h.DecayScheme {
	case "luong5", "luong10":
		s.StartDecayStep = h.NumTrainSteps / 2
		decayTimes = 5
		if h.DecayScheme == "luong10" {
			decayTimes = 10
		}
	case "luong234":
		s.StartDecayStep = h.NumTrainSteps * 2 / 3
		decayTimes = 4
	case "":
	default:
		return nil, configErr("decay_scheme", h.DecayScheme, "unknown decay scheme")
	}
	if decayTimes > 0 {
		remain := h.NumTrainSteps - s.StartDecayStep
		s.DecaySteps = remain / decayTimes
		s.DecayFactor = 0.5
		if s.DecaySteps <= 0 {
			return nil, configErr("num_train_steps", h.NumTrainSteps,
				"too small for decay scheme "+h.DecayScheme)
		}
		if h.WarmupSteps > s.StartDecayStep {
			return nil, configErr("warmup_steps", h.WarmupSteps,
				"warmup overlaps learning rate decay")
		}
	}

	return s, nil
}

// Log prints the schedule parameters.
func (s *Schedule) Log() {
	klog.Infof("  learning_rate=%g, warmup_steps=%d, warmup_factor=%g",
		s.BaseRate, s.WarmupSteps, s.WarmupFactor)
	klog.Infof("  decay_factor=%g, start_decay_step=%d, decay_steps=%d",
		s.DecayFactor, s.StartDecayStep, s.DecaySteps)
}

// LearningRate computes the learning rate at the step.
func (s *Schedule) LearningRate(step int) float64 {
	if step < s.WarmupSteps {
		return s.BaseRate * math.Pow(s.WarmupFactor, float64(s.WarmupSteps-step))
	}
	if s.DecaySteps == 0 || step < s.StartDecayStep {
		return s.BaseRate
	}
	numDecays := (step - s.StartDecayStep) / s.DecaySteps
	return s.BaseRate * math.Pow(s.DecayFactor, float64(numDecays))
}
