package engine

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-minimind/internal/metrics"
)

type SamplerConfig struct {
	Temperature float64 // 0 = greedy
	TopK        int     // 0 = disabled
	TopP        float64 // 1.0 = disabled
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64   // 0 = time-based
}

// temperatureEps keeps the temperature division finite.
const temperatureEps = 1e-9

// Sampler draws the next token from last-position logits. It is not safe
// for concurrent use; each generation session owns one.
type Sampler struct {
	Config SamplerConfig
	src    rand.Source
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	seed := uint64(cfg.Seed)
	return &Sampler{
		Config: cfg,
		src:    rand.NewPCG(seed, seed^0xda3e39cb94b95bdb),
	}
}

// Sample applies repetition penalty, temperature, top-k and top-p to a copy
// of logits and draws one id. history is the whole sequence so far, prompt
// included.
func (s *Sampler) Sample(logits []float32, history []int) int {
	work := make([]float64, len(logits))
	for i, v := range logits {
		work[i] = float64(v)
	}

	ApplyRepetitionPenalty(work, history, s.Config.RepPenalty)

	if s.Config.Temperature <= 0 {
		metrics.RecordSampling(0, s.Config.TopP, s.Config.RepPenalty, 1)
		return argMax(work)
	}
	inv := 1 / (s.Config.Temperature + temperatureEps)
	floats.Scale(inv, work)

	ApplyTopK(work, s.Config.TopK)
	ApplyTopP(work, s.Config.TopP)

	probs := softmax64(work)
	candidates := 0
	for _, p := range probs {
		if p > 0 {
			candidates++
		}
	}
	metrics.RecordSampling(s.Config.Temperature, s.Config.TopP, s.Config.RepPenalty, candidates)

	return int(distuv.NewCategorical(probs, s.src).Rand())
}

// ApplyRepetitionPenalty penalises each distinct id of history once:
// positive logits are divided by rp and negative ones multiplied, so a
// non-zero logit moves down for rp > 1. A logit of exactly 0 is a fixed
// point of both rules and stays 0.
func ApplyRepetitionPenalty(logits []float64, history []int, rp float64) {
	if rp == 1 || rp <= 0 || len(history) == 0 {
		return
	}
	seen := make(map[int]struct{}, len(history))
	for _, id := range history {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= rp
		} else {
			logits[id] *= rp
		}
	}
}

// ApplyTopK masks everything below the k-th largest logit to -Inf. Ties at
// the boundary are kept.
func ApplyTopK(logits []float64, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	sorted := slices.Clone(logits)
	slices.Sort(sorted)
	threshold := sorted[len(sorted)-k]
	for i, v := range logits {
		if v < threshold {
			logits[i] = math.Inf(-1)
		}
	}
}

// ApplyTopP masks to -Inf every token outside the smallest
// descending-probability prefix whose cumulative probability exceeds p. The
// most likely token always survives. p >= 1 is a no-op.
func ApplyTopP(logits []float64, p float64) {
	if p >= 1 || len(logits) == 0 {
		return
	}

	probs := softmax64(logits)
	neg := make([]float64, len(probs))
	for i, v := range probs {
		neg[i] = -v
	}
	order := make([]int, len(probs))
	floats.Argsort(neg, order)

	sortedProbs := make([]float64, len(order))
	for i, id := range order {
		sortedProbs[i] = probs[id]
	}
	cum := floats.CumSum(make([]float64, len(sortedProbs)), sortedProbs)

	// A token is dropped once the prefix before it already exceeds p.
	for i := 1; i < len(order); i++ {
		if cum[i-1] > p {
			logits[order[i]] = math.Inf(-1)
		}
	}
}

// softmax64 returns softmax(logits) without modifying logits. -Inf entries
// get probability zero.
func softmax64(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := floats.Max(logits)
	if math.IsInf(maxVal, -1) {
		return probs
	}
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxVal)
		sum += probs[i]
	}
	floats.Scale(1/sum, probs)
	return probs
}

func argMax(logits []float64) int {
	if len(logits) == 0 {
		panic("argMax: empty logits slice")
	}
	return floats.MaxIdx(logits)
}
