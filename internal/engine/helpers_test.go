package engine

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-minimind/internal/config"
	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/weights"
)

var approx = cmpopts.EquateApprox(0, 1e-4)

// tinyConfig is the dim=8 dense model used throughout the tests.
func tinyConfig() config.Config {
	return config.Config{
		Dim:        8,
		Heads:      2,
		KVHeads:    1,
		Layers:     2,
		VocabSize:  16,
		MultipleOf: 4,
		NormEps:    1e-5,
		MaxSeqLen:  32,
		RopeTheta:  1e6,
	}
}

func tinyMoEConfig() config.Config {
	cfg := tinyConfig()
	cfg.UseMoE = true
	cfg.MoE = config.MoE{
		RoutedExperts:   4,
		SharedExperts:   1,
		ExpertsPerToken: 2,
		ScoringFunc:     config.ScoringSoftmax,
		AuxLossAlpha:    0.1,
		SeqAux:          true,
		NormTopKProb:    true,
	}
	return cfg
}

func newTestModel(t *testing.T, cfg config.Config, opts ...Option) *Model {
	t.Helper()
	m, err := NewModel(cfg, weights.NewRandom(7, 0.5), opts...)
	require.NoError(t, err)
	return m
}

func randomTensor(seed uint64, shape ...int) *cpu.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed))
	t := cpu.NewTensor(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(rng.NormFloat64())
	}
	return t
}

func requireApprox(t *testing.T, want, got []float32) {
	t.Helper()
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("values differ (-want +got):\n%s", diff)
	}
}
