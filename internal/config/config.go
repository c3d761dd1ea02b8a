package config

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalid            = errors.New("invalid config")
	ErrHeadsNotDivisible  = errors.New("heads not divisible by kv_heads")
	ErrOddHeadDim         = errors.New("head_dim must be even")
	ErrUnsupportedScoring = errors.New("unsupported scoring function for MoE gating")
)

const ScoringSoftmax = "softmax"

// MoE configures the mixture-of-experts feed-forward layers. It is ignored
// unless Config.UseMoE is set.
type MoE struct {
	RoutedExperts   int     `yaml:"n_routed_experts"`
	SharedExperts   int     `yaml:"n_shared_experts"` // 0 disables the shared expert
	ExpertsPerToken int     `yaml:"num_experts_per_tok"`
	ScoringFunc     string  `yaml:"scoring_func"`
	AuxLossAlpha    float32 `yaml:"aux_loss_alpha"`
	SeqAux          bool    `yaml:"seq_aux"`
	NormTopKProb    bool    `yaml:"norm_topk_prob"`
}

type Config struct {
	Dim        int     `yaml:"dim"`
	Heads      int     `yaml:"n_heads"`
	KVHeads    int     `yaml:"n_kv_heads"` // 0 means Heads
	Layers     int     `yaml:"n_layers"`
	VocabSize  int     `yaml:"vocab_size"`
	HiddenDim  int     `yaml:"hidden_dim"` // 0 means derived from Dim and MultipleOf
	MultipleOf int     `yaml:"multiple_of"`
	NormEps    float32 `yaml:"norm_eps"`
	MaxSeqLen  int     `yaml:"max_seq_len"`
	RopeTheta  float64 `yaml:"rope_theta"`
	Dropout    float32 `yaml:"dropout"`

	UseMoE bool `yaml:"use_moe"`
	MoE    MoE  `yaml:"moe"`
}

// Default returns the reference 26M-parameter dense configuration.
func Default() Config {
	return Config{
		Dim:        512,
		Heads:      8,
		KVHeads:    2,
		Layers:     8,
		VocabSize:  6400,
		MultipleOf: 64,
		NormEps:    1e-5,
		MaxSeqLen:  8192,
		RopeTheta:  1e6,
		MoE: MoE{
			RoutedExperts:   4,
			SharedExperts:   1,
			ExpertsPerToken: 2,
			ScoringFunc:     ScoringSoftmax,
			AuxLossAlpha:    0.1,
			SeqAux:          true,
			NormTopKProb:    true,
		},
	}
}

// Load decodes a YAML document on top of Default and validates the result.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KVHeadCount resolves the nullable KVHeads field.
func (c *Config) KVHeadCount() int {
	if c.KVHeads == 0 {
		return c.Heads
	}
	return c.KVHeads
}

func (c *Config) HeadDim() int {
	return c.Dim / c.Heads
}

// NRep is how many query heads share one key/value head.
func (c *Config) NRep() int {
	return c.Heads / c.KVHeadCount()
}

// ResolveHiddenDim fills HiddenDim when unset, rounding floor(8*dim/3) up
// to the next multiple of MultipleOf. Once set it is never recomputed.
func (c *Config) ResolveHiddenDim() int {
	if c.HiddenDim == 0 {
		hidden := 8 * c.Dim / 3
		c.HiddenDim = c.MultipleOf * ((hidden + c.MultipleOf - 1) / c.MultipleOf)
	}
	return c.HiddenDim
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dim %d (must be positive)", ErrInvalid, c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: n_layers %d (must be positive)", ErrInvalid, c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("%w: n_heads %d (must be positive)", ErrInvalid, c.Heads)
	}
	if c.KVHeads < 0 {
		return fmt.Errorf("%w: n_kv_heads %d (must be non-negative)", ErrInvalid, c.KVHeads)
	}
	if c.Heads%c.KVHeadCount() != 0 {
		return fmt.Errorf("%w: n_heads %d, n_kv_heads %d", ErrHeadsNotDivisible, c.Heads, c.KVHeadCount())
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("%w: dim %d not divisible by n_heads %d", ErrInvalid, c.Dim, c.Heads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("%w: got %d", ErrOddHeadDim, c.HeadDim())
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size %d (must be positive)", ErrInvalid, c.VocabSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len %d (must be positive)", ErrInvalid, c.MaxSeqLen)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("%w: norm_eps %g (must be positive)", ErrInvalid, c.NormEps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("%w: rope_theta %g (must be positive)", ErrInvalid, c.RopeTheta)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %g (must be in [0, 1))", ErrInvalid, c.Dropout)
	}
	if c.HiddenDim < 0 {
		return fmt.Errorf("%w: hidden_dim %d (must be non-negative)", ErrInvalid, c.HiddenDim)
	}
	if c.HiddenDim == 0 && c.MultipleOf <= 0 {
		return fmt.Errorf("%w: multiple_of %d (must be positive when hidden_dim is unset)", ErrInvalid, c.MultipleOf)
	}

	if c.UseMoE {
		if err := c.validateMoE(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateMoE() error {
	m := c.MoE
	if m.RoutedExperts <= 0 {
		return fmt.Errorf("%w: n_routed_experts %d (must be positive for MoE)", ErrInvalid, m.RoutedExperts)
	}
	if m.ExpertsPerToken <= 0 {
		return fmt.Errorf("%w: num_experts_per_tok %d (must be positive for MoE)", ErrInvalid, m.ExpertsPerToken)
	}
	if m.ExpertsPerToken > m.RoutedExperts {
		return fmt.Errorf("%w: num_experts_per_tok (%d) > n_routed_experts (%d)", ErrInvalid, m.ExpertsPerToken, m.RoutedExperts)
	}
	if m.SharedExperts < 0 {
		return fmt.Errorf("%w: n_shared_experts %d (must be non-negative)", ErrInvalid, m.SharedExperts)
	}
	if m.AuxLossAlpha < 0 {
		return fmt.Errorf("%w: aux_loss_alpha %g (must be non-negative)", ErrInvalid, m.AuxLossAlpha)
	}
	if m.ScoringFunc != ScoringSoftmax {
		return fmt.Errorf("%w: %q", ErrUnsupportedScoring, m.ScoringFunc)
	}
	return nil
}
