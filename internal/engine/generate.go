package engine

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/23skdu/longbow-minimind/internal/logger"
	"github.com/23skdu/longbow-minimind/internal/metrics"
)

// GenerationState is the position of a Session in its lifecycle.
type GenerationState int

const (
	// StatePrimed: no forward pass yet; the next step runs the full prompt.
	StatePrimed GenerationState = iota
	// StateDecoding: at least one token generated; steps feed only the last
	// token when the cache is enabled.
	StateDecoding
	// StateDone: EOS sampled or the token budget spent.
	StateDone
)

func (s GenerationState) String() string {
	switch s {
	case StatePrimed:
		return "primed"
	case StateDecoding:
		return "decoding"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("GenerationState(%d)", int(s))
	}
}

// Stop reasons reported by Session.Reason.
const (
	ReasonEOS       = "eos"
	ReasonMaxTokens = "max_tokens"
)

type GenerateConfig struct {
	EOS               int
	PadID             int
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	TopK              int // 0 disables
	UseCache          bool
	Seed              int64 // 0 = time-based
}

func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		EOS:               2,
		PadID:             0,
		MaxNewTokens:      1024,
		Temperature:       0.75,
		TopP:              0.9,
		RepetitionPenalty: 1.0,
		UseCache:          true,
	}
}

func (c GenerateConfig) sampler() SamplerConfig {
	return SamplerConfig{
		Temperature: c.Temperature,
		TopK:        c.TopK,
		TopP:        c.TopP,
		RepPenalty:  c.RepetitionPenalty,
		Seed:        c.Seed,
	}
}

// Generator drives autoregressive decoding over a read-only Model.
type Generator struct {
	model *Model
}

func NewGenerator(m *Model) *Generator {
	return &Generator{model: m}
}

// Session is the explicit state of one generation: the token sequence, its
// KV cache and the lifecycle state. Sessions share nothing with each other.
type Session struct {
	model   *Model
	cfg     GenerateConfig
	sampler *Sampler
	log     *logger.Logger

	tokens    []int
	promptLen int
	cache     KVCache
	state     GenerationState
	reason    string
}

// NewSession primes a session on prompt. A non-positive MaxNewTokens gives
// a session that is already done.
func (g *Generator) NewSession(prompt []int, cfg GenerateConfig) (*Session, error) {
	if len(prompt) == 0 {
		return nil, reject("generate", ErrEmptyPrompt)
	}
	s := &Session{
		model:     g.model,
		cfg:       cfg,
		sampler:   NewSampler(cfg.sampler()),
		log:       logger.Log.With("prompt_len", len(prompt), "max_new_tokens", cfg.MaxNewTokens),
		tokens:    slices.Clone(prompt),
		promptLen: len(prompt),
		state:     StatePrimed,
	}
	if cfg.MaxNewTokens <= 0 {
		s.finish(ReasonMaxTokens)
	}
	return s, nil
}

// Step runs one forward pass, samples one token and appends it.
func (s *Session) Step() (int, error) {
	if s.state == StateDone {
		return 0, reject("generate", ErrSessionDone)
	}
	start := time.Now()

	var (
		out *Output
		err error
	)
	if s.state == StatePrimed || !s.cfg.UseCache {
		out, err = s.model.Forward([][]int{s.tokens}, nil, s.cfg.UseCache, 0)
	} else {
		last := len(s.tokens) - 1
		out, err = s.model.Forward([][]int{s.tokens[last:]}, s.cache, true, last)
	}
	if err != nil {
		s.log.Error("Generation step failed", "err", err, "state", s.state.String(), "len", len(s.tokens))
		return 0, err
	}
	s.cache = out.Cache

	next := s.sampler.Sample(out.LastLogits(0), s.tokens)
	s.tokens = append(s.tokens, next)
	s.state = StateDecoding
	metrics.RecordGenerationStep(time.Since(start))
	s.log.Debug("Decoded token", "token", next, "pos", len(s.tokens)-1)

	switch {
	case next == s.cfg.EOS:
		s.finish(ReasonEOS)
	case len(s.tokens)-s.promptLen >= s.cfg.MaxNewTokens:
		s.finish(ReasonMaxTokens)
	}
	return next, nil
}

func (s *Session) finish(reason string) {
	s.state = StateDone
	s.reason = reason
	s.cache = nil
	metrics.RecordGenerationDone(reason)
	s.log.Info("Generation finished", "reason", reason, "generated", len(s.tokens)-s.promptLen)
}

func (s *Session) State() GenerationState { return s.state }

// Reason is empty until the session is done.
func (s *Session) Reason() string { return s.reason }

// Tokens returns the prompt followed by everything generated.
func (s *Session) Tokens() []int { return slices.Clone(s.tokens) }

// Generated returns only the tokens produced after the prompt.
func (s *Session) Generated() []int { return slices.Clone(s.tokens[s.promptLen:]) }

// Cache is the KV cache carried into the next step; nil before the first
// step, when caching is disabled and after the session is done.
func (s *Session) Cache() KVCache { return s.cache }

// Stream yields the generated suffix after every new token. Iteration ends
// after EOS, when the budget is spent, on the first error, or when the
// caller stops ranging.
func (g *Generator) Stream(prompt []int, cfg GenerateConfig) iter.Seq2[[]int, error] {
	return func(yield func([]int, error) bool) {
		s, err := g.NewSession(prompt, cfg)
		if err != nil {
			yield(nil, err)
			return
		}
		for s.State() != StateDone {
			if _, err := s.Step(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(s.Generated(), nil) {
				return
			}
		}
	}
}

// Generate strips PadID from each prompt row, decodes every row to
// completion on its own and returns prompt+generation rows right-padded
// with PadID to a common length. With a fixed seed every row gets its own
// fixed seed (see rowSeed).
func (g *Generator) Generate(prompts [][]int, cfg GenerateConfig) ([][]int, error) {
	results := make([][]int, len(prompts))
	longest := 0
	for i, row := range prompts {
		prompt := slices.DeleteFunc(slices.Clone(row), func(id int) bool { return id == cfg.PadID })

		rowCfg := cfg
		rowCfg.Seed = rowSeed(cfg.Seed, i, len(prompts))
		s, err := g.NewSession(prompt, rowCfg)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for s.State() != StateDone {
			if _, err := s.Step(); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		results[i] = s.Tokens()
		longest = max(longest, len(results[i]))
	}

	for i, r := range results {
		for len(r) < longest {
			r = append(r, cfg.PadID)
		}
		results[i] = r
	}
	return results, nil
}

// rowSeed returns seed+i for row i of n. 0 keeps the time-based meaning;
// a fixed seed whose row offset lands on 0 moves that row to seed+n, which
// no other row uses.
func rowSeed(seed int64, i, n int) int64 {
	if seed == 0 {
		return 0
	}
	s := seed + int64(i)
	if s == 0 {
		s = seed + int64(n)
	}
	return s
}
