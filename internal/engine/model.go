package engine

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/23skdu/longbow-minimind/internal/config"
	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/logger"
	"github.com/23skdu/longbow-minimind/internal/metrics"
	"github.com/23skdu/longbow-minimind/internal/weights"
)

// Model is the decoder stack: token embedding, transformer blocks, final
// norm and a vocabulary projection that shares the embedding tensor.
type Model struct {
	cfg config.Config

	embed  *cpu.Tensor // [vocab, dim]
	layers []*Block
	norm   *RMSNorm
	output *cpu.Tensor // same tensor as embed
	rope   *PositionTable

	mu       sync.Mutex
	training bool
	rng      *rand.Rand

	trace *ActivationLogger
}

type Option func(*Model)

// WithSeed seeds the dropout RNG used in training mode.
func WithSeed(seed uint64) Option {
	return func(m *Model) { m.rng = rand.New(rand.NewPCG(seed, seed+1)) }
}

// WithActivationLogger records per-layer activation statistics for every
// forward pass.
func WithActivationLogger(al *ActivationLogger) Option {
	return func(m *Model) { m.trace = al }
}

// NewModel validates cfg and pulls every parameter from w.
func NewModel(cfg config.Config, w weights.Provider, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ResolveHiddenDim()

	rope, err := NewPositionTable(cfg.HeadDim(), cfg.MaxSeqLen, cfg.RopeTheta)
	if err != nil {
		return nil, err
	}

	l := &loader{w: w}
	m := &Model{
		cfg:  cfg,
		rope: rope,
		rng:  rand.New(rand.NewPCG(0, 1)),
	}
	m.embed = l.get("tok_embeddings.weight", cfg.VocabSize, cfg.Dim)
	m.output = m.embed

	m.layers = make([]*Block, cfg.Layers)
	for i := range m.layers {
		m.layers[i] = newBlock(&cfg, i, l)
	}
	m.norm = &RMSNorm{Weight: l.get("norm.weight", cfg.Dim), Eps: cfg.NormEps}
	if l.err != nil {
		return nil, l.err
	}

	for _, opt := range opts {
		opt(m)
	}

	logger.Log.Info("Model initialized",
		"dim", cfg.Dim,
		"layers", cfg.Layers,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeadCount(),
		"hidden_dim", cfg.HiddenDim,
		"vocab", cfg.VocabSize,
		"max_seq_len", cfg.MaxSeqLen,
		"moe", cfg.UseMoE,
	)
	return m, nil
}

// loader keeps the first provider error so construction reads linearly.
type loader struct {
	w   weights.Provider
	err error
}

func (l *loader) get(name string, shape ...int) *cpu.Tensor {
	if l.err != nil {
		return nil
	}
	t, err := l.w.Tensor(name, shape...)
	if err != nil {
		l.err = fmt.Errorf("load %s: %w", name, err)
		return nil
	}
	return t
}

func newFeedForward(prefix string, dim, hidden int, l *loader) *FeedForward {
	return &FeedForward{
		w1: l.get(prefix+".w1.weight", hidden, dim),
		w2: l.get(prefix+".w2.weight", dim, hidden),
		w3: l.get(prefix+".w3.weight", hidden, dim),
	}
}

func newBlock(cfg *config.Config, i int, l *loader) *Block {
	prefix := fmt.Sprintf("layers.%d", i)
	headDim, kvHeads := cfg.HeadDim(), cfg.KVHeadCount()

	b := &Block{
		attnNorm: &RMSNorm{Weight: l.get(prefix+".attention_norm.weight", cfg.Dim), Eps: cfg.NormEps},
		ffnNorm:  &RMSNorm{Weight: l.get(prefix+".ffn_norm.weight", cfg.Dim), Eps: cfg.NormEps},
		attention: &Attention{
			wq:        l.get(prefix+".attention.wq.weight", cfg.Heads*headDim, cfg.Dim),
			wk:        l.get(prefix+".attention.wk.weight", kvHeads*headDim, cfg.Dim),
			wv:        l.get(prefix+".attention.wv.weight", kvHeads*headDim, cfg.Dim),
			wo:        l.get(prefix+".attention.wo.weight", cfg.Dim, cfg.Heads*headDim),
			heads:     cfg.Heads,
			kvHeads:   kvHeads,
			headDim:   headDim,
			nRep:      cfg.NRep(),
			maxSeqLen: cfg.MaxSeqLen,
		},
	}

	ffPrefix := prefix + ".feed_forward"
	if !cfg.UseMoE {
		b.ffn = newFeedForward(ffPrefix, cfg.Dim, cfg.HiddenDim, l)
		return b
	}

	moe := cfg.MoE
	b.moe = &MoEFeedForward{
		layer: i,
		gate: &Gate{
			weight:   l.get(ffPrefix+".gate.weight", moe.RoutedExperts, cfg.Dim),
			experts:  moe.RoutedExperts,
			topK:     moe.ExpertsPerToken,
			normTopK: moe.NormTopKProb,
			alpha:    moe.AuxLossAlpha,
			seqAux:   moe.SeqAux,
		},
		experts: make([]*FeedForward, moe.RoutedExperts),
	}
	for e := range b.moe.experts {
		b.moe.experts[e] = newFeedForward(fmt.Sprintf("%s.experts.%d", ffPrefix, e), cfg.Dim, cfg.HiddenDim, l)
	}
	if moe.SharedExperts > 0 {
		b.moe.shared = newFeedForward(ffPrefix+".shared_experts", cfg.Dim, cfg.HiddenDim, l)
	}
	return b
}

// Config returns the resolved configuration, hidden_dim included.
func (m *Model) Config() config.Config { return m.cfg }

// EmbeddingWeight and OutputWeight return the same tensor.
func (m *Model) EmbeddingWeight() *cpu.Tensor { return m.embed }
func (m *Model) OutputWeight() *cpu.Tensor    { return m.output }

// SetTraining switches dropout, the MoE dispatch path and the auxiliary
// loss. It must not be called while a forward pass is running.
func (m *Model) SetTraining(training bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.training = training
}

func (m *Model) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

func (m *Model) newPass() *pass {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &pass{training: m.training, rate: m.cfg.Dropout}
	if p.dropoutActive() {
		p.rng = rand.New(rand.NewPCG(m.rng.Uint64(), m.rng.Uint64()))
	}
	return p
}

// Output is the result of one forward pass.
type Output struct {
	Logits  *cpu.Tensor // (batch, seq, vocab)
	AuxLoss float32
	Cache   KVCache // nil unless useCache
}

// LastLogits returns the vocabulary logits of the final position of batch
// row b.
func (o *Output) LastLogits(b int) []float32 {
	seqLen, vocab := o.Logits.Dim(1), o.Logits.Dim(2)
	off := (b*seqLen + seqLen - 1) * vocab
	return o.Logits.Data()[off : off+vocab]
}

// Forward runs tokens, a rectangular (batch, seq) id matrix, through the
// stack starting at absolute position startPos. cache may be nil or hold
// one entry per layer from a previous call.
func (m *Model) Forward(tokens [][]int, cache KVCache, useCache bool, startPos int) (*Output, error) {
	start := time.Now()

	batch, seqLen, err := m.checkTokens(tokens)
	if err != nil {
		return nil, reject("forward", err)
	}
	if cache != nil && len(cache) != len(m.layers) {
		return nil, reject("forward", fmt.Errorf("%w: %d cache entries for %d layers",
			ErrCacheShape, len(cache), len(m.layers)))
	}
	win, err := m.rope.Window(startPos, seqLen)
	if err != nil {
		return nil, reject("forward", err)
	}

	ids := make([]int, 0, batch*seqLen)
	for _, row := range tokens {
		ids = append(ids, row...)
	}

	p := m.newPass()
	h := cpu.Embedding(m.embed, ids).Reshape(batch, seqLen, m.cfg.Dim)
	p.dropoutInPlace(h)
	m.trace.LogEmbedding(ids, h.Data())

	var next KVCache
	if useCache {
		next = make(KVCache, len(m.layers))
	}
	var aux float32
	for i, layer := range m.layers {
		var past *KVEntry
		if cache != nil {
			past = cache[i]
		}
		out, entry, layerAux, err := layer.Forward(h, win, past, useCache, p)
		if err != nil {
			return nil, reject("forward", fmt.Errorf("layer %d: %w", i, err))
		}
		h = out
		aux += layerAux
		if useCache {
			next[i] = entry
		}
		m.trace.LogLayer(i, h.Data())
	}

	logits := cpu.Linear(m.norm.Forward(h), m.output)
	m.trace.LogLogits(logits.Data()[logits.Len()-m.cfg.VocabSize:])

	mode := "decode"
	if seqLen > 1 {
		mode = "prefill"
	}
	metrics.RecordForward(mode, batch*seqLen, time.Since(start))
	if useCache {
		metrics.RecordKVCache(next.SeqLen(), next.Bytes())
	}
	if m.cfg.UseMoE && p.training {
		metrics.RecordMOEAuxLoss(aux)
	}

	return &Output{Logits: logits, AuxLoss: aux, Cache: next}, nil
}

func (m *Model) checkTokens(tokens [][]int) (batch, seqLen int, err error) {
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: no tokens to run", ErrEmptyPrompt)
	}
	batch, seqLen = len(tokens), len(tokens[0])
	for b, row := range tokens {
		if len(row) != seqLen {
			return 0, 0, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d",
				ErrRaggedBatch, b, len(row), seqLen)
		}
		for _, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return 0, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrTokenRange, id, m.cfg.VocabSize)
			}
		}
	}
	return batch, seqLen, nil
}
