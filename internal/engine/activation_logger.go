package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/23skdu/longbow-minimind/internal/logger"
)

// ActivationLog stores per-pass, layer-by-layer activation summaries.
type ActivationLog struct {
	Passes []PassLog `json:"passes"`
}

// PassLog captures one forward call.
type PassLog struct {
	Tokens    []int      `json:"tokens"`
	Embedding []float32  `json:"embedding"` // first 16 values
	Layers    []LayerLog `json:"layers"`
	TopLogits []TopLogit `json:"top_logits"`
}

// LayerLog summarises one block's output.
type LayerLog struct {
	Idx      int       `json:"idx"`
	MaxAbs   float32   `json:"max_abs"`
	MeanAbs  float32   `json:"mean_abs"`
	Sample   []float32 `json:"sample"`
	NaNCount int       `json:"nan_count"`
	InfCount int       `json:"inf_count"`
}

type TopLogit struct {
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
}

const (
	sampleSize = 16
	topLogits  = 5
)

// ActivationLogger collects activation statistics while enabled. A nil
// logger ignores every call.
type ActivationLogger struct {
	mu      sync.Mutex
	enabled bool
	log     ActivationLog
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{enabled: true}
}

func (al *ActivationLogger) on() bool {
	return al != nil && al.enabled
}

// Disable stops collection; collected passes are kept.
func (al *ActivationLogger) Disable() {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.enabled = false
}

// LogEmbedding starts a new pass.
func (al *ActivationLogger) LogEmbedding(tokens []int, data []float32) {
	if !al.on() {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.log.Passes = append(al.log.Passes, PassLog{
		Tokens:    append([]int(nil), tokens...),
		Embedding: sample(data, sampleSize),
	})
}

func (al *ActivationLogger) LogLayer(idx int, data []float32) {
	if !al.on() {
		return
	}
	maxAbs, meanAbs := absStats(data)
	nan, inf := countNaNInf(data)
	if nan > 0 || inf > 0 {
		logger.Log.Warn("Non-finite activations", "layer", idx, "nan", nan, "inf", inf)
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	p := al.current()
	p.Layers = append(p.Layers, LayerLog{
		Idx:      idx,
		MaxAbs:   maxAbs,
		MeanAbs:  meanAbs,
		Sample:   sample(data, sampleSize),
		NaNCount: nan,
		InfCount: inf,
	})
}

// LogLogits keeps the highest logits of the last position.
func (al *ActivationLogger) LogLogits(logits []float32) {
	if !al.on() {
		return
	}
	top := make([]TopLogit, 0, topLogits+1)
	for id, v := range logits {
		if len(top) == topLogits && v <= top[len(top)-1].Logit {
			continue
		}
		i := len(top)
		for i > 0 && top[i-1].Logit < v {
			i--
		}
		top = append(top, TopLogit{})
		copy(top[i+1:], top[i:])
		top[i] = TopLogit{ID: id, Logit: v}
		if len(top) > topLogits {
			top = top[:topLogits]
		}
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	al.current().TopLogits = top
}

func (al *ActivationLogger) current() *PassLog {
	if len(al.log.Passes) == 0 {
		al.log.Passes = append(al.log.Passes, PassLog{})
	}
	return &al.log.Passes[len(al.log.Passes)-1]
}

// Log returns a copy of what has been collected so far.
func (al *ActivationLogger) Log() ActivationLog {
	al.mu.Lock()
	defer al.mu.Unlock()
	return ActivationLog{Passes: append([]PassLog(nil), al.log.Passes...)}
}

// SaveToFile writes the collected passes as indented JSON.
func (al *ActivationLogger) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(al.Log(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	logger.Log.Info("Activation log saved", "path", filename)
	return nil
}

// sample copies the first n values with non-finite entries zeroed so the
// log stays JSON-encodable.
func sample(data []float32, n int) []float32 {
	n = min(n, len(data))
	out := make([]float32, n)
	for i, v := range data[:n] {
		if finite(v) {
			out[i] = v
		}
	}
	return out
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

func absStats(data []float32) (maxAbs, meanAbs float32) {
	if len(data) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range data {
		if !finite(v) {
			continue
		}
		a := float32(math.Abs(float64(v)))
		if a > maxAbs {
			maxAbs = a
		}
		sum += float64(a)
	}
	return maxAbs, float32(sum / float64(len(data)))
}

func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
