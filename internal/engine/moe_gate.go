package engine

import (
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

// Routing is one gate decision. Indices and Weights are row-major
// (Tokens, TopK).
type Routing struct {
	Indices []int
	Weights []float32
	TopK    int
	Tokens  int
	AuxLoss float32
}

// ExpertCounts returns how many (token, slot) assignments each of n experts
// received.
func (r *Routing) ExpertCounts(n int) []int {
	counts := make([]int, n)
	for _, e := range r.Indices {
		counts[e]++
	}
	return counts
}

// Gate scores every token against every routed expert and keeps the top-k.
type Gate struct {
	weight *cpu.Tensor // [experts, dim]

	experts  int
	topK     int
	normTopK bool
	alpha    float32
	seqAux   bool
}

// Route flattens x (batch, seq, dim) into tokens and routes each one. The
// auxiliary loss is only computed when training with a positive alpha.
func (g *Gate) Route(x *cpu.Tensor, training bool) *Routing {
	batch, seqLen := x.Dim(0), x.Dim(1)
	tokens := batch * seqLen

	logits := cpu.Linear(x.Reshape(tokens, x.Dim(-1)), g.weight)
	scores := logits.Data()
	for t := 0; t < tokens; t++ {
		cpu.Softmax(scores[t*g.experts : (t+1)*g.experts])
	}

	r := &Routing{
		Indices: make([]int, tokens*g.topK),
		Weights: make([]float32, tokens*g.topK),
		TopK:    g.topK,
		Tokens:  tokens,
	}

	neg := make([]float64, g.experts)
	order := make([]int, g.experts)
	for t := 0; t < tokens; t++ {
		row := scores[t*g.experts : (t+1)*g.experts]
		for e, s := range row {
			neg[e] = -float64(s)
		}
		floats.Argsort(neg, order)

		idx := r.Indices[t*g.topK : (t+1)*g.topK]
		w := r.Weights[t*g.topK : (t+1)*g.topK]
		var sum float64
		for k := range idx {
			idx[k] = order[k]
			w[k] = row[order[k]]
			sum += float64(w[k])
		}
		if g.topK > 1 && g.normTopK {
			inv := 1 / (sum + 1e-20)
			for k := range w {
				w[k] = float32(float64(w[k]) * inv)
			}
		}
	}

	if training && g.alpha > 0 {
		if g.seqAux {
			r.AuxLoss = g.seqAuxLoss(scores, r.Indices, batch, seqLen)
		} else {
			r.AuxLoss = g.globalAuxLoss(scores, r.Indices, tokens)
		}
	}
	return r
}

// seqAuxLoss balances experts within each sequence: per batch row, selection
// frequency scaled by experts/(seq·topK) times mean score, summed over
// experts and averaged over the batch.
func (g *Gate) seqAuxLoss(scores []float32, indices []int, batch, seqLen int) float32 {
	scale := float64(g.experts) / float64(seqLen*g.topK)
	freq := make([]float64, g.experts)
	mean := make([]float64, g.experts)

	var total float64
	for b := 0; b < batch; b++ {
		clear(freq)
		clear(mean)
		for s := 0; s < seqLen; s++ {
			t := b*seqLen + s
			for _, e := range indices[t*g.topK : (t+1)*g.topK] {
				freq[e]++
			}
			for e, v := range scores[t*g.experts : (t+1)*g.experts] {
				mean[e] += float64(v)
			}
		}
		for e := range freq {
			total += freq[e] * scale * mean[e] / float64(seqLen)
		}
	}
	return float32(total / float64(batch) * float64(g.alpha))
}

// globalAuxLoss pools every selection in the batch: fraction of selections
// per expert times its mean score, times experts.
func (g *Gate) globalAuxLoss(scores []float32, indices []int, tokens int) float32 {
	ce := make([]float64, g.experts)
	for _, e := range indices {
		ce[e]++
	}
	pi := make([]float64, g.experts)
	for t := 0; t < tokens; t++ {
		for e, v := range scores[t*g.experts : (t+1)*g.experts] {
			pi[e] += float64(v)
		}
	}

	selections := float64(len(indices))
	var loss float64
	for e := range ce {
		loss += (pi[e] / float64(tokens)) * (ce[e] / selections) * float64(g.experts)
	}
	return float32(loss * float64(g.alpha))
}
