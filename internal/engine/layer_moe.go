package engine

import (
	"cmp"
	"slices"
	"time"

	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/logger"
	"github.com/23skdu/longbow-minimind/internal/metrics"
)

// MoEFeedForward routes every token to its top-k experts and adds the
// always-on shared expert when one is configured.
type MoEFeedForward struct {
	layer   int
	gate    *Gate
	experts []*FeedForward
	shared  *FeedForward
}

// Forward returns the combined expert output, shaped like x, and the gate's
// auxiliary loss. Training mode replicates tokens per selected expert;
// inference groups assignments by expert so idle experts never run.
func (m *MoEFeedForward) Forward(x *cpu.Tensor, p *pass) (*cpu.Tensor, float32) {
	moeStart := time.Now()
	defer func() {
		metrics.RecordMOELayerLatency(time.Since(moeStart))
	}()

	training := p != nil && p.training
	dim := x.Dim(-1)
	flat := x.Reshape(x.Rows(), dim)

	routeStart := time.Now()
	r := m.gate.Route(x, training)
	metrics.RecordMOERoutingLatency(time.Since(routeStart))

	counts := r.ExpertCounts(len(m.experts))
	metrics.RecordMOEExpertSelection(m.layer, counts)
	logger.Log.Debug("MoE routed", "layer", m.layer, "tokens", r.Tokens, "counts", counts)

	var out *cpu.Tensor
	if training {
		out = m.trainDispatch(flat, r, p)
	} else {
		out = m.inferDispatch(flat, r, p)
	}

	if m.shared != nil {
		cpu.AddInPlace(out, m.shared.Forward(flat, p))
	}
	return out.Reshape(x.Shape()...), r.AuxLoss
}

// trainDispatch copies each token once per selected expert, runs every copy
// through its expert and sums the weighted copies per token.
func (m *MoEFeedForward) trainDispatch(flat *cpu.Tensor, r *Routing, p *pass) *cpu.Tensor {
	dim := flat.Dim(-1)
	replicaToken := make([]int, len(r.Indices))
	for i := range replicaToken {
		replicaToken[i] = i / r.TopK
	}
	replicas := cpu.GatherRows(flat, replicaToken)
	y := cpu.NewTensor(len(r.Indices), dim)

	for e, expert := range m.experts {
		var rows []int
		for i, idx := range r.Indices {
			if idx == e {
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			continue
		}
		res := expert.Forward(cpu.GatherRows(replicas, rows), p)
		for j, row := range rows {
			copy(y.Row(row), res.Row(j))
		}
	}

	out := cpu.NewTensor(flat.Rows(), dim)
	cpu.ScatterAddRows(out, replicaToken, y, r.Weights)
	return out
}

// inferDispatch stable-sorts assignments by expert id, then for each expert
// gathers its tokens, runs them as one batch and scatter-adds the weighted
// result back to the token rows.
func (m *MoEFeedForward) inferDispatch(flat *cpu.Tensor, r *Routing, p *pass) *cpu.Tensor {
	order := make([]int, len(r.Indices))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(r.Indices[a], r.Indices[b])
	})

	out := cpu.NewTensor(flat.Rows(), flat.Dim(-1))
	for lo := 0; lo < len(order); {
		e := r.Indices[order[lo]]
		hi := lo
		for hi < len(order) && r.Indices[order[hi]] == e {
			hi++
		}

		tokens := make([]int, hi-lo)
		weights := make([]float32, hi-lo)
		for j, a := range order[lo:hi] {
			tokens[j] = a / r.TopK
			weights[j] = r.Weights[a]
		}
		res := m.experts[e].Forward(cpu.GatherRows(flat, tokens), p)
		cpu.ScatterAddRows(out, tokens, res, weights)
		lo = hi
	}
	return out
}
