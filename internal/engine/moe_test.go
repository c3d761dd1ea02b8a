package engine

import (
	"math"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/metrics"
)

func testGate(topK int, norm bool) *Gate {
	return &Gate{
		weight:   randomTensor(11, 4, 8),
		experts:  4,
		topK:     topK,
		normTopK: norm,
		alpha:    0.1,
		seqAux:   true,
	}
}

func TestGateFullTopKEqualsSoftmax(t *testing.T) {
	g := testGate(4, false)
	x := randomTensor(12, 2, 3, 8)
	r := g.Route(x, false)

	scores := cpu.Linear(x.Reshape(6, 8), g.weight)
	for tok := 0; tok < 6; tok++ {
		probs := scores.Row(tok)
		cpu.Softmax(probs)
		for k := 0; k < 4; k++ {
			e := r.Indices[tok*4+k]
			assert.InDelta(t, probs[e], r.Weights[tok*4+k], 1e-6)
		}
	}
}

func TestGateTopKSortedDescending(t *testing.T) {
	r := testGate(3, false).Route(randomTensor(13, 1, 5, 8), false)
	for tok := 0; tok < r.Tokens; tok++ {
		w := r.Weights[tok*3 : (tok+1)*3]
		assert.GreaterOrEqual(t, w[0], w[1])
		assert.GreaterOrEqual(t, w[1], w[2])
	}
}

func TestGateNormalizedWeightsSumToOne(t *testing.T) {
	r := testGate(2, true).Route(randomTensor(14, 3, 4, 8), false)
	for tok := 0; tok < r.Tokens; tok++ {
		var sum float64
		for _, w := range r.Weights[tok*2 : (tok+1)*2] {
			sum += float64(w)
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "token %d", tok)
	}
}

func TestGateAssignmentCount(t *testing.T) {
	r := testGate(2, true).Route(randomTensor(15, 1, 6, 8), false)

	require.Len(t, r.Indices, 12)
	total := 0
	for _, c := range r.ExpertCounts(4) {
		total += c
	}
	assert.Equal(t, 12, total)
}

func TestGateAuxLoss(t *testing.T) {
	x := randomTensor(16, 2, 5, 8)

	g := testGate(2, true)
	assert.Zero(t, g.Route(x, false).AuxLoss, "eval mode")

	seq := g.Route(x, true).AuxLoss
	assert.Greater(t, seq, float32(0))
	assert.False(t, math.IsNaN(float64(seq)))

	g.seqAux = false
	global := g.Route(x, true).AuxLoss
	assert.Greater(t, global, float32(0))

	g.alpha = 0
	assert.Zero(t, g.Route(x, true).AuxLoss, "alpha 0")
}

// gateScores recomputes the softmax scores a gate assigns to x.
func gateScores(g *Gate, x *cpu.Tensor) [][]float64 {
	tokens := x.Dim(0) * x.Dim(1)
	logits := cpu.Linear(x.Reshape(tokens, x.Dim(-1)), g.weight)
	out := make([][]float64, tokens)
	for tok := range out {
		row := logits.Row(tok)
		cpu.Softmax(row)
		out[tok] = make([]float64, g.experts)
		for e, v := range row {
			out[tok][e] = float64(v)
		}
	}
	return out
}

func TestGateSeqAuxLossValue(t *testing.T) {
	const batch, seqLen = 2, 5
	g := testGate(2, true)
	x := randomTensor(16, batch, seqLen, 8)
	r := g.Route(x, true)
	scores := gateScores(g, x)

	var want float64
	for b := 0; b < batch; b++ {
		ce := make([]float64, g.experts)
		mean := make([]float64, g.experts)
		for s := 0; s < seqLen; s++ {
			tok := b*seqLen + s
			for k := 0; k < g.topK; k++ {
				ce[r.Indices[tok*g.topK+k]]++
			}
			for e := range mean {
				mean[e] += scores[tok][e] / seqLen
			}
		}
		for e := range ce {
			ce[e] /= float64(seqLen*g.topK) / float64(g.experts)
			want += ce[e] * mean[e] / batch
		}
	}
	want *= float64(g.alpha)

	assert.InDelta(t, want, r.AuxLoss, 1e-6)
}

func TestGateGlobalAuxLossValue(t *testing.T) {
	g := testGate(2, true)
	g.seqAux = false
	x := randomTensor(20, 2, 5, 8)
	r := g.Route(x, true)
	scores := gateScores(g, x)

	pi := make([]float64, g.experts)
	for _, row := range scores {
		for e, v := range row {
			pi[e] += v / float64(len(scores))
		}
	}
	ce := make([]float64, g.experts)
	for _, e := range r.Indices {
		ce[e] += 1 / float64(len(r.Indices))
	}
	var want float64
	for e := range pi {
		want += pi[e] * ce[e] * float64(g.experts)
	}
	want *= float64(g.alpha)

	require.NotEqual(t, float64(g.alpha), want, "scores should not be uniform")
	assert.InDelta(t, want, r.AuxLoss, 1e-6)
}

// With uniform scores the global loss reduces to alpha whatever the
// selection.
func TestGateAuxLossUniform(t *testing.T) {
	g := &Gate{weight: cpu.NewTensor(4, 8), experts: 4, topK: 2, alpha: 0.5, seqAux: false}
	r := g.Route(randomTensor(17, 1, 4, 8), true)
	// Every score is 0.25; loss = alpha * sum(0.25 * ce * 4) = alpha.
	assert.InDelta(t, 0.5, r.AuxLoss, 1e-6)
}

func TestMoEDispatchPathsAgree(t *testing.T) {
	m := newTestModel(t, tinyMoEConfig())
	moe := m.layers[0].moe
	require.NotNil(t, moe)

	x := randomTensor(18, 2, 3, 8)
	flat := x.Reshape(6, 8)
	r := moe.gate.Route(x, false)

	train := moe.trainDispatch(flat, r, nil)
	infer := moe.inferDispatch(flat, r, nil)
	requireApprox(t, train.Data(), infer.Data())
}

func TestMoEForwardShapeAndAux(t *testing.T) {
	m := newTestModel(t, tinyMoEConfig())
	moe := m.layers[1].moe

	x := randomTensor(19, 1, 6, 8)
	out, aux := moe.Forward(x, &pass{})
	assert.Equal(t, x.Shape(), out.Shape())
	assert.Zero(t, aux)

	_, aux = moe.Forward(x, &pass{training: true})
	assert.Greater(t, aux, float32(0))
}

func TestMoERecordsExpertSelection(t *testing.T) {
	m := newTestModel(t, tinyMoEConfig())
	moe := m.layers[0].moe

	x := randomTensor(20, 1, 6, 8)
	r := moe.gate.Route(x, false)
	counts := r.ExpertCounts(4)

	before := make([]float64, 4)
	for e := range before {
		before[e] = testutil.ToFloat64(metrics.MOEExpertSelection.WithLabelValues("0", strconv.Itoa(e)))
	}
	moe.Forward(x, nil)
	for e := range before {
		got := testutil.ToFloat64(metrics.MOEExpertSelection.WithLabelValues("0", strconv.Itoa(e)))
		assert.Equal(t, float64(counts[e]), got-before[e], "expert %d", e)
	}
}

func TestMoESharedExpertAdded(t *testing.T) {
	m := newTestModel(t, tinyMoEConfig())
	moe := m.layers[0].moe
	x := randomTensor(21, 1, 2, 8)

	with, _ := moe.Forward(x, nil)
	shared := moe.shared
	moe.shared = nil
	without, _ := moe.Forward(x, nil)
	moe.shared = shared

	want := cpu.Add(without, shared.Forward(x, nil))
	requireApprox(t, want.Data(), with.Data())
}
