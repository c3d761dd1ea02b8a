package engine

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

// Attention is causal grouped-query self-attention with rotary positions.
// Projections carry no bias; wq is [heads*headDim, dim], wk and wv are
// [kvHeads*headDim, dim] and wo is [dim, heads*headDim].
type Attention struct {
	wq, wk, wv, wo *cpu.Tensor

	heads, kvHeads, headDim int
	nRep                    int
	maxSeqLen               int
}

// RepeatKV broadcasts each key/value head to nRep consecutive query heads:
// (batch, seq, kvHeads, headDim) -> (batch, seq, kvHeads*nRep, headDim).
func RepeatKV(x *cpu.Tensor, nRep int) *cpu.Tensor {
	if nRep == 1 {
		return x
	}
	batch, seq, kvHeads, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := cpu.NewTensor(batch, seq, kvHeads*nRep, headDim)
	src, dst := x.Data(), out.Data()
	for bs := 0; bs < batch*seq; bs++ {
		for kv := 0; kv < kvHeads; kv++ {
			row := src[(bs*kvHeads+kv)*headDim : (bs*kvHeads+kv+1)*headDim]
			for r := 0; r < nRep; r++ {
				h := kv*nRep + r
				copy(dst[(bs*kvHeads*nRep+h)*headDim:], row)
			}
		}
	}
	return out
}

// Forward attends x, shaped (batch, seq, dim), over the cached and new
// positions. past must hold exactly win.Start positions. When useCache is
// set the returned entry holds every key/value seen so far.
func (a *Attention) Forward(x *cpu.Tensor, win Window, past *KVEntry, useCache bool, p *pass) (*cpu.Tensor, *KVEntry, error) {
	batch, seqLen := x.Dim(0), x.Dim(1)

	q := cpu.Linear(x, a.wq).Reshape(batch, seqLen, a.heads, a.headDim)
	k := cpu.Linear(x, a.wk).Reshape(batch, seqLen, a.kvHeads, a.headDim)
	v := cpu.Linear(x, a.wv).Reshape(batch, seqLen, a.kvHeads, a.headDim)

	if err := ApplyRotary(q, win); err != nil {
		return nil, nil, err
	}
	if err := ApplyRotary(k, win); err != nil {
		return nil, nil, err
	}

	if past != nil {
		if err := past.check(batch, a.kvHeads, a.headDim); err != nil {
			return nil, nil, err
		}
		if past.SeqLen() != win.Start {
			return nil, nil, fmt.Errorf("%w: cache holds %d positions but step starts at %d",
				ErrCacheShape, past.SeqLen(), win.Start)
		}
		if past.SeqLen()+seqLen > a.maxSeqLen {
			return nil, nil, fmt.Errorf("%w: %d cached + %d new > %d",
				ErrSequenceTooLong, past.SeqLen(), seqLen, a.maxSeqLen)
		}
		var err error
		if k, err = cpu.ConcatAxis1(past.Keys, k); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCacheShape, err)
		}
		if v, err = cpu.ConcatAxis1(past.Values, v); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCacheShape, err)
		}
	}

	var entry *KVEntry
	if useCache {
		entry = &KVEntry{Keys: k, Values: v}
	}

	out := a.attend(q, RepeatKV(k, a.nRep), RepeatKV(v, a.nRep), p)
	y := cpu.Linear(out.Reshape(batch, seqLen, a.heads*a.headDim), a.wo)
	p.dropoutInPlace(y)
	return y, entry, nil
}

// attend computes softmax(q·kᵀ/√d + causal mask)·v per (batch, head).
// q is (batch, seq, heads, headDim); keys and values are (batch, total,
// heads, headDim) where the last seq positions of total are the queries'.
func (a *Attention) attend(q, keys, values *cpu.Tensor, p *pass) *cpu.Tensor {
	batch, seqLen := q.Dim(0), q.Dim(1)
	total := keys.Dim(1)
	offset := total - seqLen
	scale := float32(1 / math.Sqrt(float64(a.headDim)))

	out := cpu.NewTensor(batch, seqLen, a.heads, a.headDim)
	tasks := batch * a.heads
	seeds := p.streams(tasks)

	cpu.ParallelFor(tasks, func(lo, hi int) {
		scores := make([]float32, total)
		acc := make([]float32, a.headDim)
		for task := lo; task < hi; task++ {
			b, h := task/a.heads, task%a.heads
			hd := head{
				q: q.Data(), k: keys.Data(), v: values.Data(), out: out.Data(),
				b: b, h: h, heads: a.heads, headDim: a.headDim,
				seqLen: seqLen, total: total, scale: scale,
			}
			if seeds != nil {
				hd.rng = rand.New(rand.NewPCG(seeds[task], uint64(task)))
				hd.rate = p.rate
			}
			if seqLen == 1 {
				hd.single(scores)
			} else {
				hd.causal(offset, acc)
			}
		}
	})
	return out
}

// head addresses one (batch, head) slice of the attention inputs.
type head struct {
	q, k, v, out   []float32
	b, h           int
	heads, headDim int
	seqLen, total  int
	scale          float32

	rng  *rand.Rand
	rate float32
}

func (hd *head) qRow(i int) []float32 {
	off := ((hd.b*hd.seqLen+i)*hd.heads + hd.h) * hd.headDim
	return hd.q[off : off+hd.headDim]
}

func (hd *head) kvOffset(j int) int {
	return ((hd.b*hd.total+j)*hd.heads + hd.h) * hd.headDim
}

func (hd *head) outRow(i int) []float32 {
	off := ((hd.b*hd.seqLen+i)*hd.heads + hd.h) * hd.headDim
	return hd.out[off : off+hd.headDim]
}

// keep returns the inverted-dropout multiplier for one attention weight.
func (hd *head) keep() float32 {
	if hd.rng == nil {
		return 1
	}
	if hd.rng.Float32() < hd.rate {
		return 0
	}
	return 1 / (1 - hd.rate)
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// single handles one new query against every cached key. Nothing lies in
// the future of the newest position, so no mask is applied.
func (hd *head) single(scores []float32) {
	qr := hd.qRow(0)
	for j := 0; j < hd.total; j++ {
		off := hd.kvOffset(j)
		scores[j] = dot(qr, hd.k[off:off+hd.headDim]) * hd.scale
	}
	cpu.Softmax(scores[:hd.total])

	o := hd.outRow(0)
	for j := 0; j < hd.total; j++ {
		w := scores[j] * hd.keep()
		if w == 0 {
			continue
		}
		off := hd.kvOffset(j)
		vr := hd.v[off : off+hd.headDim]
		for d := range o {
			o[d] += w * vr[d]
		}
	}
}

// causal streams keys through an online softmax so the (seq × total)
// score matrix is never materialized. Query i sits at absolute position
// offset+i and sees keys 0..offset+i.
func (hd *head) causal(offset int, acc []float32) {
	for i := 0; i < hd.seqLen; i++ {
		qr := hd.qRow(i)
		for d := range acc {
			acc[d] = 0
		}
		runMax := float32(math.Inf(-1))
		var denom float64

		for j := 0; j <= offset+i; j++ {
			off := hd.kvOffset(j)
			s := dot(qr, hd.k[off:off+hd.headDim]) * hd.scale
			if s > runMax {
				corr := math.Exp(float64(runMax - s))
				denom *= corr
				for d := range acc {
					acc[d] *= float32(corr)
				}
				runMax = s
			}
			e := math.Exp(float64(s - runMax))
			denom += e
			w := float32(e) * hd.keep()
			if w == 0 {
				continue
			}
			vr := hd.v[off : off+hd.headDim]
			for d := range acc {
				acc[d] += w * vr[d]
			}
		}

		o := hd.outRow(i)
		inv := float32(1 / denom)
		for d := range o {
			o[d] = acc[d] * inv
		}
	}
}
