package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-minimind/internal/config"
	"github.com/23skdu/longbow-minimind/internal/cpu"
)

// PositionTable holds the unit rotations e^{i·p·θ^(-2k/D)} for every
// position p < maxSeqLen and pair k < D/2, split into cos and sin planes.
// It is immutable after construction.
type PositionTable struct {
	cos, sin  []float32
	maxSeqLen int
	half      int
}

func NewPositionTable(headDim, maxSeqLen int, theta float64) (*PositionTable, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", config.ErrOddHeadDim, headDim)
	}
	half := headDim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}

	t := &PositionTable{
		cos:       make([]float32, maxSeqLen*half),
		sin:       make([]float32, maxSeqLen*half),
		maxSeqLen: maxSeqLen,
		half:      half,
	}
	for p := 0; p < maxSeqLen; p++ {
		for i, f := range freqs {
			s, c := math.Sincos(float64(p) * f)
			t.cos[p*half+i] = float32(c)
			t.sin[p*half+i] = float32(s)
		}
	}
	return t, nil
}

func (t *PositionTable) MaxSeqLen() int { return t.maxSeqLen }

// Window is the slice [Start, Start+SeqLen) of a PositionTable.
type Window struct {
	Start, SeqLen, Half int
	cos, sin            []float32
}

// Window slices the table for seqLen positions starting at start.
func (t *PositionTable) Window(start, seqLen int) (Window, error) {
	if start < 0 || seqLen < 0 || start+seqLen > t.maxSeqLen {
		return Window{}, fmt.Errorf("%w: positions [%d, %d) with max_seq_len %d",
			ErrSequenceTooLong, start, start+seqLen, t.maxSeqLen)
	}
	lo, hi := start*t.half, (start+seqLen)*t.half
	return Window{
		Start:  start,
		SeqLen: seqLen,
		Half:   t.half,
		cos:    t.cos[lo:hi],
		sin:    t.sin[lo:hi],
	}, nil
}

// Inverse returns the conjugate rotations, undoing ApplyRotary at the same
// positions.
func (w Window) Inverse() Window {
	neg := make([]float32, len(w.sin))
	for i, s := range w.sin {
		neg[i] = -s
	}
	w.sin = neg
	return w
}

// ApplyRotary rotates the (re, im) pairs of the last axis of x, shaped
// (batch, seq, heads, headDim), in place by the window's rotation for each
// sequence position.
func ApplyRotary(x *cpu.Tensor, w Window) error {
	if x.Rank() != 4 {
		return fmt.Errorf("%w: expected rank-4 tensor, got %v", ErrPositionWindow, x.Shape())
	}
	batch, seqLen, heads, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if seqLen != w.SeqLen || headDim != 2*w.Half {
		return fmt.Errorf("%w: window (%d, %d) vs tensor (%d, %d)",
			ErrPositionWindow, w.SeqLen, w.Half, seqLen, headDim/2)
	}

	data := x.Data()
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			cos := w.cos[s*w.Half : (s+1)*w.Half]
			sin := w.sin[s*w.Half : (s+1)*w.Half]
			for h := 0; h < heads; h++ {
				off := ((b*seqLen+s)*heads + h) * headDim
				v := data[off : off+headDim]
				for i := 0; i < w.Half; i++ {
					re, im := v[2*i], v[2*i+1]
					v[2*i] = re*cos[i] - im*sin[i]
					v[2*i+1] = re*sin[i] + im*cos[i]
				}
			}
		}
	}
	return nil
}
