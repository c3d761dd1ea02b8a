package engine

import "github.com/23skdu/longbow-minimind/internal/cpu"

// FeedForward is the SwiGLU block W2·(SiLU(W1·x) ⊙ W3·x). w1 and w3 are
// [hidden, dim], w2 is [dim, hidden].
type FeedForward struct {
	w1, w2, w3 *cpu.Tensor
}

// Forward accepts any tensor whose last axis is dim.
func (f *FeedForward) Forward(x *cpu.Tensor, p *pass) *cpu.Tensor {
	h := cpu.SwiGLU(cpu.Linear(x, f.w1), cpu.Linear(x, f.w3))
	out := cpu.Linear(h, f.w2)
	p.dropoutInPlace(out)
	return out
}
