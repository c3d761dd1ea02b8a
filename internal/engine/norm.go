package engine

import "github.com/23skdu/longbow-minimind/internal/cpu"

// RMSNorm is a learned per-channel scale applied after root-mean-square
// normalization.
type RMSNorm struct {
	Weight *cpu.Tensor
	Eps    float32
}

func (n *RMSNorm) Forward(x *cpu.Tensor) *cpu.Tensor {
	return cpu.RMSNorm(x, n.Weight, n.Eps)
}
