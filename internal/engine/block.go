package engine

import "github.com/23skdu/longbow-minimind/internal/cpu"

// Block is one pre-norm transformer layer. Exactly one of ffn and moe is
// set.
type Block struct {
	attnNorm  *RMSNorm
	attention *Attention
	ffnNorm   *RMSNorm
	ffn       *FeedForward
	moe       *MoEFeedForward
}

// Forward computes h = x + attn(norm(x)) and out = h + ffn(norm(h)). It
// returns the layer's cache entry (nil unless useCache) and the MoE
// auxiliary loss (zero for dense layers).
func (b *Block) Forward(x *cpu.Tensor, win Window, past *KVEntry, useCache bool, p *pass) (*cpu.Tensor, *KVEntry, float32, error) {
	attn, entry, err := b.attention.Forward(b.attnNorm.Forward(x), win, past, useCache, p)
	if err != nil {
		return nil, nil, 0, err
	}
	h := cpu.Add(x, attn)

	normed := b.ffnNorm.Forward(h)
	var aux float32
	if b.moe != nil {
		var ffn *cpu.Tensor
		ffn, aux = b.moe.Forward(normed, p)
		cpu.AddInPlace(h, ffn)
	} else {
		cpu.AddInPlace(h, b.ffn.Forward(normed, p))
	}
	return h, entry, aux, nil
}
