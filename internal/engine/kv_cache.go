package engine

import (
	"fmt"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

// KVEntry holds one layer's rotated keys and raw values, each shaped
// (batch, seen, kvHeads, headDim).
type KVEntry struct {
	Keys   *cpu.Tensor
	Values *cpu.Tensor
}

func (e *KVEntry) SeqLen() int {
	if e == nil || e.Keys == nil {
		return 0
	}
	return e.Keys.Dim(1)
}

func (e *KVEntry) Bytes() int64 {
	if e == nil || e.Keys == nil {
		return 0
	}
	return e.Keys.Bytes() + e.Values.Bytes()
}

// check verifies the entry can be extended by a step of the given shape.
func (e *KVEntry) check(batch, kvHeads, headDim int) error {
	if e.Keys == nil || e.Values == nil {
		return fmt.Errorf("%w: entry is missing keys or values", ErrCacheShape)
	}
	k, v := e.Keys, e.Values
	if k.Rank() != 4 || !k.SameShape(v) {
		return fmt.Errorf("%w: keys %v, values %v", ErrCacheShape, k.Shape(), v.Shape())
	}
	if k.Dim(0) != batch || k.Dim(2) != kvHeads || k.Dim(3) != headDim {
		return fmt.Errorf("%w: cached %v, step needs (%d, *, %d, %d)",
			ErrCacheShape, k.Shape(), batch, kvHeads, headDim)
	}
	return nil
}

// KVCache is the per-layer cache list of one generation session. A nil slot
// means the layer has not been primed yet.
type KVCache []*KVEntry

// SeqLen is the number of positions held, read from the first layer.
func (c KVCache) SeqLen() int {
	if len(c) == 0 {
		return 0
	}
	return c[0].SeqLen()
}

func (c KVCache) Bytes() int64 {
	var n int64
	for _, e := range c {
		n += e.Bytes()
	}
	return n
}
