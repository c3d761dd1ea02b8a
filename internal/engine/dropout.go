package engine

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

// pass carries the per-forward execution mode. Dropout is only active in
// training mode with a positive rate.
type pass struct {
	training bool
	rate     float32
	rng      *rand.Rand
}

func (p *pass) dropoutActive() bool {
	return p != nil && p.training && p.rate > 0
}

// dropoutInPlace zeroes each element with probability rate and rescales the
// survivors by 1/(1-rate).
func (p *pass) dropoutInPlace(t *cpu.Tensor) {
	if !p.dropoutActive() {
		return
	}
	scale := 1 / (1 - p.rate)
	d := t.Data()
	for i := range d {
		if p.rng.Float32() < p.rate {
			d[i] = 0
		} else {
			d[i] *= scale
		}
	}
}

// streams draws one seed per parallel task so that goroutines never share
// the pass RNG and results do not depend on scheduling.
func (p *pass) streams(n int) []uint64 {
	if !p.dropoutActive() {
		return nil
	}
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = p.rng.Uint64()
	}
	return seeds
}
