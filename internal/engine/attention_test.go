package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

func TestRepeatKV(t *testing.T) {
	x := randomTensor(1, 2, 3, 2, 4)
	out := RepeatKV(x, 3)

	require.Equal(t, []int{2, 3, 6, 4}, out.Shape())
	for b := 0; b < 2; b++ {
		for s := 0; s < 3; s++ {
			for h := 0; h < 6; h++ {
				kv := h / 3
				src := x.Data()[((b*3+s)*2+kv)*4:][:4]
				dst := out.Data()[((b*3+s)*6+h)*4:][:4]
				assert.Equal(t, src, dst, "b=%d s=%d h=%d", b, s, h)
			}
		}
	}
}

func TestRepeatKVIdentity(t *testing.T) {
	x := randomTensor(2, 1, 2, 2, 4)
	assert.Same(t, x, RepeatKV(x, 1))
}

func TestAttentionIsCausal(t *testing.T) {
	m := newTestModel(t, tinyConfig())

	a, err := m.Forward([][]int{{3, 5, 7, 9}}, nil, false, 0)
	require.NoError(t, err)
	b, err := m.Forward([][]int{{3, 5, 7, 1}}, nil, false, 0)
	require.NoError(t, err)

	vocab := m.Config().VocabSize
	// Positions before the changed token must not see it.
	requireApprox(t, a.Logits.Data()[:3*vocab], b.Logits.Data()[:3*vocab])
	assert.NotEqual(t, a.Logits.Data()[3*vocab:], b.Logits.Data()[3*vocab:])
}

func TestSingleQueryMatchesFullAttention(t *testing.T) {
	cfg := tinyConfig()
	m := newTestModel(t, cfg)
	att := m.layers[0].attention

	x := randomTensor(3, 1, 4, cfg.Dim)
	win, err := m.rope.Window(0, 4)
	require.NoError(t, err)
	full, _, err := att.Forward(x, win, nil, false, nil)
	require.NoError(t, err)

	prefix := cpu.MustFromSlice(append([]float32(nil), x.Data()[:3*cfg.Dim]...), 1, 3, cfg.Dim)
	win, _ = m.rope.Window(0, 3)
	_, entry, err := att.Forward(prefix, win, nil, true, nil)
	require.NoError(t, err)
	require.Equal(t, 3, entry.SeqLen())

	last := cpu.MustFromSlice(append([]float32(nil), x.Data()[3*cfg.Dim:]...), 1, 1, cfg.Dim)
	win, _ = m.rope.Window(3, 1)
	step, entry, err := att.Forward(last, win, entry, true, nil)
	require.NoError(t, err)
	require.Equal(t, 4, entry.SeqLen())

	requireApprox(t, full.Data()[3*cfg.Dim:], step.Data())
}

func TestAttentionRejectsMisplacedCache(t *testing.T) {
	cfg := tinyConfig()
	m := newTestModel(t, cfg)
	att := m.layers[0].attention

	win, _ := m.rope.Window(0, 2)
	_, entry, err := att.Forward(randomTensor(4, 1, 2, cfg.Dim), win, nil, true, nil)
	require.NoError(t, err)

	win, _ = m.rope.Window(5, 1)
	_, _, err = att.Forward(randomTensor(5, 1, 1, cfg.Dim), win, entry, true, nil)
	require.ErrorIs(t, err, ErrCacheShape)

	win, _ = m.rope.Window(2, 1)
	_, _, err = att.Forward(randomTensor(6, 2, 1, cfg.Dim), win, entry, true, nil)
	require.ErrorIs(t, err, ErrCacheShape)
}
