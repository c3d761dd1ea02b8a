package weights

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

func TestStoreLookup(t *testing.T) {
	s := NewStore()
	w := cpu.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	s.Put("a.weight", w)

	got, err := s.Tensor("a.weight", 2, 3)
	require.NoError(t, err)
	assert.Same(t, w, got)

	_, err = s.Tensor("a.weight", 3, 2)
	assert.ErrorIs(t, err, ErrShape)

	_, err = s.Tensor("b.weight", 1)
	assert.ErrorIs(t, err, ErrMissing)

	s.Put("0.weight", cpu.NewTensor(1))
	assert.Equal(t, []string{"0.weight", "a.weight"}, s.Names())
	assert.Equal(t, 2, s.Len())
}

func TestRandomIsSeeded(t *testing.T) {
	a, _ := NewRandom(5, 0.02).Tensor("w", 4, 4)
	b, _ := NewRandom(5, 0.02).Tensor("w", 4, 4)
	c, _ := NewRandom(6, 0.02).Tensor("w", 4, 4)

	assert.Equal(t, a.Data(), b.Data())
	assert.NotEqual(t, a.Data(), c.Data())
	assert.Equal(t, []int{4, 4}, a.Shape())
}

func TestRandomNormScalesStartAtOne(t *testing.T) {
	r := NewRandom(1, 0.02)
	for _, name := range []string{"norm.weight", "layers.0.attention_norm.weight", "layers.3.ffn_norm.weight"} {
		w, err := r.Tensor(name, 8)
		require.NoError(t, err)
		for _, v := range w.Data() {
			assert.Equal(t, float32(1), v, name)
		}
	}
}

func TestCaptureRecordsServedTensors(t *testing.T) {
	c := NewCapture(NewRandom(2, 0.1))
	w, err := c.Tensor("x.weight", 2, 2)
	require.NoError(t, err)
	_, err = c.Tensor("norm.weight", 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"norm.weight", "x.weight"}, c.Store().Names())
	got, err := c.Store().Tensor("x.weight", 2, 2)
	require.NoError(t, err)
	assert.Same(t, w, got)
}

func sampleStore() *Store {
	s := NewStore()
	s.Put("tok_embeddings.weight", cpu.MustFromSlice([]float32{0.5, -1.25, 3, 0.1, 7, -0.03}, 3, 2))
	s.Put("norm.weight", cpu.MustFromSlice([]float32{1, 1}, 2))
	s.Put("layers.0.attention.wq.weight", cpu.MustFromSlice([]float32{0.001, 2, -4, 8}, 2, 2))
	return s
}

func TestArrowRoundTripFloat32(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	src := sampleStore()
	var buf bytes.Buffer
	require.NoError(t, WriteArrow(&buf, src, Float32, WithAllocator(mem)))

	got, err := ReadArrow(&buf, WithAllocator(mem))
	require.NoError(t, err)
	require.Equal(t, src.Names(), got.Names())

	for _, name := range src.Names() {
		want := src.get(name)
		have, err := got.Tensor(name, want.Shape()...)
		require.NoError(t, err, name)
		assert.Equal(t, want.Data(), have.Data(), name)
	}
}

func TestArrowRoundTripHalf(t *testing.T) {
	src := sampleStore()
	var buf bytes.Buffer
	require.NoError(t, WriteArrow(&buf, src, Half))

	got, err := ReadArrow(&buf)
	require.NoError(t, err)

	approx := cmpopts.EquateApprox(1e-3, 1e-4)
	for _, name := range src.Names() {
		want := src.get(name)
		have, err := got.Tensor(name, want.Shape()...)
		require.NoError(t, err, name)
		if diff := cmp.Diff(want.Data(), have.Data(), approx); diff != "" {
			t.Errorf("%s (-want +got):\n%s", name, diff)
		}
	}
}

func TestArrowRejectsUnknownPrecision(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteArrow(&buf, sampleStore(), Precision("int8")))
}

func TestReadArrowRejectsGarbage(t *testing.T) {
	_, err := ReadArrow(bytes.NewReader([]byte("not an arrow stream")))
	assert.Error(t, err)
}

// oneTensorRecord builds a single-row record whose shape column holds
// dims typed as shapeType.
func oneTensorRecord(t *testing.T, shapeType arrow.DataType, dims []int64) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(shapeType)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.StringBuilder).Append("w")
	shapes := b.Field(1).(*array.ListBuilder)
	shapes.Append(true)
	for _, d := range dims {
		switch vb := shapes.ValueBuilder().(type) {
		case *array.Int64Builder:
			vb.Append(d)
		case *array.Int32Builder:
			vb.Append(int32(d))
		}
	}
	data := b.Field(2).(*array.ListBuilder)
	data.Append(true)
	data.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)

	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func TestReadRecordRejectsMalformedShapes(t *testing.T) {
	cases := map[string]arrow.Record{
		"int32 dims":   oneTensorRecord(t, arrow.PrimitiveTypes.Int32, []int64{1, 2}),
		"negative dim": oneTensorRecord(t, arrow.PrimitiveTypes.Int64, []int64{-1, -2}),
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewStore()
			assert.ErrorIs(t, readRecord(rec, Float32, s), ErrShape)
			assert.Zero(t, s.Len())
		})
	}

	s := NewStore()
	require.NoError(t, readRecord(oneTensorRecord(t, arrow.PrimitiveTypes.Int64, []int64{1, 2}), Float32, s))
	assert.Equal(t, 1, s.Len())
}
