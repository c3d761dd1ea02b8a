package weights

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/logger"
)

// Precision selects how tensor data is laid out on disk.
type Precision string

const (
	Float32 Precision = "float32"
	Half    Precision = "float16"

	precisionKey = "minimind.precision"
)

type arrowOptions struct {
	mem memory.Allocator
}

type ArrowOption func(*arrowOptions)

// WithAllocator overrides the Arrow allocator used for building and reading
// record batches.
func WithAllocator(mem memory.Allocator) ArrowOption {
	return func(o *arrowOptions) { o.mem = mem }
}

func applyOptions(opts []ArrowOption) arrowOptions {
	o := arrowOptions{mem: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func schemaFor(prec Precision) (*arrow.Schema, error) {
	var elem arrow.DataType
	switch prec {
	case Float32:
		elem = arrow.PrimitiveTypes.Float32
	case Half:
		elem = arrow.PrimitiveTypes.Uint16
	default:
		return nil, fmt.Errorf("unsupported precision %q", prec)
	}
	md := arrow.NewMetadata([]string{precisionKey}, []string{string(prec)})
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(elem)},
	}, &md), nil
}

// WriteArrow serialises every tensor of s, in name order, as one record batch
// of an Arrow IPC stream.
func WriteArrow(w io.Writer, s *Store, prec Precision, opts ...ArrowOption) error {
	o := applyOptions(opts)
	schema, err := schemaFor(prec)
	if err != nil {
		return err
	}

	b := array.NewRecordBuilder(o.mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(2).(*array.ListBuilder)

	for _, name := range s.Names() {
		t := s.get(name)
		names.Append(name)

		shapes.Append(true)
		for _, d := range t.Shape() {
			shapeVals.Append(int64(d))
		}

		data.Append(true)
		switch prec {
		case Float32:
			data.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data(), nil)
		case Half:
			bits := make([]uint16, t.Len())
			cpu.FloatToHalf(t.Data(), bits)
			data.ValueBuilder().(*array.Uint16Builder).AppendValues(bits, nil)
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(o.mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("write weights: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close weights stream: %w", err)
	}
	logger.Log.Info("Wrote weights", "tensors", rec.NumRows(), "precision", string(prec))
	return nil
}

// ReadArrow loads a stream written by WriteArrow into a new Store. Half
// precision data is widened back to float32.
func ReadArrow(r io.Reader, opts ...ArrowOption) (*Store, error) {
	o := applyOptions(opts)
	ir, err := ipc.NewReader(r, ipc.WithAllocator(o.mem))
	if err != nil {
		return nil, fmt.Errorf("open weights stream: %w", err)
	}
	defer ir.Release()

	prec := Float32
	md := ir.Schema().Metadata()
	if i := md.FindKey(precisionKey); i >= 0 {
		prec = Precision(md.Values()[i])
	}

	s := NewStore()
	for ir.Next() {
		if err := readRecord(ir.Record(), prec, s); err != nil {
			return nil, err
		}
	}
	if err := ir.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	logger.Log.Info("Loaded weights", "tensors", s.Len(), "precision", string(prec))
	return s, nil
}

func readRecord(rec arrow.Record, prec Precision, s *Store) error {
	if rec.NumCols() != 3 {
		return fmt.Errorf("%w: record has %d columns, want 3", ErrShape, rec.NumCols())
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("%w: name column is %s", ErrShape, rec.Column(0).DataType())
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return fmt.Errorf("%w: shape column is %s", ErrShape, rec.Column(1).DataType())
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return fmt.Errorf("%w: data column is %s", ErrShape, rec.Column(2).DataType())
	}
	shapeVals, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return fmt.Errorf("%w: shape values are %s", ErrShape, shapes.ListValues().DataType())
	}

	for i := 0; i < names.Len(); i++ {
		name := names.Value(i)

		lo, hi := shapes.ValueOffsets(i)
		shape := make([]int, 0, hi-lo)
		for j := lo; j < hi; j++ {
			d := shapeVals.Value(int(j))
			if d < 0 {
				return fmt.Errorf("%w: %s has negative dim %d", ErrShape, name, d)
			}
			shape = append(shape, int(d))
		}

		lo, hi = data.ValueOffsets(i)
		vals := make([]float32, hi-lo)
		switch prec {
		case Float32:
			f, ok := data.ListValues().(*array.Float32)
			if !ok {
				return fmt.Errorf("%w: %s data is not float32", ErrShape, name)
			}
			copy(vals, f.Float32Values()[lo:hi])
		case Half:
			h, ok := data.ListValues().(*array.Uint16)
			if !ok {
				return fmt.Errorf("%w: %s data is not float16", ErrShape, name)
			}
			cpu.HalfToFloat(h.Uint16Values()[lo:hi], vals)
		default:
			return fmt.Errorf("unsupported precision %q", prec)
		}

		t, err := cpu.FromSlice(vals, shape...)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrShape, name, err)
		}
		s.Put(name, t)
	}
	return nil
}
