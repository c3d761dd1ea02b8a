package cpu

import (
	"fmt"
	"math"
	"runtime"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ParallelFor splits [0, n) into contiguous chunks, one per CPU, and runs fn
// on each chunk concurrently.
func ParallelFor(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	parallelism := runtime.GOMAXPROCS(0)
	if parallelism > n {
		parallelism = n
	}
	if parallelism == 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + parallelism - 1) / parallelism
	var g errgroup.Group
	for lo := 0; lo < n; lo += chunkSize {
		hi := min(lo+chunkSize, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// Linear computes x @ w^T. x is [..., in] and w is [out, in] (row per output
// feature); the result is [..., out].
func Linear(x, w *Tensor) *Tensor {
	in := x.Dim(-1)
	if w.Rank() != 2 || w.Dim(1) != in {
		panic(fmt.Sprintf("cpu: linear weight %v does not match input %v", w.shape, x.shape))
	}
	out := w.Dim(0)
	rows := x.Rows()

	shape := x.Shape()
	shape[len(shape)-1] = out
	y := NewTensor(shape...)
	if rows == 0 || out == 0 || in == 0 {
		return y
	}

	a := blas32.General{Rows: rows, Cols: in, Stride: in, Data: x.data}
	b := blas32.General{Rows: out, Cols: in, Stride: in, Data: w.data}
	c := blas32.General{Rows: rows, Cols: out, Stride: out, Data: y.data}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)
	return y
}

// RMSNorm scales every last-axis vector of x by the reciprocal root mean
// square and then by w. The reduction runs in float64.
func RMSNorm(x, w *Tensor, eps float32) *Tensor {
	size := x.Dim(-1)
	if w.Len() != size {
		panic(fmt.Sprintf("cpu: rmsnorm weight %v does not match input %v", w.shape, x.shape))
	}
	out := NewTensor(x.shape...)
	in, o, wd := x.data, out.data, w.data

	ParallelFor(x.Rows(), func(lo, hi int) {
		for row := lo; row < hi; row++ {
			off := row * size
			var sum float64
			for j := 0; j < size; j++ {
				v := float64(in[off+j])
				sum += v * v
			}
			inv := 1.0 / math.Sqrt(sum/float64(size)+float64(eps))
			for j := 0; j < size; j++ {
				o[off+j] = wd[j] * float32(float64(in[off+j])*inv)
			}
		}
	})
	return out
}

// Softmax normalizes x in place. The running sum is kept in float64.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - maxVal))
		x[i] = float32(e)
		sum += e
	}
	if sum > 0 {
		inv := 1.0 / sum
		for i := range x {
			x[i] = float32(float64(x[i]) * inv)
		}
	}
}

func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU returns SiLU(gate) * up elementwise.
func SwiGLU(gate, up *Tensor) *Tensor {
	if !gate.SameShape(up) {
		panic(fmt.Sprintf("cpu: swiglu shapes differ: %v vs %v", gate.shape, up.shape))
	}
	out := NewTensor(gate.shape...)
	g, u, o := gate.data, up.data, out.data
	for i := range g {
		o[i] = SiLU(g[i]) * u[i]
	}
	return out
}

func Add(a, b *Tensor) *Tensor {
	out := a.Clone()
	AddInPlace(out, b)
	return out
}

func AddInPlace(dst, src *Tensor) {
	if dst.Len() != src.Len() {
		panic(fmt.Sprintf("cpu: add shapes differ: %v vs %v", dst.shape, src.shape))
	}
	d, s := dst.data, src.data
	for i := range d {
		d[i] += s[i]
	}
}

// ConcatAxis1 joins a and b along axis 1. Both tensors must agree on every
// other axis; a nil a returns a copy of b.
func ConcatAxis1(a, b *Tensor) (*Tensor, error) {
	if a == nil {
		return b.Clone(), nil
	}
	if a.Rank() < 2 || a.Rank() != b.Rank() || a.shape[0] != b.shape[0] {
		return nil, fmt.Errorf("cpu: cannot concat %v and %v", a.shape, b.shape)
	}
	for i := 2; i < a.Rank(); i++ {
		if a.shape[i] != b.shape[i] {
			return nil, fmt.Errorf("cpu: cannot concat %v and %v", a.shape, b.shape)
		}
	}
	inner := 1
	for _, d := range a.shape[2:] {
		inner *= d
	}
	aRow := a.shape[1] * inner
	bRow := b.shape[1] * inner

	shape := a.Shape()
	shape[1] = a.shape[1] + b.shape[1]
	out := NewTensor(shape...)
	for i := 0; i < a.shape[0]; i++ {
		dst := out.data[i*(aRow+bRow):]
		copy(dst, a.data[i*aRow:(i+1)*aRow])
		copy(dst[aRow:], b.data[i*bRow:(i+1)*bRow])
	}
	return out, nil
}

// Embedding gathers rows of table ([vocab, dim]) for ids into [len(ids), dim].
func Embedding(table *Tensor, ids []int) *Tensor {
	dim := table.Dim(1)
	out := NewTensor(len(ids), dim)
	for i, id := range ids {
		copy(out.data[i*dim:(i+1)*dim], table.data[id*dim:(id+1)*dim])
	}
	return out
}

// GatherRows copies the listed last-axis vectors of x into a new [len(rows), d] tensor.
func GatherRows(x *Tensor, rows []int) *Tensor {
	d := x.Dim(-1)
	out := NewTensor(len(rows), d)
	for i, r := range rows {
		copy(out.data[i*d:(i+1)*d], x.data[r*d:(r+1)*d])
	}
	return out
}

// ScatterAddRows adds scale[i] * src row i into dst row rows[i].
func ScatterAddRows(dst *Tensor, rows []int, src *Tensor, scale []float32) {
	d := dst.Dim(-1)
	for i, r := range rows {
		w := scale[i]
		s := src.data[i*d : (i+1)*d]
		o := dst.data[r*d : (r+1)*d]
		for j := range o {
			o[j] += w * s[j]
		}
	}
}

func HalfToFloat(src []uint16, dst []float32) {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}

func FloatToHalf(src []float32, dst []uint16) {
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f).Bits()
	}
}
