package cpu

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-minimind/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(n int) {
	delta := int64(n) * 4
	atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordTensorAlloc(delta)
}

// AllocatedBytes reports the bytes handed out by NewTensor since start.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Tensor is a dense row-major float32 array. Reshape returns views that share
// the backing slice; every other operation allocates its result.
type Tensor struct {
	data  []float32
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("cpu: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(shape ...int) *Tensor {
	n := numel(shape)
	traceAlloc(n)
	return &Tensor{
		data:  make([]float32, n),
		shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("cpu: %d values do not fit shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}, nil
}

// MustFromSlice is FromSlice for statically known shapes.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Bytes() int64 { return int64(len(t.data)) * 4 }

// Rows is the number of vectors along the last axis.
func (t *Tensor) Rows() int {
	last := t.Dim(-1)
	if last == 0 {
		return 0
	}
	return len(t.data) / last
}

// Row returns a view of the i-th vector along the last axis.
func (t *Tensor) Row(i int) []float32 {
	d := t.Dim(-1)
	return t.data[i*d : (i+1)*d]
}

func (t *Tensor) Reshape(shape ...int) *Tensor {
	if n := numel(shape); n != len(t.data) {
		panic(fmt.Sprintf("cpu: cannot reshape %v into %v", t.shape, shape))
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...)}
}

func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.shape...)
	copy(c.data, t.data)
	return c
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
