// Package weights supplies named parameter tensors to the model.
package weights

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-minimind/internal/cpu"
)

var (
	ErrMissing = errors.New("weight tensor missing")
	ErrShape   = errors.New("weight tensor shape mismatch")
)

// Provider hands out the tensor registered under name. The returned tensor
// must have exactly the requested shape.
type Provider interface {
	Tensor(name string, shape ...int) (*cpu.Tensor, error)
}

// Store is an in-memory Provider.
type Store struct {
	mu      sync.RWMutex
	tensors map[string]*cpu.Tensor
}

func NewStore() *Store {
	return &Store{tensors: make(map[string]*cpu.Tensor)}
}

func (s *Store) Put(name string, t *cpu.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tensors[name] = t
}

func (s *Store) Tensor(name string, shape ...int) (*cpu.Tensor, error) {
	s.mu.RLock()
	t, ok := s.tensors[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, name)
	}
	if !slices.Equal(t.Shape(), shape) {
		return nil, fmt.Errorf("%w: %s is %v, want %v", ErrShape, name, t.Shape(), shape)
	}
	return t, nil
}

func (s *Store) get(name string) *cpu.Tensor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tensors[name]
}

// Names returns the registered names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tensors)
}

// Random initialises every requested tensor from N(0, std²), except norm
// scales which start at one. A fixed seed yields the same parameters for the
// same request order.
type Random struct {
	mu   sync.Mutex
	dist distuv.Normal
}

func NewRandom(seed uint64, std float64) *Random {
	return &Random{dist: distuv.Normal{
		Mu:    0,
		Sigma: std,
		Src:   rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}}
}

func (r *Random) Tensor(name string, shape ...int) (*cpu.Tensor, error) {
	t := cpu.NewTensor(shape...)
	data := t.Data()
	if strings.HasSuffix(name, "norm.weight") {
		for i := range data {
			data[i] = 1
		}
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range data {
		data[i] = float32(r.dist.Rand())
	}
	return t, nil
}

// Capture records every tensor another Provider serves so the exact set can
// be persisted afterwards.
type Capture struct {
	src   Provider
	store *Store
}

func NewCapture(src Provider) *Capture {
	return &Capture{src: src, store: NewStore()}
}

func (c *Capture) Tensor(name string, shape ...int) (*cpu.Tensor, error) {
	t, err := c.src.Tensor(name, shape...)
	if err != nil {
		return nil, err
	}
	c.store.Put(name, t)
	return t, nil
}

func (c *Capture) Store() *Store { return c.store }
