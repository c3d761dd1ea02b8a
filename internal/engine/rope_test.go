package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-minimind/internal/config"
)

func TestPositionTableRoundTrip(t *testing.T) {
	table, err := NewPositionTable(8, 32, 1e6)
	if err != nil {
		t.Fatalf("NewPositionTable: %v", err)
	}
	win, err := table.Window(5, 3)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}

	x := randomTensor(1, 2, 3, 4, 8)
	orig := x.Clone()

	if err := ApplyRotary(x, win); err != nil {
		t.Fatalf("ApplyRotary: %v", err)
	}
	if err := ApplyRotary(x, win.Inverse()); err != nil {
		t.Fatalf("ApplyRotary inverse: %v", err)
	}
	requireApprox(t, orig.Data(), x.Data())
}

func TestPositionZeroIsIdentity(t *testing.T) {
	table, _ := NewPositionTable(4, 4, 10000)
	win, _ := table.Window(0, 1)

	x := randomTensor(2, 1, 1, 2, 4)
	orig := x.Clone()
	if err := ApplyRotary(x, win); err != nil {
		t.Fatal(err)
	}
	requireApprox(t, orig.Data(), x.Data())
}

func TestRotaryPreservesPairNorm(t *testing.T) {
	table, _ := NewPositionTable(4, 16, 10000)
	win, _ := table.Window(7, 1)

	x := randomTensor(3, 1, 1, 1, 4)
	before := x.Data()[0]*x.Data()[0] + x.Data()[1]*x.Data()[1]
	if err := ApplyRotary(x, win); err != nil {
		t.Fatal(err)
	}
	after := x.Data()[0]*x.Data()[0] + x.Data()[1]*x.Data()[1]
	requireApprox(t, []float32{before}, []float32{after})
}

func TestApplyRotaryWindowMismatch(t *testing.T) {
	table, _ := NewPositionTable(8, 32, 1e6)
	win, _ := table.Window(0, 2)

	tests := []struct {
		name  string
		shape []int
	}{
		{"seq", []int{1, 3, 2, 8}},
		{"head_dim", []int{1, 2, 2, 4}},
		{"rank", []int{2, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ApplyRotary(randomTensor(4, tt.shape...), win)
			if !errors.Is(err, ErrPositionWindow) {
				t.Fatalf("got %v, want ErrPositionWindow", err)
			}
		})
	}
}

func TestWindowPastMaxSeqLen(t *testing.T) {
	table, _ := NewPositionTable(8, 32, 1e6)
	if _, err := table.Window(30, 3); !errors.Is(err, ErrSequenceTooLong) {
		t.Fatalf("got %v, want ErrSequenceTooLong", err)
	}
	if _, err := table.Window(29, 3); err != nil {
		t.Fatalf("window ending at max_seq_len: %v", err)
	}
}

func TestPositionTableOddHeadDim(t *testing.T) {
	if _, err := NewPositionTable(7, 8, 1e4); !errors.Is(err, config.ErrOddHeadDim) {
		t.Fatalf("got %v, want ErrOddHeadDim", err)
	}
}
