package capture

import (
	"errors"
	"math"
	"testing"

	"gocv.io/x/gocv"
)

func TestLightingEstimator_Score(t *testing.T) {
	tests := []struct {
		name  string
		level float64
		want  float64
	}{
		{"black frame", 0, 0},
		{"dark frame", 50, 0.5},
		{"well lit", 128, 1},
		{"ideal upper edge", 180, 1},
		{"overexposed", 210, 0.5},
		{"saturated", 255, 0},
	}

	est := NewLightingEstimator()
	defer est.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(tt.level, tt.level, tt.level, 0), 48, 64, gocv.MatTypeCV8UC3)
			defer frame.Close()

			got, err := est.Score(&frame)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLightingEstimator_GrayInput(t *testing.T) {
	est := NewLightingEstimator()
	defer est.Close()

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(100, 0, 0, 0), 48, 64, gocv.MatTypeCV8UC1)
	defer frame.Close()

	lum, err := est.Luminance(&frame)
	if err != nil {
		t.Fatalf("Luminance() error = %v", err)
	}
	if math.Abs(lum-100) > 0.5 {
		t.Errorf("Luminance() = %v, want 100", lum)
	}
}

func TestLightingEstimator_EmptyFrame(t *testing.T) {
	est := NewLightingEstimator()
	defer est.Close()

	empty := gocv.NewMat()
	defer empty.Close()

	if _, err := est.Score(&empty); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Score() error = %v, want ErrEmptyFrame", err)
	}
	if _, err := est.Score(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Score(nil) error = %v, want ErrEmptyFrame", err)
	}
}
