package idle

import "testing"

func TestIsIdle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		values    []float64
		window    int
		threshold float64
		want      bool
	}{
		{"empty", nil, 3, 0.5, false},
		{"short history", []float64{0.1, 0.1}, 3, 0.5, false},
		{"all below", []float64{0.1, 0.1, 0.1}, 3, 0.5, true},
		{"spike inside window", []float64{0.1, 0.6, 0.1}, 3, 0.5, false},
		{"old spike outside window", []float64{0.9, 0.1, 0.1, 0.1}, 3, 0.5, true},
		{"value at threshold", []float64{0.5, 0.1, 0.1}, 3, 0.5, false},
		{"longer window", []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.4}, 6, 0.5, true},
		{"zero window", []float64{0.1}, 0, 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsIdle(tt.values, tt.window, tt.threshold); got != tt.want {
				t.Fatalf("IsIdle(%v, %d, %v) = %v, want %v",
					tt.values, tt.window, tt.threshold, got, tt.want)
			}
		})
	}
}
