package pipewire

import "testing"

func TestRowStride(t *testing.T) {
	tests := []struct {
		name                            string
		capsStride, size, width, height int
		want                            int
	}{
		{"tight", 16, 16 * 2, 4, 2, 16},
		{"padded rows", 32, 32 * 2, 4, 2, 32},
		{"trailing plane alignment", 16, 16*2 + 64, 4, 2, 16},
		{"no caps stride", 0, 24 * 3, 4, 3, 24},
		{"caps stride too small", 8, 16 * 2, 4, 2, 16},
		{"caps stride past buffer", 64, 16 * 2, 4, 2, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rowStride(tt.capsStride, tt.size, tt.width, tt.height); got != tt.want {
				t.Errorf("rowStride(%d, %d, %d, %d) = %d, want %d",
					tt.capsStride, tt.size, tt.width, tt.height, got, tt.want)
			}
		})
	}
}
