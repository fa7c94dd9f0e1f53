package gnu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"14.9", "14.10", -1},
		{"14.38.33130", "14.29.30133", 1},
		{"1.0", "1.0", 0},
		{"1.01", "1.1", 0},
		{"1.0~rc1", "1.0", -1},
		{"1.0a", "1.0", 1},
		{"1.0-1", "1.0a", 1},
		{"", "0", 0},
		{"v17", "v9", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, sign(Compare(tt.a, tt.b)))
			assert.Equal(t, -tt.want, sign(Compare(tt.b, tt.a)))
		})
	}
}
