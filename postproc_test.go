package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequantize(t *testing.T) {
	tests := []struct {
		name  string
		raw   []uint8
		scale float32
		zero  float32
		want  []float32
	}{
		{"scale and zero point", []uint8{0, 128, 255}, 0.5, 128, []float32{-64, 0, 63.5}},
		{"unit scale", []uint8{3, 7}, 1, 0, []float32{3, 7}},
		{"no quantization params", []uint8{0, 51, 255}, 0, 0, []float32{0, 0.2, 1}},
		{"empty", []uint8{}, 0.1, 0, []float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dequantize(tt.raw, tt.scale, tt.zero)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestDequantizeInt8(t *testing.T) {
	got := dequantize([]int8{-128, -3, 0, 127}, 0.25, -3)
	assert.InDeltaSlice(t, []float32{-31.25, 0, 0.75, 32.5}, got, 1e-6)
}
