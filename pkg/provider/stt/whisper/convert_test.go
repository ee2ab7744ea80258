package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPcmToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []int16
		extra  int
	}{
		{name: "empty"},
		{name: "full scale", values: []int16{32767, -32768, 0}},
		{name: "mixed", values: []int16{100, -100, 16384, -16384}},
		{name: "odd byte ignored", values: []int16{1000}, extra: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := make([]byte, len(tt.values)*2+tt.extra)
			for i, v := range tt.values {
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
			}
			out := pcmToFloat32(pcm)
			if len(out) != len(tt.values) {
				t.Fatalf("got %d samples, want %d", len(out), len(tt.values))
			}
			for i, v := range tt.values {
				want := float32(v) / 32768.0
				if math.Abs(float64(out[i]-want)) > 1e-6 {
					t.Errorf("sample[%d] = %f, want %f", i, out[i], want)
				}
			}
		})
	}
}
