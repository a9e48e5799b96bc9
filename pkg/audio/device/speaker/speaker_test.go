package speaker

import (
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
)

func TestPCMStreamer_Mono(t *testing.T) {
	st := &pcmStreamer{pcm: audio.Int16ToBytes([]int16{16384, -32768, 0}), channels: 1}
	buf := make([][2]float64, 2)

	n, ok := st.Stream(buf)
	if n != 2 || !ok {
		t.Fatalf("Stream = %d, %v; want 2, true", n, ok)
	}
	if buf[0] != [2]float64{0.5, 0.5} || buf[1] != [2]float64{-1, -1} {
		t.Errorf("frames = %v", buf)
	}

	n, ok = st.Stream(buf)
	if n != 1 || !ok {
		t.Fatalf("second Stream = %d, %v; want 1, true", n, ok)
	}
	if n, ok = st.Stream(buf); n != 0 || ok {
		t.Errorf("drained Stream = %d, %v; want 0, false", n, ok)
	}
}

func TestPCMStreamer_Stereo(t *testing.T) {
	st := &pcmStreamer{pcm: audio.Int16ToBytes([]int16{16384, -16384, 0}), channels: 2}
	buf := make([][2]float64, 4)
	n, _ := st.Stream(buf)
	if n != 1 {
		t.Fatalf("frames = %d, want 1 (trailing half frame ignored)", n)
	}
	if buf[0] != [2]float64{0.5, -0.5} {
		t.Errorf("frame = %v", buf[0])
	}
}
