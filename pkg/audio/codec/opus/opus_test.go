package opus_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec/opus"
)

func sine(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/opus.SampleRate))
	}
	return audio.FloatToPCM16(samples)
}

func TestEncodeDecode(t *testing.T) {
	enc, err := opus.NewEncoder(1)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := opus.NewDecoder(1)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	// Two and a half frames: the last one is padded.
	packets, err := enc.Encode(sine(opus.FrameSize*2 + opus.FrameSize/2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("packets = %d, want 3", len(packets))
	}
	for i, pkt := range packets {
		clip, err := dec.Decode(t.Context(), pkt)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if got := len(clip.PCM) / 2; got != opus.FrameSize {
			t.Errorf("packet %d: samples = %d, want %d", i, got, opus.FrameSize)
		}
		if clip.Format != (audio.Format{SampleRate: opus.SampleRate, Channels: 1}) {
			t.Errorf("packet %d: format = %v", i, clip.Format)
		}
		clip.Release()
	}
}

func TestDecode_Empty(t *testing.T) {
	dec, err := opus.NewDecoder(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(t.Context(), nil); err == nil {
		t.Error("expected an error for an empty packet")
	}
}
