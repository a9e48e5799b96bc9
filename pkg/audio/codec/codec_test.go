package codec_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want codec.Kind
	}{
		{"id3", []byte("ID3\x04\x00\x00"), codec.KindMP3},
		{"frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, codec.KindMP3},
		{"wav", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), codec.KindWAV},
		{"riff not wave", []byte("RIFF\x00\x00\x00\x00AVI LIST"), codec.KindUnknown},
		{"pcm", []byte{0x01, 0x02, 0x03, 0x04}, codec.KindUnknown},
		{"short", []byte{0xFF}, codec.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codec.Detect(tt.data); got != tt.want {
				t.Errorf("Detect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeWAV_RoundTrip(t *testing.T) {
	pcm := audio.Int16ToBytes([]int16{0, 1000, -1000, 32767, -32768, 42})
	format := audio.Format{SampleRate: 22050, Channels: 2}

	wavData, err := codec.EncodeWAV(pcm, format)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if codec.Detect(wavData) != codec.KindWAV {
		t.Fatal("encoded data is not detected as WAV")
	}

	clip, err := codec.NewAuto().Decode(t.Context(), wavData)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer clip.Release()
	if clip.Format != format {
		t.Errorf("format = %v, want %v", clip.Format, format)
	}
	if !bytes.Equal(clip.PCM, pcm) {
		t.Errorf("pcm = %v, want %v", clip.PCM, pcm)
	}
}

func TestEncodeWAV_InvalidFormat(t *testing.T) {
	if _, err := codec.EncodeWAV([]byte{0, 0}, audio.Format{}); err == nil {
		t.Error("expected an error for a zero format")
	}
}

func TestAuto_FallbackPCM(t *testing.T) {
	dec := codec.NewAuto(codec.WithFallback(codec.PCM{Format: audio.Format{SampleRate: 16000, Channels: 1}}))
	src := []byte{1, 0, 2, 0}
	clip, err := dec.Decode(t.Context(), src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.Format.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", clip.Format.SampleRate)
	}
	src[0] = 9
	if clip.PCM[0] != 1 {
		t.Error("clip aliases the caller buffer")
	}
	clip.Release()
	if clip.PCM != nil || !clip.Released() {
		t.Error("Release did not free the clip")
	}
}

func TestAuto_Errors(t *testing.T) {
	dec := codec.NewAuto()
	if _, err := dec.Decode(t.Context(), nil); !errors.Is(err, codec.ErrEmpty) {
		t.Errorf("empty: err = %v, want ErrEmpty", err)
	}
	if _, err := dec.Decode(t.Context(), []byte{1, 2, 3}); err == nil {
		t.Error("odd pcm: expected an error")
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := dec.Decode(ctx, []byte{1, 2}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err = %v, want context.Canceled", err)
	}
}
