// Package codec decodes assistant audio payloads into playable [audio.Clip]
// values.
//
// The server sends audio either as base64 text fields or as binary frames, in
// one of several containers. [Auto] sniffs the payload: MP3 (ID3 tag or MPEG
// frame sync), WAV (RIFF/WAVE header), and otherwise hands the bytes to a
// fallback decoder, raw PCM16 by default.
package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrEmpty is returned when a payload contains no audio bytes.
var ErrEmpty = errors.New("codec: empty audio payload")

// Decoder turns an encoded payload into a clip. The caller owns the returned
// clip and must release it.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*audio.Clip, error)
}

// Kind identifies a payload container.
type Kind int

const (
	KindUnknown Kind = iota
	KindMP3
	KindWAV
)

// String returns the container name.
func (k Kind) String() string {
	switch k {
	case KindMP3:
		return "mp3"
	case KindWAV:
		return "wav"
	default:
		return "unknown"
	}
}

// Detect sniffs the container of data from its leading bytes.
func Detect(data []byte) Kind {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return KindWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return KindMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return KindMP3
	default:
		return KindUnknown
	}
}

// PCM decodes raw little-endian PCM16 in a fixed format.
type PCM struct {
	Format audio.Format
}

// Decode implements [Decoder]. The payload is copied so the clip never aliases
// a caller buffer.
func (p PCM) Decode(ctx context.Context, data []byte) (*audio.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm payload has odd length %d", len(data))
	}
	return audio.NewClip(bytes.Clone(data), p.Format, nil), nil
}

// Auto is a content-sniffing [Decoder]. It is safe for concurrent use.
type Auto struct {
	fallback Decoder
	bufs     sync.Pool
}

// Option is a functional option for [NewAuto].
type Option func(*Auto)

// WithFallback sets the decoder used for payloads that are neither MP3 nor
// WAV. The default decodes 24 kHz mono PCM16.
func WithFallback(d Decoder) Option {
	return func(a *Auto) { a.fallback = d }
}

// NewAuto returns a sniffing decoder.
func NewAuto(opts ...Option) *Auto {
	a := &Auto{
		fallback: PCM{Format: audio.Format{SampleRate: 24000, Channels: 1}},
	}
	a.bufs.New = func() any { return new(bytes.Buffer) }
	for _, o := range opts {
		o(a)
	}
	return a
}

// Decode implements [Decoder].
func (a *Auto) Decode(ctx context.Context, data []byte) (*audio.Clip, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch Detect(data) {
	case KindMP3:
		return a.decodeMP3(data)
	case KindWAV:
		return decodeWAV(data)
	default:
		return a.fallback.Decode(ctx, data)
	}
}

// decodeMP3 decodes into a pooled buffer that returns to the pool when the clip
// is released. go-mp3 always produces 16-bit stereo.
func (a *Auto) decodeMP3(data []byte) (*audio.Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: mp3: %w", err)
	}
	buf := a.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(dec); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		a.bufs.Put(buf)
		return nil, fmt.Errorf("codec: mp3: %w", err)
	}
	if buf.Len() == 0 {
		a.bufs.Put(buf)
		return nil, fmt.Errorf("codec: mp3: %w", ErrEmpty)
	}
	format := audio.Format{SampleRate: dec.SampleRate(), Channels: 2}
	return audio.NewClip(buf.Bytes(), format, func() { a.bufs.Put(buf) }), nil
}

func decodeWAV(data []byte) (*audio.Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("codec: wav: invalid file")
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("codec: wav: %w", err)
	}
	if len(ib.Data) == 0 {
		return nil, fmt.Errorf("codec: wav: %w", ErrEmpty)
	}
	pcm := make([]byte, len(ib.Data)*2)
	for i, v := range ib.Data {
		s := to16(v, int(dec.BitDepth))
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return audio.NewClip(pcm, format, nil), nil
}

// to16 rescales an integer sample of the given bit depth to int16.
func to16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// EncodeWAV wraps PCM16 samples in a WAV container.
func EncodeWAV(pcm []byte, f audio.Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("codec: wav: invalid format %s", f)
	}
	samples := audio.BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	var out writeSeekerBuffer
	enc := wav.NewEncoder(&out, f.SampleRate, 16, f.Channels, 1)
	err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: wav: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("codec: wav: close: %w", err)
	}
	return out.Bytes(), nil
}

var (
	_ Decoder = PCM{}
	_ Decoder = (*Auto)(nil)
)
