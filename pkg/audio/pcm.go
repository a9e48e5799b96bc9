package audio

import "math"

// TargetSampleRate is the upstream speech rate: 16 kHz mono PCM16.
const TargetSampleRate = 16000

// DownmixToMono averages interleaved channels into a single channel. Mono
// input is returned unchanged.
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear resamples mono float samples from srcRate to dstRate by linear
// interpolation. The output holds round(len(samples)/ratio) samples where
// ratio = srcRate/dstRate. Equal or invalid rates return the input unchanged.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[next]*frac
	}
	return out
}

// FloatToPCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 0x8000 and
// positive values by 0x7FFF so both extremes map exactly onto the int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		put16(out, i, v)
	}
	return out
}

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMS16 returns the RMS energy of little-endian int16 PCM on the [-1, 1] scale.
func RMS16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample16(pcm, i)) / 0x8000
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// sample16 reads the i-th little-endian int16 sample from pcm.
func sample16(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

// put16 writes v as the i-th little-endian int16 sample of pcm.
func put16(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		put16(out, i, s)
	}
	return out
}

// BytesToInt16 converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = sample16(pcm, i)
	}
	return out
}
