// Package audio holds the PCM frame type shared by the relay, the caller
// and the playback scheduler, plus the resampling and wire encoding used
// on the capture path.
package audio

import "time"

// Wire formats.
const (
	// InputRate is the rate the engine expects for caller audio.
	InputRate = 16000

	// OutputRate is the rate of synthesized speech coming back.
	OutputRate = 24000

	// BlockSize is the capture block length in samples.
	BlockSize = 4096
)

// Frame is a block of mono 16-bit PCM. Frames are treated as immutable
// once built; every conversion returns a new frame.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// NewFrame wraps mono samples at the given rate.
func NewFrame(samples []int16, rate int) Frame {
	return Frame{Samples: samples, SampleRate: rate, Channels: 1}
}

// FrameFromBytes decodes little-endian PCM16 bytes into a mono frame.
func FrameFromBytes(data []byte, rate int) Frame {
	return NewFrame(BytesToSamples(data), rate)
}

// Bytes returns the little-endian PCM16 encoding of the frame.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// Len is the number of samples per channel.
func (f Frame) Len() int {
	if f.Channels <= 1 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Float32 converts the frame to floats in [-1, 1).
func (f Frame) Float32() []float32 {
	return Dequantize(f.Samples)
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}
