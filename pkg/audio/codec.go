package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode marks an audio payload that could not be decoded.
var ErrDecode = errors.New("audio: decode failed")

const mimePrefix = "audio/pcm"

// Blob is the wire form of a frame: base64 PCM16 plus a mime tag
// carrying the sample rate.
type Blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// MimeType returns the mime tag for mono PCM16 at rate.
func MimeType(rate int) string {
	return fmt.Sprintf("%s;rate=%d", mimePrefix, rate)
}

// ParseRate extracts the rate parameter from a PCM mime tag. It returns
// fallback when the tag has no usable rate.
func ParseRate(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Encode resamples a capture block to InputRate, quantizes it and wraps
// it as a Blob. It does no I/O and is safe to call from a capture callback.
func Encode(samples []float32, inputRate int) Blob {
	pcm := Quantize(Downsample(samples, inputRate, InputRate))
	return EncodeFrame(NewFrame(pcm, InputRate))
}

// EncodeFrame wraps an existing frame as a Blob.
func EncodeFrame(f Frame) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(f.Bytes()),
		MimeType: MimeType(f.SampleRate),
	}
}

// DecodeBlob parses a Blob into a frame. fallbackRate applies when the
// mime tag carries no rate.
func DecodeBlob(b Blob, fallbackRate int) (Frame, error) {
	if b.MimeType != "" && !strings.HasPrefix(strings.ToLower(b.MimeType), mimePrefix) {
		return Frame{}, fmt.Errorf("%w: unsupported mime %q", ErrDecode, b.MimeType)
	}
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(raw))
	}
	return FrameFromBytes(raw, ParseRate(b.MimeType, fallbackRate)), nil
}
