package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// pcmScaleOut maps a float sample to the positive int16 range.
	pcmScaleOut = 32767

	// pcmScaleIn maps an int16 sample back into [-1, 1).
	pcmScaleIn = 32768

	bytesPerSample = 2
)

// ErrDecode is the root of every inbound payload failure. A chunk that fails
// to decode is dropped by the caller; it never terminates a session.
var ErrDecode = errors.New("audio: decode")

// ErrOddLength is returned by [DecodePCM16] when the payload cannot be split
// into whole 16-bit samples.
var ErrOddLength = fmt.Errorf("%w: odd byte count in PCM16 payload", ErrDecode)

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Each sample maps to round(s * 32767). Inputs outside [-1, 1] saturate at
// the int16 bounds instead of wrapping.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := quantize(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM to float samples by
// dividing each integer by 32768.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%bytesPerSample != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(data)/bytesPerSample)
	for i := range out {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(v) / pcmScaleIn
	}
	return out, nil
}

// EncodeWire encodes samples as base64 PCM16, the text framing used by the
// remote service.
func EncodeWire(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeWire reverses [EncodeWire]. Both malformed base64 and misaligned PCM
// are reported as errors wrapping [ErrDecode].
func DecodeWire(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	return DecodePCM16(raw)
}

// MIMEType renders the wire MIME type for PCM16 audio in format f, e.g.
// "audio/pcm;rate=16000".
func MIMEType(f Format) string {
	return "audio/pcm;rate=" + strconv.Itoa(f.SampleRate)
}

// ParseMIMERate extracts the rate parameter from a PCM MIME type such as
// "audio/pcm;rate=24000". It returns 0 when the type carries no usable rate.
func ParseMIMERate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0
		}
		return rate
	}
	return 0
}

// quantize maps one float sample to int16 with rounding and saturation.
func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * pcmScaleOut)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
