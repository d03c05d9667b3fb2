package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/livecoach/pkg/types"
)

// EncodePCM16 encodes samples as 16-bit little-endian PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes 16-bit little-endian PCM. An odd byte count is a codec
// error.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, types.CodecError("decode pcm16", fmt.Errorf("odd byte count %d", len(pcm)))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// FloatToPCM16 converts float samples in [-1, 1] to int16. Out-of-range input
// is clamped.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		switch {
		case v >= 1:
			out[i] = 32767
		case v <= -1:
			out[i] = -32768
		default:
			out[i] = int16(v * 32768)
		}
	}
	return out
}

// PCM16ToFloat converts int16 samples to floats in [-1, 1).
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodeChunk encodes samples as base64 16-bit little-endian PCM, the
// envelope payload format used on the wire.
func EncodeChunk(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

var errEmptyChunk = errors.New("empty chunk")

// DecodeChunk decodes a base64 PCM payload into a mono [Buffer] at
// sampleRate. Invalid base64, an odd byte count, or an empty payload yields a
// codec error.
func DecodeChunk(payload []byte, sampleRate int) (Buffer, error) {
	if len(payload) == 0 {
		return Buffer{}, types.CodecError("decode chunk", errEmptyChunk)
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return Buffer{}, types.CodecError("decode chunk", err)
	}
	if n == 0 {
		return Buffer{}, types.CodecError("decode chunk", errEmptyChunk)
	}
	samples, err := DecodePCM16(raw[:n])
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}
