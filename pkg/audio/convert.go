package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter turns raw device samples into mono PCM at a target rate. It logs a
// warning on the first format mismatch. Create one per stream; not designed
// for shared use across goroutines.
type Converter struct {
	// TargetRate is the output sample rate in Hz.
	TargetRate int

	warnedMismatch sync.Once
}

// Convert downmixes interleaved samples in format from to mono, then
// resamples to c.TargetRate. When from already matches, the input is returned
// unchanged.
func (c *Converter) Convert(samples []int16, from Format) []int16 {
	if from.Channels <= 1 && from.SampleRate == c.TargetRate {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(from.SampleRate, from.Channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	// Downmix first so the resampler only sees one channel.
	if from.Channels > 1 {
		samples = Downmix(samples, from.Channels)
	}
	return Resample(samples, from.SampleRate, c.TargetRate)
}

// Downmix averages interleaved frames of the given channel count into mono.
// A trailing partial frame is discarded.
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(interleaved[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is non-positive, the input is
// returned unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
