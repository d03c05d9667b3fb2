// Package audio holds the shared audio data model for LiveCoach: captured
// frames, decoded playback buffers, the wire PCM codec, sample-rate
// conversion, and the device interfaces the capture and playback services are
// built on.
package audio

import "time"

const (
	// CaptureSampleRate is the wire rate of outbound microphone audio.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesized speech from the remote
	// engine and the speech synthesis service.
	PlaybackSampleRate = 24000

	// DefaultWindowSize is the number of samples per outbound frame.
	DefaultWindowSize = 4096
)

// AudioFrame is one window of captured mono PCM ready for upload. Frames are
// immutable once produced: the producer must not touch Samples after handing
// the frame on.
type AudioFrame struct {
	// Samples holds signed 16-bit mono samples.
	Samples []int16

	// SampleRate in Hz (16000 on the capture path).
	SampleRate int

	// Seq numbers frames from zero within one capture run.
	Seq uint64

	// Timestamp marks the start of the window relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesToDuration(len(f.Samples), f.SampleRate)
}

// PCM returns the frame encoded as 16-bit little-endian PCM.
func (f AudioFrame) PCM() []byte {
	return EncodePCM16(f.Samples)
}

// Buffer is decoded mono PCM ready for playback.
type Buffer struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration {
	return samplesToDuration(len(b.Samples), b.SampleRate)
}

// Len returns the number of samples in the buffer.
func (b Buffer) Len() int { return len(b.Samples) }

// Format describes the sample rate and channel count of a device stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesToDuration converts a sample count at rate into a duration. A
// non-positive rate yields zero.
func SamplesToDuration(n, rate int) time.Duration {
	return samplesToDuration(n, rate)
}

// DurationToSamples converts d into a whole number of samples at rate,
// rounding to the nearest sample so that durations produced by
// [SamplesToDuration] convert back exactly.
func DurationToSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
