package audio

import (
	"encoding/binary"
	"time"
)

// bytesPerSample is the width of one signed 16-bit little-endian PCM sample.
const bytesPerSample = 2

// AudioFrame is one block of captured or synthesised audio. Frames are the
// unit of transport between capture sources, the VAD engine and output sinks.
type AudioFrame struct {
	// Data is interleaved signed 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for transcription, 48000 for Discord).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame. Trailing bytes that do
// not form a whole sample are ignored. Frames with an unknown format have
// zero duration.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Samples decodes Data into int16 samples, dropping a trailing odd byte.
func (f AudioFrame) Samples() []int16 {
	return BytesToInt16(f.Data)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (bytesPerSample * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the number of PCM bytes needed to hold d of audio.
func (f Format) Bytes(d time.Duration) int {
	if f.SampleRate <= 0 || f.Channels <= 0 || d <= 0 {
		return 0
	}
	frames := int(d * time.Duration(f.SampleRate) / time.Second)
	return frames * bytesPerSample * f.Channels
}

// Valid reports whether the format has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesToInt16 decodes little-endian int16 PCM. A trailing odd byte is dropped.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian int16 PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
