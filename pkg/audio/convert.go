package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs a warning
// on the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. Frames already in the target
// format are returned unchanged. A trailing odd byte is trimmed rather than
// dropping the whole frame, so truncated capture reads still carry audio.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%bytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, trimming",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		frame.Data = frame.Data[:len(frame.Data)-1]
	}

	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	return AudioFrame{
		Data:       ConvertPCM(frame.Data, frame.Format(), c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertPCM converts interleaved int16 PCM between formats. Resampling runs
// after a downmix and before an upmix so the fewest channels are resampled.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || !from.Valid() || !to.Valid() {
		return pcm
	}
	channels := from.Channels
	if to.Channels < channels {
		pcm = Downmix(pcm, channels, to.Channels)
		channels = to.Channels
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample16(pcm, channels, from.SampleRate, to.SampleRate)
	}
	if to.Channels > channels {
		pcm = Upmix(pcm, channels, to.Channels)
	}
	return pcm
}

// Downmix reduces interleaved PCM from src channels to dst channels. Mono
// output averages all source channels; any other target keeps the first dst
// channels of each frame.
func Downmix(pcm []byte, src, dst int) []byte {
	if src <= dst || dst <= 0 {
		return pcm
	}
	samples := BytesToInt16(pcm)
	frames := len(samples) / src
	out := make([]int16, frames*dst)
	for i := range frames {
		in := samples[i*src : (i+1)*src]
		if dst == 1 {
			var sum int32
			for _, s := range in {
				sum += int32(s)
			}
			out[i] = clamp16(sum / int32(src))
			continue
		}
		copy(out[i*dst:(i+1)*dst], in[:dst])
	}
	return Int16ToBytes(out)
}

// Upmix expands interleaved PCM from src to dst channels by repeating the
// last source channel into the new ones.
func Upmix(pcm []byte, src, dst int) []byte {
	if src >= dst || src <= 0 {
		return pcm
	}
	samples := BytesToInt16(pcm)
	frames := len(samples) / src
	out := make([]int16, frames*dst)
	for i := range frames {
		in := samples[i*src : (i+1)*src]
		o := out[i*dst : (i+1)*dst]
		copy(o, in)
		for ch := src; ch < dst; ch++ {
			o[ch] = in[src-1]
		}
	}
	return Int16ToBytes(out)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte { return Upmix(pcm, 1, 2) }

// StereoToMono averages L+R per stereo frame.
func StereoToMono(pcm []byte) []byte { return Downmix(pcm, 2, 1) }

// Resample16 resamples interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation per channel.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	samples := BytesToInt16(pcm)
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return Int16ToBytes(out)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 1, srcRate, dstRate)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
