package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps int16 PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("audio: encode wav: invalid format %s", format)
	}
	samples := BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	var buf WriteSeekerBuffer
	enc := wav.NewEncoder(&buf, format.SampleRate, 16, format.Channels, 1)
	err := enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE container and returns its samples as int16
// PCM together with the stream format. Sources with other bit depths are
// rescaled to 16 bits.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("audio: decode wav: not a valid wav file")
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return PCMFromInts(ib.Data, int(dec.BitDepth)), format, nil
}

// PCMFromInts converts decoded integer samples of the given bit depth to
// int16 PCM.
func PCMFromInts(data []int, bitDepth int) []byte {
	shift := bitDepth - 16
	out := make([]int16, len(data))
	for i, v := range data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		out[i] = clamp16(int32(v))
	}
	return Int16ToBytes(out)
}

// WriteSeekerBuffer is an in-memory io.WriteSeeker. The WAV encoder seeks
// back to patch chunk sizes, which bytes.Buffer cannot do.
type WriteSeekerBuffer struct {
	b []byte
	i int64
}

var _ io.WriteSeeker = (*WriteSeekerBuffer)(nil)

// Bytes returns the buffer contents.
func (b *WriteSeekerBuffer) Bytes() []byte { return b.b }

// Write implements io.Writer at the current offset.
func (b *WriteSeekerBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := b.i + int64(len(p))
	if n := end - int64(len(b.b)); n > 0 {
		b.b = slices.Grow(b.b, int(n))[:end]
	}
	copy(b.b[b.i:end], p)
	b.i = end
	return len(p), nil
}

// Seek implements io.Seeker.
func (b *WriteSeekerBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = b.i + offset
	case io.SeekEnd:
		pos = int64(len(b.b)) + offset
	default:
		return 0, errors.New("audio: seek: invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("audio: seek: negative position")
	}
	b.i = pos
	return pos, nil
}
