package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusFrameBytes is the PCM size of one Opus frame: 960 samples per
	// channel × 2 channels × 2 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// voiceFormat is the PCM format on both sides of the Opus codec.
var voiceFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// opusDecoder decodes one participant's stream. Each SSRC gets its own
// decoder because Opus decoding is stateful across frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns one Opus packet as interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16ToBytes(pcm), nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of 48 kHz stereo PCM.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	opus, err := e.enc.Encode(audio.BytesToInt16(pcm), opusFrameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}
