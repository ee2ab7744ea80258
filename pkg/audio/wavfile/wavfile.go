// Package wavfile provides a capture source that plays a WAV file into the
// pipeline, for replays of recorded sessions and offline runs.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/parlox/pkg/audio"
)

// DefaultFrame is the duration of each emitted frame.
const DefaultFrame = 20 * time.Millisecond

var _ audio.CaptureSource = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithFrameDuration sets the duration of each emitted frame.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frame = d
		}
	}
}

// WithRealtime paces frames at playback speed instead of emitting them as
// fast as the consumer reads.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithTrailingSilence appends d of silence after the file so that an
// utterance running to the end of the recording is still finalised.
func WithTrailingSilence(d time.Duration) Option {
	return func(s *Source) { s.trailing = d }
}

// Source is a [audio.CaptureSource] reading from a WAV stream. The frame
// channel closes with a nil error at the end of the file.
type Source struct {
	*audio.SourceBase

	r        io.ReadSeeker
	closer   io.Closer
	dec      *wav.Decoder
	format   audio.Format
	frame    time.Duration
	realtime bool
	trailing time.Duration
}

// Open opens the WAV file at path and starts emitting frames.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}
	s, err := newSource(f, path, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	s.start()
	return s, nil
}

// New starts emitting frames from r. The caller keeps ownership of r.
func New(r io.ReadSeeker, opts ...Option) (*Source, error) {
	s, err := newSource(r, "stream", opts...)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

func newSource(r io.ReadSeeker, id string, opts ...Option) (*Source, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("wavfile: not a valid wav file")
	}
	dec.ReadInfo()
	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if !format.Valid() || dec.BitDepth == 0 {
		return nil, fmt.Errorf("wavfile: unsupported stream %s, %d bit", format, dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("wavfile: seek to pcm: %w", err)
	}
	s := &Source{
		SourceBase: audio.NewSourceBase(audio.CaptureInfo{Kind: audio.SourceFile, DeviceID: id}, 8),
		r:          r,
		dec:        dec,
		format:     format,
		frame:      DefaultFrame,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format returns the format of the emitted frames.
func (s *Source) Format() audio.Format { return s.format }

// Close stops the source and closes the file opened by [Open].
func (s *Source) Close() error {
	err := s.SourceBase.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (s *Source) start() {
	go s.run()
}

func (s *Source) run() {
	samples := s.format.Bytes(s.frame) / 2
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:   make([]int, samples),
	}

	var (
		ts     time.Duration
		ticker *time.Ticker
	)
	if s.realtime {
		ticker = time.NewTicker(s.frame)
		defer ticker.Stop()
	}
	emit := func(pcm []byte) bool {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-s.Done():
				return false
			}
		}
		f := audio.AudioFrame{Data: pcm, SampleRate: s.format.SampleRate, Channels: s.format.Channels, Timestamp: ts}
		ts += f.Duration()
		return s.Emit(f)
	}

	for {
		select {
		case <-s.Done():
			s.Finish(nil)
			return
		default:
		}
		n, err := s.dec.PCMBuffer(buf)
		if n > 0 {
			if !emit(audio.PCMFromInts(buf.Data[:n], int(s.dec.BitDepth))) {
				s.Finish(nil)
				return
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("wavfile: read failed", "err", err)
			s.Finish(fmt.Errorf("wavfile: read: %w", err))
			return
		}
		if n == 0 || errors.Is(err, io.EOF) {
			break
		}
	}

	for left := s.trailing; left > 0; left -= s.frame {
		if !emit(make([]byte, s.format.Bytes(min(left, s.frame)))) {
			break
		}
	}
	s.Finish(nil)
}
