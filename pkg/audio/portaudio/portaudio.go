//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parlox/pkg/audio"
)

// captureFrame is the duration of each captured frame.
const captureFrame = 20 * time.Millisecond

// playBuffer is the number of frames written per stream write.
const playBuffer = 1024

var (
	_ audio.Catalog       = (*Catalog)(nil)
	_ audio.Sink          = (*Sink)(nil)
	_ audio.CaptureSource = (*Source)(nil)
)

// Init initialises PortAudio. The returned function terminates it and must
// be called once the devices are no longer used.
func Init() (func() error, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return func() error {
		if err := pa.Terminate(); err != nil {
			return fmt.Errorf("portaudio: terminate: %w", err)
		}
		return nil
	}, nil
}

// Catalog enumerates local devices. Device ids are device names.
type Catalog struct{}

// NewCatalog returns a Catalog. [Init] must have been called.
func NewCatalog() *Catalog { return &Catalog{} }

// Devices implements [audio.Catalog].
func (c *Catalog) Devices() ([]audio.Device, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	out := make([]audio.Device, 0, len(infos))
	for _, d := range infos {
		out = append(out, audio.Device{
			ID:      d.Name,
			Name:    d.Name,
			Input:   d.MaxInputChannels > 0,
			Output:  d.MaxOutputChannels > 0,
			Virtual: audio.IsVirtualName(d.Name),
			Default: (defIn != nil && d.Name == defIn.Name) || (defOut != nil && d.Name == defOut.Name),
		})
	}
	return out, nil
}

// Sink implements [audio.Catalog].
func (c *Catalog) Sink(id string) (audio.Sink, error) {
	info, err := lookup(id, false)
	if err != nil {
		return nil, err
	}
	return &Sink{info: info}, nil
}

// DefaultSink implements [audio.Catalog].
func (c *Catalog) DefaultSink() (audio.Sink, error) {
	info, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default output: %w", audio.ErrDeviceNotFound)
	}
	return &Sink{info: info}, nil
}

// OpenCapture opens the input named by selector, one of the forms accepted
// by [audio.ParseSelector].
func (c *Catalog) OpenCapture(selector string) (audio.CaptureSource, error) {
	sel, err := audio.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	devs, err := c.Devices()
	if err != nil {
		return nil, err
	}
	dev, info, err := resolveCapture(sel, devs)
	if err != nil {
		return nil, err
	}
	pdev, err := lookup(dev.ID, true)
	if err != nil {
		return nil, err
	}
	return openSource(pdev, info)
}

func lookup(id string, input bool) (*pa.DeviceInfo, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: devices: %w", err)
	}
	for _, d := range infos {
		if d.Name != id {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %q: %w", id, audio.ErrDeviceNotFound)
}

// ── Sink ────────────────────────────────────────────────────────────────────

// Sink plays on one output device. Each Play opens its own stream.
type Sink struct {
	info *pa.DeviceInfo
}

// ID implements [audio.Sink].
func (s *Sink) ID() string { return s.info.Name }

// Virtual implements [audio.Sink].
func (s *Sink) Virtual() bool { return audio.IsVirtualName(s.info.Name) }

// Play implements [audio.Sink]. PCM is converted to the device's native
// rate and at most two channels.
func (s *Sink) Play(ctx context.Context, pcm []byte, format audio.Format) (err error) {
	target := audio.Format{SampleRate: int(s.info.DefaultSampleRate), Channels: min(format.Channels, s.info.MaxOutputChannels, 2)}
	samples := audio.BytesToInt16(audio.ConvertPCM(pcm, format, target))

	buf := make([]int16, playBuffer*target.Channels)
	params := pa.HighLatencyParameters(nil, s.info)
	params.Output.Channels = target.Channels
	params.SampleRate = float64(target.SampleRate)
	params.FramesPerBuffer = playBuffer

	stream, err := pa.OpenStream(params, &buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output %s: %w", s.ID(), err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("portaudio: close output: %w", cerr))
		}
	}()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output %s: %w", s.ID(), err)
	}

	for off := 0; off < len(samples); off += len(buf) {
		if ctx.Err() != nil {
			_ = stream.Abort()
			return ctx.Err()
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			_ = stream.Abort()
			return fmt.Errorf("portaudio: write %s: %w", s.ID(), err)
		}
	}
	// Stop returns once the queued buffers have been played.
	if err := stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop output %s: %w", s.ID(), err)
	}
	return nil
}

// ── Source ──────────────────────────────────────────────────────────────────

// Source captures from one input device at its native rate.
type Source struct {
	*audio.SourceBase
	stream *pa.Stream
	buf    []int16
	format audio.Format
}

func openSource(dev *pa.DeviceInfo, info audio.CaptureInfo) (*Source, error) {
	format := audio.Format{SampleRate: int(dev.DefaultSampleRate), Channels: min(dev.MaxInputChannels, 2)}
	frames := format.Bytes(captureFrame) / 2 / format.Channels

	s := &Source{
		SourceBase: audio.NewSourceBase(info, 16),
		buf:        make([]int16, frames*format.Channels),
		format:     format,
	}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = frames

	stream, err := pa.OpenStream(params, &s.buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %s: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input %s: %w", dev.Name, err)
	}
	s.stream = stream
	slog.Info("portaudio: capture started", "device", dev.Name, "kind", info.Kind, "format", format)
	go s.run()
	return s, nil
}

func (s *Source) run() {
	defer func() {
		if err := s.stream.Close(); err != nil {
			slog.Warn("portaudio: close input", "err", err)
		}
	}()
	var ts time.Duration
	for {
		select {
		case <-s.Done():
			_ = s.stream.Stop()
			s.Finish(nil)
			return
		default:
		}
		if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
			s.Finish(fmt.Errorf("portaudio: read: %w", err))
			return
		}
		f := audio.AudioFrame{
			Data:       audio.Int16ToBytes(s.buf),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  ts,
		}
		ts += f.Duration()
		if !s.Emit(f) {
			_ = s.stream.Stop()
			s.Finish(nil)
			return
		}
	}
}
