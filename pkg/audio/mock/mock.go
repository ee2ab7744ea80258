// Package mock provides in-memory implementations of [audio.CaptureSource],
// [audio.Sink] and [audio.Catalog] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.CaptureInfo{Kind: audio.SourceMicrophone}, 16)
//	src.Push(frame)
//	src.Fail(errors.New("unplugged"))
//
//	sink := &mock.Sink{DeviceID: "speakers"}
//	catalog := &mock.Catalog{Default: sink}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.CaptureSource]. Tests feed it frames with Push and
// end the stream with End or Fail.
type Source struct {
	*audio.SourceBase

	mu sync.Mutex

	// CallCountPause records how many times Pause was called.
	CallCountPause int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.CaptureSource = (*Source)(nil)

// NewSource returns a Source with a frame buffer of the given size.
func NewSource(info audio.CaptureInfo, buffer int) *Source {
	return &Source{SourceBase: audio.NewSourceBase(info, buffer)}
}

// Push delivers frame as if it had been captured. It returns false once the
// source has been closed.
func (s *Source) Push(frame audio.AudioFrame) bool {
	return s.Emit(frame)
}

// End closes the frame stream without an error.
func (s *Source) End() { s.Finish(nil) }

// Fail closes the frame stream with a terminal error.
func (s *Source) Fail(err error) { s.Finish(err) }

// Pause implements [audio.CaptureSource].
func (s *Source) Pause() {
	s.mu.Lock()
	s.CallCountPause++
	s.mu.Unlock()
	s.SourceBase.Pause()
}

// Resume implements [audio.CaptureSource].
func (s *Source) Resume() {
	s.mu.Lock()
	s.CallCountResume++
	s.mu.Unlock()
	s.SourceBase.Resume()
}

// Close implements [audio.CaptureSource].
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	return s.SourceBase.Close()
}

// Counts returns the pause, resume and close call counts.
func (s *Source) Counts() (pause, resume, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountPause, s.CallCountResume, s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	PCM    []byte
	Format audio.Format
	// PausedDuringPlay is the value of the watched source's Paused() while
	// Play ran, if WatchPause is set.
	PausedDuringPlay bool
	Start, End       time.Time
}

// Sink is a mock [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// DeviceID is returned by ID.
	DeviceID string

	// IsVirtual is returned by Virtual.
	IsVirtual bool

	// PlayErr is returned by Play.
	PlayErr error

	// PlayDelay makes Play block for this long, or until ctx is cancelled.
	PlayDelay time.Duration

	// PanicOnPlay makes Play panic with this value when non-nil.
	PanicOnPlay any

	// WatchPause, when set, is sampled during Play to record whether capture
	// was paused.
	WatchPause interface{ Paused() bool }

	// PlayCalls records every Play invocation.
	PlayCalls []PlayCall
}

var _ audio.Sink = (*Sink)(nil)

// ID implements [audio.Sink].
func (s *Sink) ID() string { return s.DeviceID }

// Virtual implements [audio.Sink].
func (s *Sink) Virtual() bool { return s.IsVirtual }

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	s.mu.Lock()
	delay, err, p, watch := s.PlayDelay, s.PlayErr, s.PanicOnPlay, s.WatchPause
	s.mu.Unlock()

	call := PlayCall{PCM: pcm, Format: format, Start: time.Now()}
	if watch != nil {
		call.PausedDuringPlay = watch.Paused()
	}
	if p != nil {
		panic(p)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	call.End = time.Now()

	s.mu.Lock()
	s.PlayCalls = append(s.PlayCalls, call)
	s.mu.Unlock()
	return err
}

// Calls returns a copy of the recorded Play calls.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

// Catalog is a mock [audio.Catalog].
type Catalog struct {
	mu sync.Mutex

	// Sinks maps identifiers to sinks returned by Sink.
	Sinks map[string]audio.Sink

	// Default is returned by DefaultSink. A nil Default yields
	// [audio.ErrDeviceNotFound].
	Default audio.Sink

	// DeviceList is returned by Devices.
	DeviceList []audio.Device

	// DevicesErr is returned by Devices.
	DevicesErr error

	// SinkCalls records the identifiers passed to Sink.
	SinkCalls []string
}

var _ audio.Catalog = (*Catalog)(nil)

// Sink implements [audio.Catalog].
func (c *Catalog) Sink(id string) (audio.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SinkCalls = append(c.SinkCalls, id)
	if s, ok := c.Sinks[id]; ok {
		return s, nil
	}
	return nil, audio.ErrDeviceNotFound
}

// DefaultSink implements [audio.Catalog].
func (c *Catalog) DefaultSink() (audio.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Default == nil {
		return nil, audio.ErrDeviceNotFound
	}
	return c.Default, nil
}

// Devices implements [audio.Catalog].
func (c *Catalog) Devices() ([]audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DeviceList, c.DevicesErr
}
