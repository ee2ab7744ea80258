// Package audio defines the frame type, PCM helpers and the device-facing
// interfaces of the parlox pipeline.
//
// The primary abstractions are:
//
//   - [CaptureSource]: a continuous stream of PCM frames plus an instantaneous
//     level reading, with pause/resume for feedback prevention.
//   - [Sink]: an output device that plays a block of PCM to completion.
//   - [Catalog]: resolves device identifiers to sinks and enumerates devices.
//
// Implementations live in adapter packages (audio/portaudio, audio/discord,
// audio/wavfile). This package lives under pkg/ because third-party adapters
// are expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// SourceKind classifies where a capture source gets its audio from. The
// output router uses it to decide whether playback can leak back into
// capture.
type SourceKind int

const (
	// SourceMicrophone captures from a physical input that can hear the
	// room, and therefore the speakers.
	SourceMicrophone SourceKind = iota

	// SourceSystem captures system or display audio, either through a
	// virtual loopback device or by monitoring an output device.
	SourceSystem

	// SourceProcess captures audio scoped to a process.
	SourceProcess

	// SourceRemote captures audio received over the network (e.g., a voice
	// channel). Local playback can never reach it.
	SourceRemote

	// SourceFile replays recorded audio.
	SourceFile
)

// String returns the human-readable name of the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceMicrophone:
		return "microphone"
	case SourceSystem:
		return "system"
	case SourceProcess:
		return "process"
	case SourceRemote:
		return "remote"
	case SourceFile:
		return "file"
	default:
		return "unknown"
	}
}

// Acoustic reports whether the source picks up sound through the air.
func (k SourceKind) Acoustic() bool { return k == SourceMicrophone }

// CaptureInfo describes an open capture source.
type CaptureInfo struct {
	// Kind classifies the source.
	Kind SourceKind

	// DeviceID is the identifier of the underlying device. For system audio
	// captured by monitoring an output, it is that output's identifier.
	DeviceID string

	// Virtual is true when DeviceID names a virtual loopback device.
	Virtual bool

	// ExcludesSelf is true when the capture graph never contains audio
	// played by this process.
	ExcludesSelf bool
}

// CaptureSource produces a continuous PCM stream.
//
// The Frames channel is closed when the source stops. If it stopped because
// of a device failure, Err returns the cause; a nil Err after close means the
// source was closed normally or reached the end of its input.
//
// Implementations must be safe for concurrent use.
type CaptureSource interface {
	// Frames returns the channel delivering captured frames in order.
	Frames() <-chan AudioFrame

	// Level returns the RMS level of the most recent frame in [0, 1].
	Level() float64

	// Pause stops delivering frames until Resume. Frames captured while
	// paused are discarded. Pause and Resume are idempotent.
	Pause()

	// Resume restarts frame delivery after Pause.
	Resume()

	// Paused reports whether the source is paused.
	Paused() bool

	// Info describes the source for feedback-prevention decisions.
	Info() CaptureInfo

	// Err returns the terminal error after Frames is closed.
	Err() error

	// Close stops capture and releases the device. It is idempotent.
	Close() error
}

// Sink is an output device.
type Sink interface {
	// ID returns the device identifier.
	ID() string

	// Virtual reports whether the device is a virtual loopback device whose
	// output is never rendered to speakers.
	Virtual() bool

	// Play renders pcm in the given format and blocks until playback
	// finishes or ctx is cancelled.
	Play(ctx context.Context, pcm []byte, format Format) error
}

// Device describes an enumerated audio device.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   bool   `json:"input"`
	Output  bool   `json:"output"`
	Virtual bool   `json:"virtual"`
	Default bool   `json:"default"`
}

// ErrDeviceNotFound is returned when a device identifier cannot be resolved.
var ErrDeviceNotFound = errors.New("audio: device not found")

// Catalog resolves output devices.
type Catalog interface {
	// Sink returns the output device with the given identifier or
	// [ErrDeviceNotFound].
	Sink(id string) (Sink, error)

	// DefaultSink returns the system default output.
	DefaultSink() (Sink, error)

	// Devices enumerates available devices.
	Devices() ([]Device, error)
}

// virtualMarkers are case-insensitive substrings of well-known virtual
// loopback device names.
var virtualMarkers = []string{"blackhole", "cable", "vb-audio", "loopback", "soundflower", "monitor of"}

// IsVirtualName reports whether a device name looks like a virtual loopback
// device.
func IsVirtualName(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range virtualMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ── Capture selection ───────────────────────────────────────────────────────

// SystemAudio is the capture selector meaning "system/display audio".
const SystemAudio = "system"

// processPrefix introduces a process-scoped capture selector.
const processPrefix = "process:"

// Selector is a parsed capture device identifier.
type Selector struct {
	// Kind is SourceMicrophone, SourceSystem or SourceProcess.
	Kind SourceKind

	// Device names a microphone. Empty selects the default input.
	Device string

	// PID selects a process by id.
	PID int

	// ProcessName selects a process by executable name.
	ProcessName string

	// ExcludeSelf captures everything except this process.
	ExcludeSelf bool
}

// ParseSelector parses a capture device identifier: a microphone name or id,
// [SystemAudio], or one of "process:<pid>", "process:name=<exe>" and
// "process:exclude-self".
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == SystemAudio:
		return Selector{Kind: SourceSystem}, nil
	case strings.HasPrefix(s, processPrefix):
		rest := strings.TrimPrefix(s, processPrefix)
		switch {
		case rest == "exclude-self":
			return Selector{Kind: SourceProcess, ExcludeSelf: true}, nil
		case strings.HasPrefix(rest, "name="):
			name := strings.TrimPrefix(rest, "name=")
			if name == "" {
				return Selector{}, errors.New("audio: process selector: empty name")
			}
			return Selector{Kind: SourceProcess, ProcessName: name}, nil
		default:
			pid, err := strconv.Atoi(rest)
			if err != nil || pid <= 0 {
				return Selector{}, errors.New("audio: process selector: invalid pid " + strconv.Quote(rest))
			}
			return Selector{Kind: SourceProcess, PID: pid}, nil
		}
	default:
		return Selector{Kind: SourceMicrophone, Device: s}, nil
	}
}
