// Package vad implements voice-activity segmentation: it turns a continuous
// PCM frame stream into finalized utterance segments using an energy
// threshold calibrated against the ambient noise floor.
//
// An [Engine] is owned by a single goroutine. Every state change happens
// inside [Engine.OnFrame] or one of the control methods, so the engine needs
// no locking of its own.
package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
)

// ErrMidSegment is returned by [Engine.SetConfig] while a segment is open.
var ErrMidSegment = errors.New("vad: cannot reconfigure while in speech")

// State is the engine's detection state.
type State int

const (
	// StateIdle maintains pre-roll but does not detect speech. Pre-roll is
	// fed in every state.
	StateIdle State = iota

	// StateCalibrating measures the ambient noise floor.
	StateCalibrating

	// StateArmed waits for a speech onset.
	StateArmed

	// StateInSpeech accumulates an open segment.
	StateInSpeech
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateArmed:
		return "armed"
	case StateInSpeech:
		return "in_speech"
	default:
		return "unknown"
	}
}

// Segment is a finalized utterance. It is immutable once emitted.
type Segment struct {
	// ID increases monotonically per engine.
	ID uint64

	// WAV is the segment encoded as a RIFF/WAVE file.
	WAV []byte

	// PCM is the raw int16 audio in Format.
	PCM []byte

	// Format is the PCM format.
	Format audio.Format

	// Start is the capture timestamp of the first frame.
	Start time.Duration

	// Duration is the total audio length, including pre-roll and the
	// trailing margin.
	Duration time.Duration

	// Preroll is the length of audio that preceded the onset frame.
	Preroll time.Duration

	// Forced is true when the segment was cut at the maximum length.
	Forced bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithDiscardHook registers fn to be called with the duration of every
// segment dropped for being shorter than the minimum.
func WithDiscardHook(fn func(time.Duration)) Option {
	return func(e *Engine) { e.onDiscard = fn }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// Engine is the voice-activity segmentation engine.
type Engine struct {
	cfg   Config
	state State
	conv  audio.FormatConverter

	preroll *audio.RollingBuffer

	// loud holds the current run of above-threshold frames while armed.
	loud []audio.AudioFrame

	seg        []audio.AudioFrame
	segDur     time.Duration
	segPreroll time.Duration
	silence    time.Duration

	calSum float64
	calN   int

	noiseFloor float64
	threshold  float64
	level      float64

	nextID uint64

	onDiscard func(time.Duration)
	onState   func(from, to State)
}

// New returns an idle engine. It returns an error if cfg is invalid.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		conv:    audio.FormatConverter{Target: cfg.Format},
		preroll: audio.NewRollingBuffer(cfg.Preroll),
	}
	for _, o := range opts {
		o(e)
	}
	e.setThreshold(0)
	return e, nil
}

// State returns the current detection state.
func (e *Engine) State() State { return e.state }

// Threshold returns the current speech threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// NoiseFloor returns the current noise-floor estimate.
func (e *Engine) NoiseFloor() float64 { return e.noiseFloor }

// Level returns the energy of the last frame.
func (e *Engine) Level() float64 { return e.level }

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start arms detection, calibrating first unless CalibrationFrames is zero.
// Calling Start on a running engine restarts calibration.
func (e *Engine) Start() {
	e.discard()
	if e.cfg.CalibrationFrames == 0 {
		e.transition(StateArmed)
		return
	}
	e.beginCalibration()
}

// Recalibrate discards any open segment and measures the noise floor again.
func (e *Engine) Recalibrate() {
	if e.state == StateInSpeech {
		slog.Info("vad: recalibration discards open segment", "duration", e.segDur)
	}
	e.discard()
	e.beginCalibration()
}

// Cancel discards the open segment and any pending onset run. Pre-roll and
// calibration are kept. Cancel is idempotent.
func (e *Engine) Cancel() {
	e.discard()
	if e.state == StateInSpeech {
		e.transition(StateArmed)
	}
}

// Reset returns the engine to idle, dropping pre-roll and calibration.
func (e *Engine) Reset() {
	e.discard()
	e.preroll.Reset()
	e.calSum, e.calN = 0, 0
	e.noiseFloor = 0
	e.setThreshold(0)
	e.transition(StateIdle)
}

// SetConfig applies cfg between segments. It returns [ErrMidSegment] while
// in speech and a validation error for an invalid cfg.
func (e *Engine) SetConfig(cfg Config) error {
	if e.state == StateInSpeech {
		return ErrMidSegment
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.conv = audio.FormatConverter{Target: cfg.Format}
	e.preroll.SetWindow(cfg.Preroll)
	e.flushLoud()
	e.setThreshold(e.noiseFloor)
	return nil
}

// OnFrame consumes one frame and returns the segment it finalized, if any.
// Malformed frames are treated as silence.
func (e *Engine) OnFrame(frame audio.AudioFrame) (*Segment, error) {
	frame = e.normalize(frame)
	energy := audio.RMS(frame.Data)
	e.level = energy

	switch e.state {
	case StateIdle:
		e.preroll.Push(frame)
	case StateCalibrating:
		e.preroll.Push(frame)
		e.calSum += energy
		e.calN++
		if e.calN >= e.cfg.CalibrationFrames {
			e.noiseFloor = e.calSum / float64(e.calN)
			e.setThreshold(e.noiseFloor)
			slog.Debug("vad: calibrated", "noise_floor", e.noiseFloor, "threshold", e.threshold)
			e.transition(StateArmed)
		}
	case StateArmed:
		return e.armed(frame, energy)
	case StateInSpeech:
		e.preroll.Push(frame)
		return e.inSpeech(frame, energy)
	}
	return nil, nil
}

func (e *Engine) armed(frame audio.AudioFrame, energy float64) (*Segment, error) {
	if energy <= e.threshold {
		e.flushLoud()
		e.preroll.Push(frame)
		if e.cfg.AdaptRate > 0 {
			e.noiseFloor += e.cfg.AdaptRate * (energy - e.noiseFloor)
			e.setThreshold(e.noiseFloor)
		}
		return nil, nil
	}

	e.loud = append(e.loud, frame)
	if len(e.loud) < e.cfg.OnsetFrames {
		return nil, nil
	}

	// Onset: the segment opens with the pre-roll window that precedes the
	// loud run. The pre-roll keeps recording through the segment so the next
	// onset sees the full window, even when it overlaps this segment.
	e.seg = e.preroll.Frames()
	e.segDur = e.preroll.Duration()
	e.segPreroll = e.segDur
	e.silence = 0
	run := e.loud
	e.loud = nil
	for _, f := range run {
		e.preroll.Push(f)
	}
	e.transition(StateInSpeech)
	slog.Debug("vad: speech onset", "preroll", e.segPreroll, "threshold", e.threshold)

	var out *Segment
	for _, f := range run {
		seg, err := e.inSpeech(f, e.threshold+1)
		if err != nil {
			return nil, err
		}
		if seg != nil {
			out = seg
		}
	}
	return out, nil
}

func (e *Engine) inSpeech(frame audio.AudioFrame, energy float64) (*Segment, error) {
	d := frame.Duration()
	var out *Segment

	if e.segDur > 0 && e.segDur+d > e.cfg.MaxSegment {
		seg, err := e.finalize(true)
		if err != nil {
			return nil, err
		}
		out = seg
	}

	e.seg = append(e.seg, frame)
	e.segDur += d
	if energy > e.threshold {
		e.silence = 0
	} else {
		e.silence += d
	}

	if e.silence >= e.cfg.SilenceTimeout {
		seg, err := e.offset()
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = seg
		}
		return out, nil
	}

	if out == nil && e.segDur >= e.cfg.MaxSegment {
		return e.finalize(true)
	}
	return out, nil
}

// offset closes the segment after the silence timeout. Trailing silence
// beyond the margin is trimmed; the pre-roll buffer already holds it.
func (e *Engine) offset() (*Segment, error) {
	excess := e.silence - e.cfg.TrailingMargin
	cut := len(e.seg)
	var trimmed time.Duration
	for cut > 0 {
		d := e.seg[cut-1].Duration()
		if trimmed+d > excess {
			break
		}
		trimmed += d
		cut--
	}
	clear(e.seg[cut:])
	e.seg = e.seg[:cut]
	e.segDur -= trimmed

	seg, err := e.finalize(false)
	e.silence = 0
	e.transition(StateArmed)
	return seg, err
}

// finalize emits the open segment, or discards it when too short, and
// leaves an empty segment open.
func (e *Engine) finalize(forced bool) (*Segment, error) {
	frames, dur, pre := e.seg, e.segDur, e.segPreroll
	e.seg, e.segDur, e.segPreroll = nil, 0, 0

	if dur < e.cfg.MinSegment || len(frames) == 0 {
		slog.Debug("vad: segment discarded", "duration", dur, "min", e.cfg.MinSegment)
		if e.onDiscard != nil {
			e.onDiscard(dur)
		}
		return nil, nil
	}

	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}
	wav, err := audio.EncodeWAV(pcm, e.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("vad: finalize segment: %w", err)
	}

	e.nextID++
	seg := &Segment{
		ID:       e.nextID,
		WAV:      wav,
		PCM:      pcm,
		Format:   e.cfg.Format,
		Start:    frames[0].Timestamp,
		Duration: dur,
		Preroll:  pre,
		Forced:   forced,
	}
	slog.Debug("vad: segment finalized", "id", seg.ID, "duration", dur, "forced", forced)
	return seg, nil
}

// normalize converts frame to the engine format. Frames without a usable
// format become zero-length silence.
func (e *Engine) normalize(frame audio.AudioFrame) audio.AudioFrame {
	if !frame.Format().Valid() {
		return audio.AudioFrame{
			SampleRate: e.cfg.Format.SampleRate,
			Channels:   e.cfg.Format.Channels,
			Timestamp:  frame.Timestamp,
		}
	}
	return e.conv.Convert(frame)
}

func (e *Engine) beginCalibration() {
	e.calSum, e.calN = 0, 0
	e.transition(StateCalibrating)
}

// discard drops the open segment and the pending onset run.
func (e *Engine) discard() {
	e.flushLoud()
	e.seg, e.segDur, e.segPreroll, e.silence = nil, 0, 0, 0
}

// flushLoud moves an unconfirmed onset run into the pre-roll buffer.
func (e *Engine) flushLoud() {
	for _, f := range e.loud {
		e.preroll.Push(f)
	}
	e.loud = nil
}

func (e *Engine) setThreshold(floor float64) {
	e.threshold = max(floor+e.cfg.Margin, e.cfg.MinThreshold)
}

func (e *Engine) transition(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if e.onState != nil {
		e.onState(from, to)
	}
}
