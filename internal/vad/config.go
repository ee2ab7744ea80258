package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Config tunes the segmentation engine. Energies are normalised RMS levels in
// [0, 1] as returned by [audio.RMS].
type Config struct {
	// Format is the PCM format segments are produced in. Incoming frames are
	// converted to it.
	Format audio.Format

	// Preroll is the length of audio kept before a detected onset.
	Preroll time.Duration

	// CalibrationFrames is the number of frames averaged to estimate the
	// noise floor. Zero skips calibration and uses a zero floor.
	CalibrationFrames int

	// Margin is added to the noise floor to obtain the speech threshold.
	Margin float64

	// MinThreshold is the lowest threshold calibration may produce.
	MinThreshold float64

	// OnsetFrames is the number of consecutive above-threshold frames that
	// confirm speech onset.
	OnsetFrames int

	// SilenceTimeout is the continuous sub-threshold time that ends a
	// segment.
	SilenceTimeout time.Duration

	// TrailingMargin is the amount of trailing silence kept on a segment.
	TrailingMargin time.Duration

	// MinSegment is the shortest segment emitted. Shorter ones are noise.
	MinSegment time.Duration

	// MaxSegment is the longest segment emitted. Longer speech is split.
	MaxSegment time.Duration

	// AdaptRate is the weight of each quiet frame in the noise-floor moving
	// average while armed. Zero freezes the calibrated floor.
	AdaptRate float64
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Format:            audio.Format{SampleRate: 16000, Channels: 1},
		Preroll:           2 * time.Second,
		CalibrationFrames: 25,
		Margin:            0.015,
		MinThreshold:      0.005,
		OnsetFrames:       3,
		SilenceTimeout:    800 * time.Millisecond,
		TrailingMargin:    200 * time.Millisecond,
		MinSegment:        400 * time.Millisecond,
		MaxSegment:        15 * time.Second,
		AdaptRate:         0.02,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !c.Format.Valid() {
		errs = append(errs, fmt.Errorf("vad: format %s is invalid", c.Format))
	}
	if c.Preroll < 0 {
		errs = append(errs, errors.New("vad: preroll must not be negative"))
	}
	if c.CalibrationFrames < 0 {
		errs = append(errs, errors.New("vad: calibration_frames must not be negative"))
	}
	if c.Margin < 0 || c.MinThreshold < 0 {
		errs = append(errs, errors.New("vad: margin and min_threshold must not be negative"))
	}
	if c.OnsetFrames < 1 {
		errs = append(errs, errors.New("vad: onset_frames must be at least 1"))
	}
	if c.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("vad: silence_timeout must be positive"))
	}
	if c.TrailingMargin < 0 || c.TrailingMargin > c.SilenceTimeout {
		errs = append(errs, errors.New("vad: trailing_margin must be between 0 and silence_timeout"))
	}
	if c.MinSegment < 0 {
		errs = append(errs, errors.New("vad: min_segment must not be negative"))
	}
	if c.MaxSegment <= c.Preroll+c.MinSegment {
		errs = append(errs, fmt.Errorf("vad: max_segment %v must exceed preroll+min_segment (%v)", c.MaxSegment, c.Preroll+c.MinSegment))
	}
	if c.AdaptRate < 0 || c.AdaptRate > 1 {
		errs = append(errs, errors.New("vad: adapt_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
