// Package preprocess cleans captured audio before voice-activity detection.
//
// A [Chain] downmixes to mono and resamples to the working rate, removes
// low-frequency rumble with a high-pass biquad, attenuates steady background
// noise with an adaptive gate and lifts quiet voices with a peak-limited
// boost. Each stage can be switched off.
package preprocess

import (
	"math"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Defaults for the processing stages.
const (
	DefaultSampleRate = 16000
	DefaultHighPass   = 90.0
	DefaultBoost      = 1.5

	// limit is the peak level the boost never exceeds.
	limit = 0.99

	// gateRatio is the gate threshold relative to the tracked noise floor.
	gateRatio = 2.5

	initialFloor = 0.003

	tauEnvelope = 0.010
	tauRise     = 0.500
	tauAttack   = 0.005
	tauRelease  = 0.050
)

// Option configures a [Chain].
type Option func(*Chain)

// WithSampleRate sets the output sample rate.
func WithSampleRate(rate int) Option {
	return func(c *Chain) { c.rate = rate }
}

// WithHighPass sets the high-pass cutoff in Hz. Zero disables the filter.
func WithHighPass(hz float64) Option {
	return func(c *Chain) { c.cutoff = hz }
}

// WithNoiseGate enables or disables the adaptive noise gate.
func WithNoiseGate(on bool) Option {
	return func(c *Chain) { c.gate = on }
}

// WithBoost sets the voice boost factor. A value of 1 or less disables the
// boost; the limiter only runs together with the boost.
func WithBoost(gain float64) Option {
	return func(c *Chain) { c.boost = gain }
}

// Chain is a stateful mono preprocessing chain. It is not safe for
// concurrent use; create one per capture stream.
type Chain struct {
	rate   int
	cutoff float64
	gate   bool
	boost  float64

	hpf biquad

	env, floor, gain        float64
	aEnv, aRise, aAtk, aRel float64
}

// New returns a Chain with all stages enabled at their defaults.
func New(opts ...Option) *Chain {
	c := &Chain{
		rate:   DefaultSampleRate,
		cutoff: DefaultHighPass,
		gate:   true,
		boost:  DefaultBoost,
	}
	for _, o := range opts {
		o(c)
	}
	if c.rate <= 0 {
		c.rate = DefaultSampleRate
	}
	fs := float64(c.rate)
	c.aEnv = math.Exp(-1 / (tauEnvelope * fs))
	c.aRise = math.Exp(-1 / (tauRise * fs))
	c.aAtk = math.Exp(-1 / (tauAttack * fs))
	c.aRel = math.Exp(-1 / (tauRelease * fs))
	c.Reset()
	return c
}

// Format returns the format of processed frames.
func (c *Chain) Format() audio.Format {
	return audio.Format{SampleRate: c.rate, Channels: 1}
}

// Reset clears the filter and gate state, as after a device change.
func (c *Chain) Reset() {
	if c.cutoff > 0 {
		c.hpf.setup(float64(c.rate), c.cutoff, math.Sqrt2/2)
	}
	c.env = 0
	c.floor = initialFloor
	c.gain = 1
}

// Process returns frame converted to mono at the chain rate and cleaned.
// Odd trailing bytes are dropped; an empty frame is returned unchanged
// apart from its format.
func (c *Chain) Process(frame audio.AudioFrame) audio.AudioFrame {
	pcm := frame.Data
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	out := audio.AudioFrame{SampleRate: c.rate, Channels: 1, Timestamp: frame.Timestamp}
	if len(pcm) == 0 {
		return out
	}
	if f := frame.Format(); f.Valid() {
		pcm = audio.ConvertPCM(pcm, f, c.Format())
	}

	samples := audio.BytesToInt16(pcm)
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s) / 32768
	}

	for i := range x {
		v := x[i]
		if c.cutoff > 0 {
			v = c.hpf.process(v)
		}
		if c.gate {
			v *= c.gateGain(v)
		}
		x[i] = v
	}

	gain := 1.0
	if c.boost > 1 {
		peak := 0.0
		for _, v := range x {
			peak = max(peak, math.Abs(v))
		}
		gain = c.boost
		if peak*c.boost > limit {
			gain = limit / peak
		}
	}

	for i, v := range x {
		samples[i] = quantize(v * gain)
	}
	out.Data = audio.Int16ToBytes(samples)
	return out
}

// gateGain advances the gate by one sample of value v and returns the gain
// to apply to it.
func (c *Chain) gateGain(v float64) float64 {
	c.env = c.aEnv*c.env + (1-c.aEnv)*math.Abs(v)
	// The floor follows drops at once and rises slowly.
	if c.env < c.floor {
		c.floor = c.env
	} else {
		c.floor += (c.env - c.floor) * (1 - c.aRise)
	}
	c.floor = max(c.floor, 1e-6)

	thr := c.floor*gateRatio + 1e-6
	target := 1.0
	if c.env <= thr {
		target = c.env / thr
	}
	target = math.Sqrt(target)

	a := c.aRel
	if target < c.gain {
		a = c.aAtk
	}
	c.gain = target + (c.gain-target)*a
	return c.gain
}

// NoiseFloor returns the gate's current noise-floor estimate on a 0..1
// scale.
func (c *Chain) NoiseFloor() float64 { return c.floor }

func quantize(v float64) int16 {
	v = min(max(v, -1), 1)
	return int16(math.Round(v * 32767))
}

// biquad is a second-order high-pass filter in transposed direct form II.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

func (f *biquad) setup(fs, fc, q float64) {
	w0 := 2 * math.Pi * fc / fs
	cos, sin := math.Cos(w0), math.Sin(w0)
	alpha := sin / (2 * q)
	a0 := 1 + alpha
	f.b0 = (1 + cos) / 2 / a0
	f.b1 = -(1 + cos) / a0
	f.b2 = (1 + cos) / 2 / a0
	f.a1 = -2 * cos / a0
	f.a2 = (1 - alpha) / a0
	f.z1, f.z2 = 0, 0
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x + f.z2 - f.a1*y
	f.z2 = f.b2*x - f.a2*y
	return y
}
