// Package portaudio implements capture sources, output sinks and device
// enumeration on local sound hardware through PortAudio.
//
// The device-facing code needs cgo and the PortAudio library and is only
// built with the "portaudio" build tag. Device selection logic is plain Go
// and always available.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/parlox/pkg/audio"
)

// ErrNoLoopback is returned when system audio is requested but neither a
// virtual loopback input nor an output monitor exists.
var ErrNoLoopback = errors.New("portaudio: no virtual loopback or monitor input for system audio (install BlackHole or VB-CABLE)")

const monitorPrefix = "monitor of "

// monitorTarget returns the output device a "Monitor of <output>" input
// listens to.
func monitorTarget(name string) (string, bool) {
	if len(name) <= len(monitorPrefix) || !strings.EqualFold(name[:len(monitorPrefix)], monitorPrefix) {
		return "", false
	}
	return strings.TrimSpace(name[len(monitorPrefix):]), true
}

// findDevice returns the device whose id or name equals id, ignoring case,
// among inputs or outputs.
func findDevice(devs []audio.Device, id string, input bool) (audio.Device, bool) {
	for _, d := range devs {
		if (input && !d.Input) || (!input && !d.Output) {
			continue
		}
		if d.ID == id || strings.EqualFold(d.Name, id) {
			return d, true
		}
	}
	return audio.Device{}, false
}

func defaultDevice(devs []audio.Device, input bool) (audio.Device, bool) {
	for _, d := range devs {
		if d.Default && ((input && d.Input) || (!input && d.Output)) {
			return d, true
		}
	}
	return audio.Device{}, false
}

// loopbackInfo describes capture from an input that carries system audio.
// Virtual loopbacks are reported as such; an output monitor is reported as
// the monitored output so the router pauses only when it plays there.
func loopbackInfo(dev audio.Device) audio.CaptureInfo {
	if target, ok := monitorTarget(dev.Name); ok {
		return audio.CaptureInfo{Kind: audio.SourceSystem, DeviceID: target}
	}
	return audio.CaptureInfo{Kind: audio.SourceSystem, DeviceID: dev.ID, Virtual: true}
}

// resolveCapture picks the input device for sel and describes it for the
// feedback-prevention router.
//
// Per-process capture needs OS-specific session APIs that PortAudio does
// not expose, so process selectors fall back to system audio.
func resolveCapture(sel audio.Selector, devs []audio.Device) (audio.Device, audio.CaptureInfo, error) {
	switch sel.Kind {
	case audio.SourceMicrophone:
		var (
			dev audio.Device
			ok  bool
		)
		if sel.Device == "" {
			dev, ok = defaultDevice(devs, true)
		} else {
			dev, ok = findDevice(devs, sel.Device, true)
		}
		if !ok {
			return audio.Device{}, audio.CaptureInfo{}, fmt.Errorf("portaudio: input %q: %w", sel.Device, audio.ErrDeviceNotFound)
		}
		if dev.Virtual {
			// A loopback picked by name carries system audio, not a room.
			return dev, loopbackInfo(dev), nil
		}
		return dev, audio.CaptureInfo{Kind: audio.SourceMicrophone, DeviceID: dev.ID}, nil

	case audio.SourceSystem, audio.SourceProcess:
		if sel.Kind == audio.SourceProcess {
			slog.Warn("portaudio: per-process capture unavailable, capturing system audio", "pid", sel.PID, "process", sel.ProcessName, "exclude_self", sel.ExcludeSelf)
		}
		var monitor *audio.Device
		for i, d := range devs {
			if !d.Input || !d.Virtual {
				continue
			}
			if _, ok := monitorTarget(d.Name); ok {
				if monitor == nil {
					monitor = &devs[i]
				}
				continue
			}
			return d, loopbackInfo(d), nil
		}
		if monitor != nil {
			return *monitor, loopbackInfo(*monitor), nil
		}
		return audio.Device{}, audio.CaptureInfo{}, ErrNoLoopback
	}
	return audio.Device{}, audio.CaptureInfo{}, fmt.Errorf("portaudio: unsupported capture kind %s", sel.Kind)
}
