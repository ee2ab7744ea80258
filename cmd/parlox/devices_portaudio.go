//go:build portaudio

package main

import (
	"github.com/MrWong99/parlox/pkg/audio/portaudio"
)

// openDevices initialises PortAudio and exposes its devices for capture and
// playback.
func openDevices() (*devices, error) {
	terminate, err := portaudio.Init()
	if err != nil {
		return nil, err
	}
	c := portaudio.NewCatalog()
	return &devices{
		backend: "portaudio",
		catalog: c,
		capture: c,
		close:   terminate,
	}, nil
}
