package main

import (
	"github.com/MrWong99/parlox/internal/app"
	"github.com/MrWong99/parlox/pkg/audio"
)

// devices are the local audio devices of this build.
type devices struct {
	backend string
	catalog audio.Catalog
	capture app.CaptureOpener
	close   func() error
}
