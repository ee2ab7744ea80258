//go:build !whisper

package main

import "github.com/MrWong99/parlox/internal/config"

// registerNativeWhisper is a no-op without the whisper build tag.
func registerNativeWhisper(*config.Registry) {}
