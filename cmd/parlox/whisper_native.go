//go:build whisper

package main

import (
	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/stt/whisper"
)

// registerNativeWhisper registers the in-process whisper.cpp transcriber.
func registerNativeWhisper(reg *config.Registry) {
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o struct {
			ModelPath string `mapstructure:"model_path"`
			Language  string `mapstructure:"language"`
			Threads   uint   `mapstructure:"threads"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = o.ModelPath
		}
		var opts []whisper.NativeOption
		if o.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(o.Language))
		}
		if o.Threads > 0 {
			opts = append(opts, whisper.WithNativeThreads(o.Threads))
		}
		return whisper.NewNative(modelPath, opts...)
	})
}
