package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; pointer fields are nil
// when unchanged. Everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SourceLang  *string
	TargetLang  *string
	VoiceID     *string
	Output      *string
	ResumeDelay *time.Duration
	VAD         *VADConfig

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// SessionChanged reports whether the running session needs reconfiguring.
func (d ConfigDiff) SessionChanged() bool {
	return d.SourceLang != nil || d.TargetLang != nil || d.VoiceID != nil || d.Output != nil || d.VAD != nil
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.SessionChanged() && d.ResumeDelay == nil && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SourceLang = changed(old.Session.SourceLang, new.Session.SourceLang)
	d.TargetLang = changed(old.Session.TargetLang, new.Session.TargetLang)
	d.VoiceID = changed(old.Session.VoiceID, new.Session.VoiceID)
	d.Output = changed(old.Output.Device, new.Output.Device)
	d.ResumeDelay = changed(old.Output.ResumeDelay, new.Output.ResumeDelay)
	d.VAD = changed(old.VAD, new.VAD)

	// Sections that are wired into long-lived components at startup.
	sections := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"providers", old.Providers, new.Providers},
		{"session.context_turns", old.Session.ContextTurns, new.Session.ContextTurns},
		{"session.context_clear_after", old.Session.ContextClearAfter, new.Session.ContextClearAfter},
		{"input", old.Input, new.Input},
		{"synthesis", old.Synthesis, new.Synthesis},
		{"dedupe", old.Dedupe, new.Dedupe},
		{"status", old.Status, new.Status},
		{"history", old.History, new.History},
		{"discord", old.Discord, new.Discord},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func changed[T comparable](old, new T) *T {
	if old == new {
		return nil
	}
	return &new
}
