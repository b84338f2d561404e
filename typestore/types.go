// Package typestore manages the stream type registry: eleven built-in
// types plus user-registered custom types. A type's default config is a
// documentation and validation hint only; the broker never enforces it
// structurally against advertised stream configs.
package typestore

import (
	"fmt"
	"regexp"
	"time"
)

// StreamType describes one registered stream type.
type StreamType struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Description   string         `json:"description,omitempty"`
	Icon          string         `json:"icon,omitempty"`
	DefaultConfig map[string]any `json:"default_config,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Builtin       bool           `json:"builtin"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateName checks a custom type name: lowercase, starts with a
// letter, alphanumerics and underscores only.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid type name %q: must match %s", name, nameRe.String())
	}
	return nil
}

// Builtins returns the fixed built-in stream types. The slice is freshly
// allocated; callers may mutate it.
func Builtins() []*StreamType {
	types := []*StreamType{
		{
			Name:          "sensor",
			DisplayName:   "Sensor",
			Description:   "Generic sensor telemetry (temperature, spectral power, IMU)",
			Icon:          "activity",
			DefaultConfig: map[string]any{"sample_rate": 10},
		},
		{
			Name:          "data",
			DisplayName:   "Data",
			Description:   "Opaque structured data frames",
			Icon:          "database",
			DefaultConfig: map[string]any{},
		},
		{
			Name:          "osc",
			DisplayName:   "OSC",
			Description:   "Open Sound Control message stream",
			Icon:          "sliders",
			DefaultConfig: map[string]any{"address_space": "/"},
		},
		{
			Name:          "midi",
			DisplayName:   "MIDI",
			Description:   "MIDI event stream",
			Icon:          "music",
			DefaultConfig: map[string]any{"channels": 16},
		},
		{
			Name:          "audio",
			DisplayName:   "Audio",
			Description:   "Uncompressed or encoded audio",
			Icon:          "volume-2",
			DefaultConfig: map[string]any{"sample_rate": 48000, "channels": 2},
		},
		{
			Name:          "video",
			DisplayName:   "Video",
			Description:   "Video frames over raw transport",
			Icon:          "video",
			DefaultConfig: map[string]any{"width": 1920, "height": 1080, "fps": 30},
		},
		{
			Name:          "ndi",
			DisplayName:   "NDI",
			Description:   "NDI network video source",
			Icon:          "cast",
			DefaultConfig: map[string]any{"source_name": ""},
		},
		{
			Name:          "srt",
			DisplayName:   "SRT",
			Description:   "Secure Reliable Transport video",
			Icon:          "shield",
			DefaultConfig: map[string]any{"latency_ms": 120},
		},
		{
			Name:          "texture",
			DisplayName:   "Texture",
			Description:   "GPU texture sharing, platform-agnostic",
			Icon:          "image",
			DefaultConfig: map[string]any{"width": 1920, "height": 1080},
		},
		{
			Name:          "spout",
			DisplayName:   "Spout",
			Description:   "Spout texture sharing (Windows)",
			Icon:          "share-2",
			DefaultConfig: map[string]any{"sender_name": ""},
		},
		{
			Name:          "syphon",
			DisplayName:   "Syphon",
			Description:   "Syphon texture sharing (macOS)",
			Icon:          "share-2",
			DefaultConfig: map[string]any{"server_name": ""},
		},
	}
	for _, t := range types {
		t.Builtin = true
	}
	return types
}

// IsBuiltin reports whether name is one of the fixed built-in types.
func IsBuiltin(name string) bool {
	_, ok := builtinSet[name]
	return ok
}

var builtinSet = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Builtins() {
		set[t.Name] = struct{}{}
	}
	return set
}()
