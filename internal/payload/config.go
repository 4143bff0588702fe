package payload

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// TaskType selects how the guest starts the payload.
type TaskType string

const (
	// TaskTypeLauncher runs a shared library from the APK through the
	// guest launcher.
	TaskTypeLauncher TaskType = "microdroid_launcher"

	// TaskTypeExecutable runs a binary directly.
	TaskTypeExecutable TaskType = "executable"
)

// VMPayloadConfig is the payload configuration read from inside an APK, or
// synthesized from an explicit binary name.
type VMPayloadConfig struct {
	OS               OSConfig    `json:"os"`
	Task             *Task       `json:"task,omitempty"`
	ExtraAPKs        []APKConfig `json:"extra_apks,omitempty"`
	PreferStaged     bool        `json:"prefer_staged,omitempty"`
	ExportTombstones bool        `json:"export_tombstones,omitempty"`
}

// OSConfig names the guest OS.
type OSConfig struct {
	Name string `json:"name"`
}

// Task is the command run inside the guest.
type Task struct {
	Type    TaskType `json:"type"`
	Command string   `json:"command"`
}

// APKConfig is an additional APK made available to the payload.
type APKConfig struct {
	Path string `json:"path"`
}

// ForBinary returns the config used when an app config names the payload
// binary directly instead of a config file.
func ForBinary(name string) *VMPayloadConfig {
	return &VMPayloadConfig{
		OS:   OSConfig{Name: v1.MicrodroidOSName},
		Task: &Task{Type: TaskTypeLauncher, Command: name},
	}
}

// LoadFromAPK reads the JSON payload config stored at path inside the APK.
func LoadFromAPK(apk io.ReaderAt, size int64, path string) (*VMPayloadConfig, error) {
	zr, err := zip.NewReader(apk, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open APK: %w", err)
	}

	f, err := zr.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s in APK: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var cfg VMPayloadConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse payload config %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve returns the payload config selected by app.
func Resolve(app *v1.AppConfig, apk io.ReaderAt, size int64) (*VMPayloadConfig, error) {
	switch {
	case app.Payload.ConfigPath != "" && app.Payload.BinaryName != "":
		return nil, v1.Errorf(v1.CodeIllegalArgument, "payload must set either configPath or binaryName, not both")
	case app.Payload.ConfigPath != "":
		cfg, err := LoadFromAPK(apk, size, app.Payload.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("couldn't read config from %s: %w", app.Payload.ConfigPath, err)
		}
		return cfg, nil
	case app.Payload.BinaryName != "":
		return ForBinary(app.Payload.BinaryName), nil
	default:
		return nil, v1.Errorf(v1.CodeIllegalArgument, "payload is empty")
	}
}
