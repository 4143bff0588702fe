// Package payload builds the payload partitions of application VMs.
//
// An application VM boots a fixed guest OS and finds its payload on a small
// read-only metadata partition. The partition is an ISO9660 image holding a
// single YAML document that names the APK partitions and the task to run.
package payload

import (
	"fmt"

	"gopkg.in/yaml.v3"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// MetadataVersion is the version of the metadata document.
const MetadataVersion = 1

// Partition labels of the payload disk.
const (
	LabelMetadata    = "payload-metadata"
	LabelAPK         = "microdroid-apk"
	LabelAPKIDSig    = "microdroid-apk-idsig"
	extraAPKFormat   = "extra-apk-%d"
	extraIDSigFormat = "extra-idsig-%d"
)

// ExtraAPKLabel returns the partition label of the i-th extra APK.
func ExtraAPKLabel(i int) string { return fmt.Sprintf(extraAPKFormat, i) }

// ExtraIDSigLabel returns the partition label of the i-th extra signature.
func ExtraIDSigLabel(i int) string { return fmt.Sprintf(extraIDSigFormat, i) }

// Metadata is the document the guest reads from the metadata partition.
type Metadata struct {
	Version    int           `yaml:"version"`
	Name       string        `yaml:"name,omitempty"`
	APKs       []APK         `yaml:"apks"`
	ConfigPath string        `yaml:"configPath,omitempty"`
	Task       *Task         `yaml:"task,omitempty"`
	DebugLevel v1.DebugLevel `yaml:"debugLevel,omitempty"`
	Tombstones bool          `yaml:"exportTombstones,omitempty"`
}

// APK locates one APK and its signature on the payload disk.
type APK struct {
	Name           string `yaml:"name"`
	Partition      string `yaml:"partition"`
	IDSigPartition string `yaml:"idsigPartition"`
}

// NewMetadata builds the metadata document for app and its resolved
// payload config.
func NewMetadata(app *v1.AppConfig, cfg *VMPayloadConfig) *Metadata {
	md := &Metadata{
		Version:    MetadataVersion,
		Name:       app.Name,
		DebugLevel: app.DebugLevel,
		Tombstones: cfg.ExportTombstones,
		APKs: []APK{{
			Name:           "base",
			Partition:      LabelAPK,
			IDSigPartition: LabelAPKIDSig,
		}},
	}
	if app.Payload.ConfigPath != "" {
		md.ConfigPath = app.Payload.ConfigPath
	} else {
		md.Task = cfg.Task
	}
	for i, extra := range cfg.ExtraAPKs {
		md.APKs = append(md.APKs, APK{
			Name:           extra.Path,
			Partition:      ExtraAPKLabel(i),
			IDSigPartition: ExtraIDSigLabel(i),
		})
	}
	return md
}

// Marshal encodes the metadata document.
func (m *Metadata) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload metadata: %w", err)
	}
	return out, nil
}
