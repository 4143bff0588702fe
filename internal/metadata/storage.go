// Package metadata records which daemon owns a libvirt domain, using
// libvirt's custom XML metadata feature. The record travels with the
// domain, so domains left behind by a previous daemon can be found and
// removed at startup.
package metadata

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace for kiln metadata.
	MetadataNamespace = "http://kiln.jbweber.dev/v1alpha1"

	// MetadataKey is the key used to store/retrieve metadata from libvirt.
	MetadataKey = "kiln-owner"
)

// Client is the subset of *libvirt.Libvirt used to read and write domain
// metadata.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type Client interface {
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// Ownership identifies the daemon and VM a domain belongs to.
type Ownership struct {
	// Daemon is the ID of the daemon process that created the domain.
	Daemon string `yaml:"daemon"`

	CID        uint32    `yaml:"cid"`
	Name       string    `yaml:"name,omitempty"`
	ScratchDir string    `yaml:"scratchDir"`
	Created    time.Time `yaml:"created"`
}

// KilnMetadata is the XML element stored on the domain. The ownership
// record is kept as YAML text so it stays readable in `virsh dumpxml`.
type KilnMetadata struct {
	XMLName xml.Name `xml:"owner"`
	Xmlns   string   `xml:"xmlns,attr"`
	// OwnerYAML contains the Ownership serialized as YAML
	OwnerYAML string `xml:",chardata"`
}

// Store saves the ownership record on the domain, replacing any previous
// one.
func Store(l Client, domain libvirt.Domain, o *Ownership) error {
	if o == nil {
		return fmt.Errorf("ownership cannot be nil")
	}

	yamlData, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal ownership to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(KilnMetadata{
		Xmlns:     MetadataNamespace,
		OwnerYAML: string(yamlData),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	// flags: 0 = replace existing metadata
	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load retrieves the ownership record of a domain. Domains not created by
// kiln have none and return an error.
func Load(l Client, domain libvirt.Domain) (*Ownership, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var metadata KilnMetadata
	if err := xml.Unmarshal([]byte(xmlStr), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var o Ownership
	if err := yaml.Unmarshal([]byte(metadata.OwnerYAML), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ownership from YAML: %w", err)
	}
	if o.Daemon == "" {
		return nil, fmt.Errorf("ownership record has no daemon ID")
	}

	return &o, nil
}
