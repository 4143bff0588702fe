package payload

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kdomanski/iso9660"
)

const (
	// VolumeLabel is the ISO volume identifier of the metadata partition.
	VolumeLabel = "PAYLOAD"

	// MetadataFile is the name of the metadata document in the image.
	MetadataFile = "metadata"
)

// GenerateISO renders md into an ISO9660 image.
func GenerateISO(md *Metadata) ([]byte, error) {
	if md == nil {
		return nil, fmt.Errorf("payload metadata cannot be nil")
	}

	doc, err := md.Marshal()
	if err != nil {
		return nil, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader(doc), MetadataFile); err != nil {
		return nil, fmt.Errorf("failed to add %s: %w", MetadataFile, err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, VolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteImage writes the metadata partition image to path, which must not
// exist yet, and returns it opened for reading.
func WriteImage(path string, md *Metadata) (*os.File, error) {
	data, err := GenerateISO(md)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload metadata image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write payload metadata image: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rewind payload metadata image: %w", err)
	}
	return f, nil
}
