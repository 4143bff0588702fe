package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

const (
	// ZeroFillerSize is the size of the zero filler; it covers the largest
	// padding a partition can need.
	ZeroFillerSize = PartitionAlignment

	// InstanceMagic starts a freshly initialized instance metadata
	// partition, followed by InstanceVersion as a little-endian u16.
	InstanceMagic   = "Android-VM-instance"
	InstanceVersion = 1
)

// CreateZeroFiller creates the zero-filled file used to pad partitions.
// The file must not exist yet.
func CreateZeroFiller(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create zero filler %s: %w", path, err)
	}
	if err := f.Truncate(ZeroFillerSize); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to size zero filler %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close zero filler %s: %w", path, err)
	}
	return nil
}

// CreateEmptyFile creates an empty file for the guest to write into,
// truncating any previous content.
func CreateEmptyFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// InitializeWritablePartition resets f to an empty partition of size bytes.
//
// The file is truncated to zero and grown sparse to size. Instance metadata
// partitions additionally get their header written at offset 0.
func InitializeWritablePartition(f *os.File, size int64, typ v1.PartitionType) error {
	if size < 0 {
		return v1.Errorf(v1.CodeIllegalArgument, "invalid size %d", size)
	}
	switch typ {
	case v1.PartitionTypeRaw, v1.PartitionTypeInstanceMetadata:
	default:
		return v1.Errorf(v1.CodeIllegalArgument, "unknown partition type %q", typ)
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset %s: %w", f.Name(), err)
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to resize %s to %d bytes: %w", f.Name(), size, err)
	}

	if typ == v1.PartitionTypeInstanceMetadata {
		return writeInstanceHeader(f)
	}
	return nil
}

func writeInstanceHeader(f *os.File) error {
	header := make([]byte, len(InstanceMagic)+2)
	copy(header, InstanceMagic)
	binary.LittleEndian.PutUint16(header[len(InstanceMagic):], InstanceVersion)

	n, err := f.WriteAt(header, 0)
	if err != nil {
		return fmt.Errorf("failed to write instance header to %s: %w", f.Name(), err)
	}
	if n != len(header) {
		return errors.New("short write of instance header")
	}
	return nil
}
